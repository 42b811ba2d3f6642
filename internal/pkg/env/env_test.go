package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypedGetters(t *testing.T) {
	Env = map[string]string{
		"PF_INT":      "7",
		"PF_BAD_INT":  "seven",
		"PF_DURATION": "250ms",
		"PF_BOOL":     "true",
	}
	t.Cleanup(func() { Env = nil })

	assert.Equal(t, 7, GetEnvInt("PF_INT", 1))
	assert.Equal(t, 1, GetEnvInt("PF_BAD_INT", 1))
	assert.Equal(t, 3, GetEnvInt("PF_MISSING", 3))
	assert.Equal(t, 250*time.Millisecond, GetEnvDuration("PF_DURATION", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("PF_MISSING", time.Second))
	assert.True(t, GetEnvBool("PF_BOOL", false))
	assert.False(t, GetEnvBool("PF_MISSING", false))
}

func TestGetEnvFallsBackToProcessEnv(t *testing.T) {
	Env = map[string]string{}
	t.Cleanup(func() { Env = nil })
	t.Setenv("PF_FROM_OS", "os-value")

	assert.Equal(t, "os-value", GetEnv("PF_FROM_OS", "def"))
	assert.Equal(t, "def", GetEnv("PF_NOT_SET", "def"))
}
