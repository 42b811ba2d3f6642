package jobqueue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobType(t *testing.T) {
	tests := []struct {
		name     string
		jobType  JobType
		expected string
	}{
		{"Effect Replay", JobTypeEffectReplay, "effect_replay"},
		{"Event Replay", JobTypeEventReplay, "event_replay"},
		{"Counter Flush", JobTypeCounterFlush, "counter_flush"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(tt.jobType))
		})
	}
}

func TestJob_IsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		job       *Job
		retryable bool
	}{
		{
			name:      "Failed job with retries remaining",
			job:       &Job{Status: JobStatusFailed, RetryCount: 1, MaxRetries: 3},
			retryable: true,
		},
		{
			name:      "Failed job with no retries remaining",
			job:       &Job{Status: JobStatusFailed, RetryCount: 3, MaxRetries: 3},
			retryable: false,
		},
		{
			name:      "Failed job that never retries",
			job:       &Job{Status: JobStatusFailed, RetryCount: 1, MaxRetries: 0},
			retryable: false,
		},
		{
			name:      "Completed job",
			job:       &Job{Status: JobStatusCompleted, RetryCount: 1, MaxRetries: 3},
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.job.IsRetryable())
		})
	}
}

func TestJob_Lifecycle(t *testing.T) {
	job := &Job{Status: JobStatusPending, MaxRetries: 2}

	job.MarkAsProcessing()
	assert.Equal(t, JobStatusProcessing, job.Status)
	require.NotNil(t, job.ProcessedAt)

	job.MarkAsFailed("smtp down")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "smtp down", job.ErrorMsg)
	assert.Equal(t, 1, job.RetryCount)
	assert.True(t, job.IsRetryable())

	job.MarkAsRetrying()
	assert.Equal(t, JobStatusRetrying, job.Status)

	job.MarkAsCompleted()
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Empty(t, job.ErrorMsg)
	require.NotNil(t, job.CompletedAt)
}

func TestEffectReplayJobPayloadRoundTrip(t *testing.T) {
	original := EffectReplayJobPayload{FailureID: 42}

	// Payloads pass through JSON in Redis, so numbers come back as float64.
	raw, err := json.Marshal(original.ToMap())
	require.NoError(t, err)
	var stored map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &stored))

	decoded, err := EffectReplayJobPayloadFromMap(stored)
	require.NoError(t, err)
	assert.Equal(t, original, *decoded)
}

func TestEventReplayJobPayload(t *testing.T) {
	m := EventReplayJobPayload{EventID: 7}.ToMap()
	_, hasRequester := m["requested_by"]
	assert.False(t, hasRequester)

	decoded, err := EventReplayJobPayloadFromMap(EventReplayJobPayload{EventID: 7, RequestedBy: "admin"}.ToMap())
	require.NoError(t, err)
	assert.Equal(t, uint(7), decoded.EventID)
	assert.Equal(t, "admin", decoded.RequestedBy)

	_, err = EventReplayJobPayloadFromMap(map[string]interface{}{"event_id": "not-a-number"})
	assert.Error(t, err)
}

func TestJobJSONSerialization(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	job := &Job{
		ID:         "job-1",
		Type:       JobTypeEffectReplay,
		Status:     JobStatusPending,
		Payload:    EffectReplayJobPayload{FailureID: 3}.ToMap(),
		UniqueKey:  "effect_replay:3",
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: 0,
	}

	data, err := json.Marshal(job)
	require.NoError(t, err)
	var back Job
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, job.ID, back.ID)
	assert.Equal(t, job.Type, back.Type)
	assert.Equal(t, job.UniqueKey, back.UniqueKey)
	assert.True(t, job.CreatedAt.Equal(back.CreatedAt))
	assert.Equal(t, float64(3), back.Payload["failure_id"])
}
