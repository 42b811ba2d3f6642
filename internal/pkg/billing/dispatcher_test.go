package billing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/internal/pkg/config"
)

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	d := NewDispatcher(fastDispatch(), map[EffectKind]EffectHandler{
		EffectSendEmail: EffectHandlerFunc(func(ctx context.Context, e Effect) error {
			if calls.Add(1) < 3 {
				return ErrTransientEffect
			}
			return nil
		}),
	})

	results := d.Dispatch(context.Background(), []Effect{{Kind: EffectSendEmail, Template: TemplateWelcome}})
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 3, results[0].Attempts)
}

func TestDispatcherIsolatesFailures(t *testing.T) {
	var order []EffectKind
	d := NewDispatcher(fastDispatch(), map[EffectKind]EffectHandler{
		EffectGrantAccess: EffectHandlerFunc(func(ctx context.Context, e Effect) error {
			order = append(order, e.Kind)
			return errors.New("db unavailable")
		}),
		EffectSendEmail: EffectHandlerFunc(func(ctx context.Context, e Effect) error {
			order = append(order, e.Kind)
			return nil
		}),
	})

	results := d.Dispatch(context.Background(), []Effect{
		{Kind: EffectGrantAccess},
		{Kind: EffectSendEmail},
		{Kind: EffectRecordPayment},
	})
	require.Len(t, results, 3)
	assert.Error(t, results[0].Err)
	assert.Equal(t, 3, results[0].Attempts)
	assert.NoError(t, results[1].Err)
	assert.True(t, IsPermanent(results[2].Err), "missing handler should not be retried")
	assert.Equal(t, []EffectKind{EffectGrantAccess, EffectGrantAccess, EffectGrantAccess, EffectSendEmail}, order)
}

func TestDispatcherDoesNotRetryPermanentErrors(t *testing.T) {
	var calls atomic.Int32
	d := NewDispatcher(fastDispatch(), map[EffectKind]EffectHandler{
		EffectSendEmail: EffectHandlerFunc(func(ctx context.Context, e Effect) error {
			calls.Add(1)
			return Permanent(ErrUnresolvedSubject)
		}),
	})
	res := d.Dispatch(context.Background(), []Effect{{Kind: EffectSendEmail}})[0]
	assert.True(t, errors.Is(res.Err, ErrUnresolvedSubject))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcherBoundsEachAttempt(t *testing.T) {
	cfg := fastDispatch()
	cfg.MaxAttempts = 2
	cfg.EffectTimeout = 20 * time.Millisecond
	d := NewDispatcher(cfg, map[EffectKind]EffectHandler{
		EffectSendEmail: EffectHandlerFunc(func(ctx context.Context, e Effect) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	})

	start := time.Now()
	res := d.Dispatch(context.Background(), []Effect{{Kind: EffectSendEmail}})[0]
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded))
	assert.Equal(t, 2, res.Attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d := NewDispatcher(fastDispatch(), map[EffectKind]EffectHandler{
		EffectSendEmail: EffectHandlerFunc(func(ctx context.Context, e Effect) error {
			panic("template missing")
		}),
	})
	res := d.Dispatch(context.Background(), []Effect{{Kind: EffectSendEmail}})[0]
	assert.True(t, IsPermanent(res.Err))
}

func TestDispatcherStopsRetryingWhenCanceled(t *testing.T) {
	cfg := config.DispatchConfig{MaxAttempts: 5, BaseBackoff: time.Hour, MaxBackoff: time.Hour, EffectTimeout: time.Second}
	d := NewDispatcher(cfg, map[EffectKind]EffectHandler{
		EffectSendEmail: EffectHandlerFunc(func(ctx context.Context, e Effect) error {
			return ErrTransientEffect
		}),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := d.Dispatch(ctx, []Effect{{Kind: EffectSendEmail}})[0]
	assert.Error(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
}

func TestDispatcherBackoff(t *testing.T) {
	d := NewDispatcher(config.DispatchConfig{MaxAttempts: 5, BaseBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}, nil)
	policy := d.policy()
	assert.Equal(t, 100*time.Millisecond, policy.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, policy.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, policy.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, policy.NextBackOff())
}
