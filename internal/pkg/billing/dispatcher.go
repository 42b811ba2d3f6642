package billing

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/config"
)

// EffectHandler performs one kind of side effect. Handlers must be
// idempotent: the same effect may be delivered again after a retry.
type EffectHandler interface {
	Handle(ctx context.Context, effect Effect) error
}

// EffectHandlerFunc adapts a function to EffectHandler.
type EffectHandlerFunc func(ctx context.Context, effect Effect) error

func (f EffectHandlerFunc) Handle(ctx context.Context, effect Effect) error {
	return f(ctx, effect)
}

// EffectResult reports the outcome of one effect.
type EffectResult struct {
	Effect   Effect
	Attempts int
	Err      error
}

// Dispatcher runs effects in order. A failing effect never stops the
// effects after it.
type Dispatcher struct {
	cfg      config.DispatchConfig
	handlers map[EffectKind]EffectHandler
}

func NewDispatcher(cfg config.DispatchConfig, handlers map[EffectKind]EffectHandler) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	return &Dispatcher{cfg: cfg, handlers: handlers}
}

// Dispatch returns one result per effect, in input order.
func (d *Dispatcher) Dispatch(ctx context.Context, effects []Effect) []EffectResult {
	results := make([]EffectResult, 0, len(effects))
	for _, e := range effects {
		res := d.run(ctx, e)
		if res.Err != nil {
			log.Warnf("[Dispatcher] %s for %s/%s failed after %d attempt(s): %v", e, e.Provider, e.EventID, res.Attempts, res.Err)
		}
		results = append(results, res)
	}
	return results
}

func (d *Dispatcher) run(ctx context.Context, e Effect) EffectResult {
	h, ok := d.handlers[e.Kind]
	if !ok {
		return EffectResult{Effect: e, Err: Permanent(fmt.Errorf("%w: no handler for effect %s", ErrConfiguration, e.Kind))}
	}

	res := EffectResult{Effect: e}
	err := backoff.Retry(func() error {
		res.Attempts++
		res.Err = d.attempt(ctx, h, e)
		return res.Err
	}, backoff.WithContext(backoff.WithMaxRetries(d.policy(), uint64(d.cfg.MaxAttempts-1)), ctx))
	if err != nil && !IsPermanent(res.Err) && res.Attempts < d.cfg.MaxAttempts && ctx.Err() != nil {
		res.Err = fmt.Errorf("%w: %v (retry aborted: %v)", ErrTransientEffect, res.Err, ctx.Err())
	}
	return res
}

func (d *Dispatcher) attempt(ctx context.Context, h EffectHandler, e Effect) (err error) {
	actx := ctx
	if d.cfg.EffectTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, d.cfg.EffectTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("effect %s panicked: %v", e, r))
		}
	}()
	return h.Handle(actx, e)
}

// policy waits BaseBackoff·2^(n-1) before retry n, capped at MaxBackoff.
func (d *Dispatcher) policy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BaseBackoff
	b.MaxInterval = d.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
