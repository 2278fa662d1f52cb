package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the agent while its breaker is open.
var ErrCircuitOpen = errors.New("agent: circuit open")

// BreakerConfig configures a consecutive-failure circuit breaker.
// Zero fields take defaults; Trip < 0 disables the breaker.
type BreakerConfig struct {
	Trip       int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ResetAfter time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Trip == 0 {
		c.Trip = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

// Breaker wraps an Invocable. After Trip consecutive failures it fails fast
// for a cooldown that doubles with every further failure, up to MaxDelay.
// Cancellation by the caller does not count as a failure.
type Breaker struct {
	id  string
	inv Invocable
	cfg BreakerConfig
	now func() time.Time

	mu          sync.Mutex
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// WithBreaker returns inv guarded by a breaker, or inv itself when cfg.Trip < 0.
func WithBreaker(id string, inv Invocable, cfg BreakerConfig) Invocable {
	if cfg.Trip < 0 {
		return inv
	}
	return &Breaker{id: id, inv: inv, cfg: cfg.withDefaults(), now: time.Now}
}

func (b *Breaker) Invoke(ctx context.Context, req Request, sink ProgressSink) (Result, error) {
	if until, open := b.open(b.now()); open {
		return Result{}, fmt.Errorf("%w: %s until %s", ErrCircuitOpen, b.id, until.Format(time.RFC3339))
	}
	res, err := b.inv.Invoke(ctx, req, sink)
	if err != nil && ctx.Err() != nil {
		return res, err
	}
	b.record(b.now(), err)
	return res, err
}

// State reports the consecutive failure count and, when open, the reopen time.
func (b *Breaker) State() (fails int, openUntil time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(b.now())
	return b.fails, b.openUntil
}

func (b *Breaker) open(now time.Time) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return b.openUntil, true
	}
	return time.Time{}, false
}

// expireLocked forgets failures older than ResetAfter.
func (b *Breaker) expireLocked(now time.Time) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.ResetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
	}
}

func (b *Breaker) record(now time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)

	if err == nil {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}
	b.fails++
	b.lastFailure = now
	if b.fails < b.cfg.Trip {
		return
	}

	d := b.cfg.BaseDelay
	for i := 0; i < b.fails-b.cfg.Trip; i++ {
		d *= 2
		if d >= b.cfg.MaxDelay {
			break
		}
	}
	b.openUntil = now.Add(min(d, b.cfg.MaxDelay))
}
