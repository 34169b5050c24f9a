package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mnemo-ai/mnemo/tier"
)

// Start launches the three maintenance loops: consolidation, decay, and
// working-buffer refresh. Each loop runs in its own goroutine and backs
// off after a failed pass instead of dying.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return ErrStarted
	}
	e.started = true

	now := time.Now()
	e.decayMu.Lock()
	for _, t := range []*tier.Tier{e.intermediate, e.durable} {
		e.lastDecay[t.Level()] = now
	}
	e.decayMu.Unlock()

	e.wg.Add(3)
	go e.loop("consolidate", e.opts.ConsolidateInterval, e.consolidatePass)
	go e.loop("decay", e.opts.DecayInterval, e.decayPass)
	go e.loop("refresh", e.opts.RefreshInterval, e.refreshPass)

	e.logger.Info("memory engine started",
		"consolidate_interval", e.opts.ConsolidateInterval,
		"decay_interval", e.opts.DecayInterval,
		"refresh_interval", e.opts.RefreshInterval)
	return nil
}

// Shutdown stops the maintenance loops and closes every tier. It waits
// for in-flight passes up to the context deadline, falling back to the
// configured shutdown timeout when the context has none.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.runCancel()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.ShutdownTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("engine: shutdown wait: %w", ctx.Err())
	}

	for _, t := range e.tiers() {
		if err := t.Close(); err != nil && waitErr == nil {
			waitErr = fmt.Errorf("engine: close %s tier: %w", t.Level(), err)
		}
	}

	e.logger.Info("memory engine stopped")
	return waitErr
}

// loop drives one maintenance routine. A pass returning an error is
// logged and retried after the error backoff; the loop only exits on
// shutdown.
func (e *Engine) loop(name string, interval time.Duration, pass func(ctx context.Context) error) {
	defer e.wg.Done()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-e.runCtx.Done():
			return
		case <-timer.C:
		}

		next := interval
		if err := pass(e.runCtx); err != nil && e.runCtx.Err() == nil {
			e.logger.Error("maintenance pass failed",
				"loop", name,
				"error", err,
				"backoff", e.opts.ErrorBackoff)
			next = e.opts.ErrorBackoff
		}
		timer.Reset(next)
	}
}

func (e *Engine) consolidatePass(ctx context.Context) error {
	res := e.runCycle(ctx)
	if len(res.Errors) > 0 {
		return fmt.Errorf("consolidation: %d records failed", len(res.Errors))
	}
	return nil
}

func (e *Engine) decayPass(ctx context.Context) error {
	sig := e.strainSnapshot(ctx)
	now := time.Now()

	var failed int
	for _, t := range []*tier.Tier{e.intermediate, e.durable} {
		e.decayMu.Lock()
		last := e.lastDecay[t.Level()]
		e.lastDecay[t.Level()] = now
		e.decayMu.Unlock()

		res := e.decayer.Decay(ctx, t, now.Sub(last), sig)
		e.nDecayed.Add(int64(res.Decayed))
		e.nEvicted.Add(int64(res.Evicted))
		failed += len(res.Errors)
	}
	if failed > 0 {
		return fmt.Errorf("decay: %d records failed", failed)
	}
	return nil
}

func (e *Engine) refreshPass(ctx context.Context) error {
	return e.buf.Refresh(ctx)
}

// refreshAsync refreshes the working buffer in the background, tied to
// the engine lifetime rather than the caller's context.
func (e *Engine) refreshAsync() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if err := e.buf.Refresh(e.runCtx); err != nil && e.runCtx.Err() == nil {
			e.logger.Warn("buffer refresh failed", "error", err)
		}
	}()
}
