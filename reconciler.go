// This file contains the Reconciler, the periodic corrective sweep over
// durable presence flags. Sockets that die without a close event leave
// isOnline=true behind; once the cache signal has expired and lastActiveAt
// has aged past the online window, the sweep flips those flags back to
// offline. The sweep never consults the Registry and never transitions an
// identity to online; only the live path may do that.
package beacon

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Reconciler struct {
	tracker *Tracker
	store   PresenceStore
	logger  *zap.Logger
	hooks   *Hooks

	interval     time.Duration
	window       time.Duration
	sweepTimeout time.Duration

	sweeping atomic.Bool
	done     chan struct{}
}

// NewReconciler creates a reconciler over the same durable store and tracker
// the gateway uses. Call Run to start the periodic sweep.
func NewReconciler(tracker *Tracker, store PresenceStore, options *Options) *Reconciler {
	opts := options
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Reconciler{
		tracker:      tracker,
		store:        store,
		logger:       opts.logger(),
		hooks:        opts.Hooks,
		interval:     opts.ReconcileInterval,
		window:       opts.OnlineWindow,
		sweepTimeout: opts.SweepTimeout,
		done:         make(chan struct{}),
	}
}

// Run sweeps on the configured interval until ctx is cancelled. If a sweep
// is still in flight when the next tick fires, the tick is skipped rather
// than stacking overlapping runs against a slow store.
func (r *Reconciler) Run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)

	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !r.sweeping.CompareAndSwap(false, true) {
				r.logger.Warn("previous reconcile sweep still running, skipping tick")

				continue
			}
			r.sweep(ctx)

			r.sweeping.Store(false)
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until Run has returned.
func (r *Reconciler) Wait() {
	<-r.done
}

// SweepOnce runs a single bounded corrective pass and returns the number of
// identities transitioned to offline.
func (r *Reconciler) SweepOnce(ctx context.Context) int {
	return r.sweep(ctx)
}

func (r *Reconciler) sweep(ctx context.Context) int {
	sweepCtx, cancel := context.WithTimeout(ctx, r.sweepTimeout)

	defer cancel()

	threshold := time.Now().Add(-r.window)

	stale, err := r.store.FindStaleOnline(sweepCtx, threshold)

	if err != nil {
		r.logger.Warn("stale presence query failed", zap.Error(err))

		return 0
	}
	for _, identity := range stale {
		select {
		case <-sweepCtx.Done():
			r.logger.Warn("reconcile sweep cut short",
				zap.Int("remaining", len(stale)),
				zap.Error(sweepCtx.Err()))

			return 0
		default:
		}
		// A reconnect between the query and this write is fine: the next
		// RecordActivity unconditionally flips the flag back to online.
		r.tracker.MarkOffline(sweepCtx, identity)
	}
	if len(stale) > 0 {
		r.logger.Info("reconciled stale presence flags", zap.Int("identities", len(stale)))
	}
	if r.hooks != nil && r.hooks.Metrics != nil {
		r.hooks.Metrics.SweepCompleted(len(stale))
	}
	return len(stale)
}
