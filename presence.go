// This file contains the Tracker struct which computes and persists the
// advisory online/offline signal from two sources: a short-TTL cache entry
// written on any observed activity, and a durable presence record. The two
// are reconciled lazily; the cache short-circuits reads, the durable record
// serves readers that outlive the cache window. Liveness (an open connection
// in the Registry) is deliberately not consulted here.
package beacon

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Tracker struct {
	cache  Cache
	store  PresenceStore
	logger *zap.Logger

	cacheTTL time.Duration
	window   time.Duration

	mutex   sync.Mutex
	pending map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker creates a presence tracker over the given cache and durable
// store. When HeartbeatFlushInterval is set, heartbeat-driven durable writes
// are coalesced into one BatchSetActivity call per interval; the flush loop
// runs until Close or context cancellation.
func NewTracker(ctx context.Context, cache Cache, store PresenceStore, options *Options) *Tracker {
	opts := options
	if opts == nil {
		opts = DefaultOptions()
	}
	trackerCtx, cancel := context.WithCancel(ctx)

	t := &Tracker{
		cache:    cache,
		store:    store,
		logger:   opts.logger(),
		cacheTTL: opts.CacheTTL,
		window:   opts.OnlineWindow,
		pending:  make(map[string]struct{}),
		ctx:      trackerCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if opts.HeartbeatFlushInterval > 0 {
		go t.flushLoop(opts.HeartbeatFlushInterval)
	} else {
		close(t.done)
	}
	return t
}

func presenceKey(identity string) string {
	return "presence:" + identity
}

// RecordActivity refreshes the short-TTL cache entry for the identity and
// writes the durable record to online with a fresh lastActiveAt. Both writes
// move together on this path. Failures are logged and swallowed: presence is
// advisory and must never block the transport-level path that called it.
func (t *Tracker) RecordActivity(ctx context.Context, identity string) {
	now := time.Now()

	if err := t.cache.Set(ctx, presenceKey(identity), strconv.FormatInt(now.Unix(), 10), t.cacheTTL); err != nil {
		t.logger.Warn("presence cache write failed",
			zap.String("identity", identity),
			zap.Error(err))
	}
	if err := t.store.SetPresence(ctx, identity, true, now); err != nil {
		t.logger.Warn("durable presence write failed",
			zap.String("identity", identity),
			zap.Error(err))
	}
}

// Touch refreshes the cache entry immediately and defers the durable write
// to the next batch flush. This is the cheap path for heartbeats; connect
// and disconnect transitions use RecordActivity and MarkOffline instead.
func (t *Tracker) Touch(ctx context.Context, identity string) {
	if err := t.cache.Set(ctx, presenceKey(identity), strconv.FormatInt(time.Now().Unix(), 10), t.cacheTTL); err != nil {
		t.logger.Warn("presence cache write failed",
			zap.String("identity", identity),
			zap.Error(err))
	}
	t.mutex.Lock()

	t.pending[identity] = struct{}{}

	t.mutex.Unlock()
}

// IsOnline reports the advisory presence signal for the identity. A cache
// entry short-circuits to true; otherwise the durable record reports online
// only while its flag is set and lastActiveAt is within the online window.
// Unknown identities, offline records, and store failures report false.
func (t *Tracker) IsOnline(ctx context.Context, identity string) bool {
	_, hit, err := t.cache.Get(ctx, presenceKey(identity))

	if err != nil {
		t.logger.Warn("presence cache read failed, falling back to durable store",
			zap.String("identity", identity),
			zap.Error(err))
	} else if hit {
		return true
	}
	record, found, err := t.store.GetPresence(ctx, identity)

	if err != nil {
		t.logger.Warn("durable presence read failed, reporting offline",
			zap.String("identity", identity),
			zap.Error(err))

		return false
	}
	if !found {
		return false
	}
	// MarkOffline stamps lastActiveAt on the way out, so the window check
	// alone is not enough: an offline flag wins regardless of recency.
	return record.IsOnline && time.Since(record.LastActiveAt) < t.window
}

// MarkOffline deletes the cache entry and writes the durable record to
// offline. Called when an identity's last connection unregisters, and by the
// reconciler for identities whose activity signal has gone stale.
func (t *Tracker) MarkOffline(ctx context.Context, identity string) {
	if err := t.cache.Delete(ctx, presenceKey(identity)); err != nil {
		t.logger.Warn("presence cache delete failed",
			zap.String("identity", identity),
			zap.Error(err))
	}
	if err := t.store.SetPresence(ctx, identity, false, time.Now()); err != nil {
		t.logger.Warn("durable presence write failed",
			zap.String("identity", identity),
			zap.Error(err))
	}
}

// Close stops the batch flush loop after one final flush of pending
// heartbeat activity.
func (t *Tracker) Close() {
	t.cancel()

	<-t.done
}

func (t *Tracker) flushLoop(interval time.Duration) {
	defer close(t.done)

	ticker := time.NewTicker(interval)

	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.flush()
		case <-t.ctx.Done():
			t.flush()

			return
		}
	}
}

func (t *Tracker) flush() {
	t.mutex.Lock()

	if len(t.pending) == 0 {
		t.mutex.Unlock()

		return
	}
	identities := make([]string, 0, len(t.pending))

	for identity := range t.pending {
		identities = append(identities, identity)
	}
	t.pending = make(map[string]struct{})

	t.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	defer cancel()

	if err := t.store.BatchSetActivity(ctx, identities, time.Now()); err != nil {
		t.logger.Warn("batch activity write failed",
			zap.Int("identities", len(identities)),
			zap.Error(err))
	}
}
