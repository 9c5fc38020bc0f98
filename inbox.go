// This file contains the Inbox, the capped, TTL-bound per-identity
// notification buffer backed by a Redis list. The inbox is a best-effort
// recovery mechanism, not a ledger: entries beyond the cap or older than the
// TTL are silently gone, and store errors degrade to "no notifications".
package beacon

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Inbox struct {
	client *redis.Client
	cap    int
	ttl    time.Duration
	logger *zap.Logger
}

// NewInbox creates a notification buffer on the given Redis client using the
// cap and TTL from options.
func NewInbox(client *redis.Client, options *Options) *Inbox {
	opts := options
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Inbox{
		client: client,
		cap:    opts.InboxCap,
		ttl:    opts.InboxTTL,
		logger: opts.logger(),
	}
}

func (i *Inbox) key(identity string) string {
	return "beacon:inbox:" + identity
}

// Append inserts the record at the head of the identity's list, trims the
// list to the cap, and refreshes the TTL. The three steps run in one
// pipeline; if the trim or expire is lost to a partial failure the list
// drifts over-length until the next append, which is tolerated.
func (i *Inbox) Append(ctx context.Context, identity string, record Notification) error {
	data, err := json.Marshal(record)

	if err != nil {
		return wrapF(err, "failed to marshal notification %s for %s", record.ID, identity)
	}
	key := i.key(identity)

	pipe := i.client.TxPipeline()

	pipe.LPush(ctx, key, data)

	pipe.LTrim(ctx, key, 0, int64(i.cap-1))

	pipe.Expire(ctx, key, i.ttl)

	if _, err = pipe.Exec(ctx); err != nil {
		return wrapF(err, "failed to append notification for %s", identity)
	}
	return nil
}

// Fetch returns up to limit records, newest first. An identity with no
// entries yields an empty slice, and so does any underlying store error:
// notification retrieval is advisory and never fails the caller.
func (i *Inbox) Fetch(ctx context.Context, identity string, limit int) []Notification {
	if limit <= 0 {
		return []Notification{}
	}
	raw, err := i.client.LRange(ctx, i.key(identity), 0, int64(limit-1)).Result()

	if err != nil {
		i.logger.Warn("inbox fetch failed, returning empty",
			zap.String("identity", identity),
			zap.Error(err))

		return []Notification{}
	}
	records := make([]Notification, 0, len(raw))

	for _, entry := range raw {
		var record Notification
		if err := json.Unmarshal([]byte(entry), &record); err != nil {
			i.logger.Warn("skipping undecodable inbox entry",
				zap.String("identity", identity),
				zap.Error(err))

			continue
		}
		records = append(records, record)
	}
	return records
}

// Clear deletes the identity's entire notification list.
func (i *Inbox) Clear(ctx context.Context, identity string) error {
	if err := i.client.Del(ctx, i.key(identity)).Err(); err != nil {
		return wrapF(err, "failed to clear inbox for %s", identity)
	}
	return nil
}
