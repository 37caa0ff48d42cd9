// Package bus implements the Redis-backed substrate spec.md §4 component
// table calls "message bus + keyed state store": at-least-once FIFO pubsub
// channels per (sender, receiver, topic) built on Redis streams + consumer
// groups, a JSON-document store keyed by request id, a deadline-ordered
// sorted set, and simple key-value mailboxes.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dfm-io/dfm/internal/dfmerr"
)

// Bus wraps a Redis client with the channel/store/queue/mailbox operations
// DFM's services need. One Bus is shared by a service instance; it is safe
// for concurrent use because *redis.Client is.
type Bus struct {
	rdb *redis.Client
	log *zap.Logger
}

// New wraps an already-configured Redis client. Callers build the client
// (real or, in tests/dev, miniredis-backed) and hand it here.
func New(rdb *redis.Client, log *zap.Logger) *Bus {
	return &Bus{rdb: rdb, log: log.Named("bus")}
}

// Close releases the underlying Redis connection pool.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// Ping checks connectivity to the backing Redis instance, for the
// supplemented GET /healthz readiness endpoint (SPEC_FULL.md §12).
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return dfmerr.Resource(err, "bus: ping")
	}
	return nil
}

func streamKey(src, dst, topic string) string {
	return fmt.Sprintf("%s.%s.%s.stream", src, dst, topic)
}

func groupName(src, dst, topic string) string {
	return fmt.Sprintf("%s.%s.%s.group", src, dst, topic)
}

// Message is one pubsub delivery: its Redis stream entry id (needed to Ack)
// and the raw payload published under the "msg" field.
type Message struct {
	ID      string
	Payload []byte
}

// Publish appends payload (marshaled to JSON) onto the (src, dst, topic)
// stream. Spec.md §6: "Messages are {msg: <JSON>}".
func (b *Bus) Publish(ctx context.Context, src, dst, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return dfmerr.Server(err, "bus: marshal publish payload")
	}
	key := streamKey(src, dst, topic)
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{"msg": data},
	}).Err(); err != nil {
		return dfmerr.Resource(err, "bus: publish to %s", key)
	}
	return nil
}

// EnsureGroup creates the consumer group for (src, dst, topic) if it does
// not already exist, creating the stream itself too (MKSTREAM) so a
// consumer started before any publisher doesn't block forever on a missing
// key.
func (b *Bus) EnsureGroup(ctx context.Context, src, dst, topic string) error {
	key := streamKey(src, dst, topic)
	group := groupName(src, dst, topic)
	err := b.rdb.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		// BUSYGROUP means the group already exists — not an error.
		if isBusyGroup(err) {
			return nil
		}
		return dfmerr.Resource(err, "bus: create consumer group %s", group)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Consume blocks for up to block (0 means indefinitely, bounded by ctx) and
// returns the messages delivered to consumerID within group (src, dst,
// topic). Each message is delivered to exactly one consumer per group
// (spec.md §5); callers must Ack once the handler completes.
func (b *Bus) Consume(ctx context.Context, src, dst, topic, consumerID string, block time.Duration) ([]Message, error) {
	key := streamKey(src, dst, topic)
	group := groupName(src, dst, topic)

	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumerID,
		Streams:  []string{key, ">"},
		Count:    16,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, dfmerr.Resource(err, "bus: consume from %s", key)
	}

	var out []Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			raw, ok := entry.Values["msg"]
			if !ok {
				continue
			}
			var payload []byte
			switch v := raw.(type) {
			case string:
				payload = []byte(v)
			case []byte:
				payload = v
			default:
				payload = []byte(fmt.Sprintf("%v", v))
			}
			out = append(out, Message{ID: entry.ID, Payload: payload})
		}
	}
	return out, nil
}

// Ack acknowledges msgID on (src, dst, topic)'s group. Spec.md §4.8: "after
// all streams terminate"; §4.7: "acknowledge" after sorted-set insertion or
// forwarding.
func (b *Bus) Ack(ctx context.Context, src, dst, topic, msgID string) error {
	group := groupName(src, dst, topic)
	key := streamKey(src, dst, topic)
	if err := b.rdb.XAck(ctx, key, group, msgID).Err(); err != nil {
		return dfmerr.Resource(err, "bus: ack %s on %s", msgID, key)
	}
	return nil
}

// --- keyed JSON document store ---

// requestKey returns the store key for a request id: request:<uuid>.
func requestKey(requestID string) string {
	return "request:" + requestID
}

// PutDocument writes v (marshaled to JSON) at key, overwriting any prior
// value.
func (b *Bus) PutDocument(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return dfmerr.Server(err, "bus: marshal document %s", key)
	}
	if err := b.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return dfmerr.Resource(err, "bus: put document %s", key)
	}
	return nil
}

// GetDocument reads key and unmarshals it into v. Returns a dfmerr.Data
// error when the key does not exist, a dfmerr.Resource error for a
// transport failure and a dfmerr.Server error when decoding fails, so
// callers can tell "unknown id" apart from the other failures by Kind.
func (b *Bus) GetDocument(ctx context.Context, key string, v any) error {
	data, err := b.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return dfmerr.Data("bus: document %s not found", key)
		}
		return dfmerr.Resource(err, "bus: get document %s", key)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return dfmerr.Server(err, "bus: decode document %s", key)
	}
	return nil
}

// RequestKey exposes the request:<id> key format to other packages that
// need to read/write RequestState without going through UpdateDocument's
// transform signature.
func RequestKey(requestID string) string { return requestKey(requestID) }

// UpdateDocument atomically reads key, applies mutate to the decoded value
// (already unmarshaled into the pointer returned by newZero), and writes
// the result back, retrying on a concurrent modification via Redis WATCH.
// This backs RequestState.Append's "appends are atomic per the store's
// contract" requirement (spec.md §5) without a bespoke Lua script: each
// retry re-reads the document, so readers always observe a consistent
// prefix and no append is lost to a lost race.
func (b *Bus) UpdateDocument(ctx context.Context, key string, newZero func() any, mutate func(doc any) error) error {
	const maxAttempts = 25
	for attempt := 0; attempt < maxAttempts; attempt++ {
		txErr := b.rdb.Watch(ctx, func(tx *redis.Tx) error {
			doc := newZero()
			raw, err := tx.Get(ctx, key).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				if err := json.Unmarshal(raw, doc); err != nil {
					return err
				}
			}
			if err := mutate(doc); err != nil {
				return err
			}
			data, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)

		if txErr == nil {
			return nil
		}
		if errors.Is(txErr, redis.TxFailedErr) {
			continue
		}
		return dfmerr.Resource(txErr, "bus: update document %s", key)
	}
	return dfmerr.Resource(nil, "bus: update document %s: too many retries", key)
}

// --- deadline-ordered sorted set ---

const schedQueueKey = "sched-queue"

// ScheduleMember inserts member (already-serialized Job JSON) scored by
// deadline, the unix-seconds score the scheduler's sorted set uses (spec.md
// §4.7).
func (b *Bus) ScheduleMember(ctx context.Context, deadline time.Time, member string) error {
	if err := b.rdb.ZAdd(ctx, schedQueueKey, redis.Z{
		Score:  float64(deadline.Unix()),
		Member: member,
	}).Err(); err != nil {
		return dfmerr.Resource(err, "bus: schedule member")
	}
	return nil
}

// PopReady atomically pops and returns every member scored at or before
// now, implementing the scheduler's "promote" loop (spec.md §4.7).
func (b *Bus) PopReady(ctx context.Context, now time.Time) ([]string, error) {
	max := strconv.FormatInt(now.Unix(), 10)
	script := redis.NewScript(`
		local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
		if #members > 0 then
			redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
		end
		return members
	`)
	res, err := script.Run(ctx, b.rdb, []string{schedQueueKey}, max).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, dfmerr.Resource(err, "bus: pop ready jobs")
	}
	return res, nil
}

// --- mailboxes ---

func mailboxKey(requestID, mailbox string) string {
	return requestID + "." + mailbox
}

// SetMailbox writes a small value under a request-scoped mailbox key.
func (b *Bus) SetMailbox(ctx context.Context, requestID, mailbox string, value string, ttl time.Duration) error {
	if err := b.rdb.Set(ctx, mailboxKey(requestID, mailbox), value, ttl).Err(); err != nil {
		return dfmerr.Resource(err, "bus: set mailbox %s", mailboxKey(requestID, mailbox))
	}
	return nil
}

// GetMailbox reads a mailbox value, returning ("", false, nil) if unset.
func (b *Bus) GetMailbox(ctx context.Context, requestID, mailbox string) (string, bool, error) {
	v, err := b.rdb.Get(ctx, mailboxKey(requestID, mailbox)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, dfmerr.Resource(err, "bus: get mailbox %s", mailboxKey(requestID, mailbox))
	}
	return v, true, nil
}

// --- this_site ---

const thisSiteKey = "this_site"

// SetThisSite publishes the authoritative site name to the store — spec.md
// §4.8: "this_site is authoritative when the site-advertising process has
// published it to the store; otherwise a fallback from configuration."
func (b *Bus) SetThisSite(ctx context.Context, site string) error {
	return b.rdb.Set(ctx, thisSiteKey, site, 0).Err()
}

// ThisSite returns the store-published site name, or ("", false) if none
// has been published yet (callers fall back to their own configuration).
func (b *Bus) ThisSite(ctx context.Context) (string, bool, error) {
	v, err := b.rdb.Get(ctx, thisSiteKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, dfmerr.Resource(err, "bus: get this_site")
	}
	return v, true, nil
}
