// Package queue implements the durable work queue (component B) on Redis
// Streams: bounded append, consumer-group delivery, idle-message claiming,
// and a dead-letter stream for events that exceed the delivery threshold.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"atview.dev/common"
)

// Event is one queue entry: a firehose-derived event plus the metadata the
// commit processor needs to dispatch and ack it.
type Event struct {
	// ID is a stable identifier minted once at Push and carried through
	// every redelivery, unlike the Redis stream message ID (Delivery.MessageID)
	// which changes each time a message is claimed by a new consumer.
	// It is carried into the dead-letter stream and printed by the
	// dead-letter dump; the commit processor does not read it.
	ID        string    `json:"id"`
	Kind      string    `json:"kind"` // "commit", "identity", "account"
	Seq       int64     `json:"seq"`
	Repo      string    `json:"repo"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Payload   []byte    `json:"payload"` // CBOR-decoded-then-re-marshaled CBOR event body
}

// Delivery wraps an Event with the stream message ID needed to ack/claim it.
type Delivery struct {
	MessageID string
	Event     Event
}

// Config configures the Redis Streams queue.
type Config struct {
	Addr             string
	DB               int
	Stream           string
	Group            string
	MaxLen           int64 // approximate MAXLEN bound on the main stream
	MaxDeliveries    int   // deliveries before an entry moves to the dead-letter stream
	DeadLetterMaxLen int64
}

func DefaultConfig() Config {
	return Config{
		Stream:           "atview:commits",
		Group:            "atview-processors",
		MaxLen:           500000,
		MaxDeliveries:    10,
		DeadLetterMaxLen: 10000,
	}
}

// Queue is the durable work queue. All methods are safe for concurrent use.
type Queue struct {
	client *redis.Client
	cfg    Config
	log    *common.ContextLogger

	mu          sync.Mutex
	typeCounts  map[string]int64
	errorCounts map[string]int64
}

// New connects to Redis and ensures the consumer group exists.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Stream == "" {
		cfg.Stream = "atview:commits"
	}
	if cfg.Group == "" {
		cfg.Group = "atview-processors"
	}
	if cfg.MaxDeliveries == 0 {
		cfg.MaxDeliveries = 10
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to queue redis: %w", err)
	}

	q := &Queue{
		client:      client,
		cfg:         cfg,
		log:         common.ComponentLogger("queue"),
		typeCounts:  make(map[string]int64),
		errorCounts: make(map[string]int64),
	}

	if err := q.checkWritable(ctx); err != nil {
		q.log.WithError(err).Warn("queue redis role check failed")
	}

	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}

	return q, nil
}

// checkWritable logs a structured error if the connected node is a
// read-only replica, per §4.B's role check.
func (q *Queue) checkWritable(ctx context.Context) error {
	info, err := q.client.Info(ctx, "replication").Result()
	if err != nil {
		return err
	}
	if containsLine(info, "role:slave") {
		return fmt.Errorf("queue redis node is a replica, writes will fail")
	}
	return nil
}

func containsLine(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// ensureGroup creates the consumer group at the current stream tail if it
// doesn't already exist. Safe to call repeatedly; BUSYGROUP is not an error.
func (q *Queue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// recreateGroupLockKey is the SETNX-guarded single-flight lock used when a
// "no such group" error surfaces mid-run (e.g. after a stream flush).
func (q *Queue) recreateGroupLockKey() string {
	return q.cfg.Stream + ":group-recreate-lock"
}

// recreateGroup recreates the consumer group, guarded by a short-lived
// distributed lock so concurrent consumers don't race to recreate it.
func (q *Queue) recreateGroup(ctx context.Context) error {
	ok, err := q.client.SetNX(ctx, q.recreateGroupLockKey(), "1", 5*time.Second).Result()
	if err != nil {
		return fmt.Errorf("acquire group-recreate lock: %w", err)
	}
	if !ok {
		// Another consumer is already recreating it; give it a moment.
		time.Sleep(200 * time.Millisecond)
		return nil
	}
	defer q.client.Del(ctx, q.recreateGroupLockKey())
	return q.ensureGroup(ctx)
}

// Push appends one event to the stream, bounded by MaxLen with approximate
// trimming (eviction at the tail is acceptable loss per §4.B).
func (q *Queue) Push(ctx context.Context, ev Event) (string, error) {
	ev.EnqueuedAt = time.Now()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{"event": body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("push event: %w", err)
	}

	q.bumpType(ev.Kind)
	return id, nil
}

// Consume reads up to count not-yet-delivered messages for consumerID,
// blocking up to blockMs for new entries.
func (q *Queue) Consume(ctx context.Context, consumerID string, count int, blockMs time.Duration) ([]Delivery, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: consumerID,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    int64(count),
		Block:    blockMs,
	}).Result()

	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if isNoGroupErr(err) {
			if recreateErr := q.recreateGroup(ctx); recreateErr != nil {
				return nil, recreateErr
			}
			return nil, nil
		}
		return nil, fmt.Errorf("consume: %w", err)
	}

	return q.toDeliveries(streams)
}

func isNoGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "NOGROUP N"
}

func (q *Queue) toDeliveries(streams []redis.XStream) ([]Delivery, error) {
	var out []Delivery
	for _, s := range streams {
		for _, msg := range s.Messages {
			raw, ok := msg.Values["event"].(string)
			if !ok {
				q.bumpError("decode")
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				q.bumpError("decode")
				continue
			}
			out = append(out, Delivery{MessageID: msg.ID, Event: ev})
		}
	}
	return out, nil
}

// Ack marks a message processed for the consumer group.
func (q *Queue) Ack(ctx context.Context, messageID string) error {
	return q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, messageID).Err()
}

// Claim reclaims messages pending in other consumers for longer than
// idleMs, used to recover work from dead workers.
func (q *Queue) Claim(ctx context.Context, consumerID string, idleMs time.Duration, count int) ([]Delivery, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Idle:   idleMs,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}

	msgs, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: consumerID,
		MinIdle:  idleMs,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	return q.toDeliveries([]redis.XStream{{Stream: q.cfg.Stream, Messages: msgs}})
}

// DeadLetter moves a message to the bounded dead-letter stream and acks the
// original, used once a message's delivery count exceeds MaxDeliveries.
func (q *Queue) DeadLetter(ctx context.Context, d Delivery, deliveries int64, reason string) error {
	body, err := json.Marshal(d.Event)
	if err != nil {
		return fmt.Errorf("marshal dead-lettered event: %w", err)
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.deadLetterStream(),
		MaxLen: q.cfg.DeadLetterMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event":      body,
			"reason":     reason,
			"messageId":  d.MessageID,
			"deliveries": deliveries,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}

	q.bumpError(reason)
	return q.Ack(ctx, d.MessageID)
}

func (q *Queue) deadLetterStream() string {
	return q.cfg.Stream + ":deadletter"
}

// DeadLetterEntry is one quarantined message, as read back by the
// dead-letter dump CLI command.
type DeadLetterEntry struct {
	ID        string
	OrigID    string
	Reason    string
	Deliveries int64
	Event     Event
}

// DeadLetterEntries reads up to count of the most recent dead-lettered
// messages, newest first, for the §6 "dead-letter dump" operational command.
func (q *Queue) DeadLetterEntries(ctx context.Context, count int64) ([]DeadLetterEntry, error) {
	msgs, err := q.client.XRevRangeN(ctx, q.deadLetterStream(), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead-letter stream: %w", err)
	}

	out := make([]DeadLetterEntry, 0, len(msgs))
	for _, m := range msgs {
		entry := DeadLetterEntry{ID: m.ID}
		if v, ok := m.Values["messageId"].(string); ok {
			entry.OrigID = v
		}
		if v, ok := m.Values["reason"].(string); ok {
			entry.Reason = v
		}
		switch v := m.Values["deliveries"].(type) {
		case string:
			fmt.Sscanf(v, "%d", &entry.Deliveries)
		case int64:
			entry.Deliveries = v
		}
		if raw, ok := m.Values["event"].(string); ok {
			_ = json.Unmarshal([]byte(raw), &entry.Event)
		}
		out = append(out, entry)
	}
	return out, nil
}

// DeadLetterLen reports the current length of the bounded dead-letter
// stream.
func (q *Queue) DeadLetterLen(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.deadLetterStream()).Result()
}

// DeliveryCount returns how many times a pending message has been delivered,
// used by the processor to decide when to dead-letter it.
func (q *Queue) DeliveryCount(ctx context.Context, messageID string) (int64, error) {
	entries, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[0].RetryCount, nil
}

func (q *Queue) bumpType(kind string) {
	q.mu.Lock()
	q.typeCounts[kind]++
	q.mu.Unlock()
}

func (q *Queue) bumpError(reason string) {
	q.mu.Lock()
	q.errorCounts[reason]++
	q.mu.Unlock()
}

// Metrics is a point-in-time snapshot of queue depth and per-type/error
// counters, flushed to Prometheus roughly every 500ms by the caller.
type Metrics struct {
	StreamLength     int64
	PendingCount     int64
	DeadLetterLength int64
	TypeCounts       map[string]int64
	ErrorCounts      map[string]int64
}

// CollectMetrics gathers the metrics described in §4.B, draining (and
// resetting) the locally buffered per-type/error counters.
func (q *Queue) CollectMetrics(ctx context.Context) (Metrics, error) {
	length, err := q.client.XLen(ctx, q.cfg.Stream).Result()
	if err != nil {
		return Metrics{}, err
	}
	dlLength, err := q.client.XLen(ctx, q.deadLetterStream()).Result()
	if err != nil {
		return Metrics{}, err
	}
	pendingSummary, err := q.client.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil {
		return Metrics{}, err
	}

	q.mu.Lock()
	types := q.typeCounts
	errs := q.errorCounts
	q.typeCounts = make(map[string]int64)
	q.errorCounts = make(map[string]int64)
	q.mu.Unlock()

	return Metrics{
		StreamLength:     length,
		PendingCount:     pendingSummary.Count,
		DeadLetterLength: dlLength,
		TypeCounts:       types,
		ErrorCounts:      errs,
	}, nil
}

// Close releases the underlying Redis client.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Reachable pings the queue store, used by the readiness aggregator (J).
func (q *Queue) Reachable(ctx context.Context) bool {
	return q.client.Ping(ctx).Err() == nil
}
