// Package processor implements the commit processor (component E): consumes
// batches from the durable queue, validates and dispatches each operation by
// record type, and retries operations that were buffered pending a parent.
package processor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"atview.dev/cache"
	"atview.dev/common"
	"atview.dev/pending"
	"atview.dev/pgstore"
	"atview.dev/queue"
	"atview.dev/repoops"
	"atview.dev/schema"
)

// Indexer is the subset of the index store (component G) the processor
// dispatches writes to. Defined here, implemented in package index, to keep
// processor free of a dependency on the storage driver.
type Indexer interface {
	UpsertPost(ctx context.Context, uri, authorDID string, record map[string]interface{}) error
	DeletePost(ctx context.Context, uri string) error
	PostAuthor(ctx context.Context, uri string) (authorDID string, ok bool, err error)

	InsertLike(ctx context.Context, uri, actorDID, subjectURI string, record map[string]interface{}) (subjectAuthor string, err error)
	InsertRepost(ctx context.Context, uri, actorDID, subjectURI string, record map[string]interface{}) (subjectAuthor string, err error)
	DeleteByURI(ctx context.Context, uri string) error
	// EngagementSubject looks up the subject a like or repost URI points
	// at, needed only so an unlike/unrepost delete knows which post
	// aggregate cache entry (component H) to invalidate.
	EngagementSubject(ctx context.Context, uri string) (subjectURI string, ok bool, err error)

	InsertFollow(ctx context.Context, uri, srcDID, targetDID string, record map[string]interface{}) error
	InsertBlock(ctx context.Context, uri, srcDID, targetDID string, record map[string]interface{}) error

	InsertList(ctx context.Context, uri, creatorDID string, record map[string]interface{}) error
	ListExists(ctx context.Context, uri string) (bool, error)
	InsertListItem(ctx context.Context, uri, listURI, subjectDID string, record map[string]interface{}) error

	UpsertGeneric(ctx context.Context, nsid, uri, authorDID string, record map[string]interface{}) error

	CreateNotification(ctx context.Context, n Notification) error
	MentionedDIDs(record map[string]interface{}) []string
}

// Notification mirrors the §3 Notification entity.
type Notification struct {
	RecipientDID string
	AuthorDID    string
	Reason       string // reply, mention, like, repost, follow
	SubjectURI   string
	At           time.Time
}

// Config controls batch size and pipeline parallelism.
type Config struct {
	Workers            int
	PipelinesPerWorker int
	BatchSize          int
	PollBlock          time.Duration
	ClaimIdle          time.Duration
	RetryPeriod        time.Duration
	MaxDeliveries      int64

	// PendingHighWater is the pending-buffer size (component F) above
	// which consume loops throttle to ThrottleRate instead of polling the
	// queue as fast as they can, per §5's backpressure note. Zero means
	// DefaultConfig's value.
	PendingHighWater int
	// ThrottleRate bounds batch-consume polls, in batches/second, once
	// PendingHighWater is exceeded.
	ThrottleRate float64
}

func DefaultConfig() Config {
	return Config{
		Workers:            4,
		PipelinesPerWorker: 5,
		BatchSize:          300,
		PollBlock:          time.Second,
		ClaimIdle:          30 * time.Second,
		RetryPeriod:        30 * time.Second,
		MaxDeliveries:      10,
		PendingHighWater:   8000,
		ThrottleRate:       5,
	}
}

// Processor drives the consume-validate-dispatch-ack loop.
type Processor struct {
	cfg     Config
	q       *queue.Queue
	schema  *schema.Registry
	pending *pending.Buffer
	index   Indexer
	cache   *cache.Cache
	log     *common.ContextLogger

	throttle *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a processor wired to its dependencies. c may be nil, in
// which case writes that would otherwise invalidate a component H key
// are skipped — the index stays correct, reads just never warm a cache
// that was never populated.
func New(cfg Config, q *queue.Queue, reg *schema.Registry, buf *pending.Buffer, idx Indexer, c *cache.Cache) *Processor {
	if cfg.PendingHighWater == 0 {
		cfg.PendingHighWater = DefaultConfig().PendingHighWater
	}
	if cfg.ThrottleRate == 0 {
		cfg.ThrottleRate = DefaultConfig().ThrottleRate
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		cfg: cfg, q: q, schema: reg, pending: buf, index: idx, cache: c,
		log:      common.ComponentLogger("processor"),
		throttle: rate.NewLimiter(rate.Limit(cfg.ThrottleRate), 1),
		ctx:      ctx, cancel: cancel,
	}
}

// Start launches Workers batch-consume loops plus the retry-cadence task.
func (p *Processor) Start() {
	for w := 0; w < p.cfg.Workers; w++ {
		p.wg.Add(1)
		consumerID := fmt.Sprintf("worker-%d", w)
		go p.consumeLoop(consumerID)
	}
	p.wg.Add(1)
	go p.retryLoop()
}

// Stop signals every loop to exit and waits for them.
func (p *Processor) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Processor) consumeLoop(consumerID string) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if p.pending.Stats().Size >= p.cfg.PendingHighWater {
			if err := p.throttle.Wait(p.ctx); err != nil {
				return
			}
		}

		claimed, err := p.q.Claim(p.ctx, consumerID, p.cfg.ClaimIdle, p.cfg.BatchSize)
		if err != nil {
			p.log.WithError(err).Warn("claim failed")
		} else if len(claimed) > 0 {
			p.processBatch(consumerID, claimed)
		}

		deliveries, err := p.q.Consume(p.ctx, consumerID, p.cfg.BatchSize, p.cfg.PollBlock)
		if err != nil {
			p.log.WithError(err).Warn("consume failed")
			continue
		}
		if len(deliveries) == 0 {
			continue
		}
		p.processBatch(consumerID, deliveries)
	}
}

// processBatch runs the batch's deliveries across a bounded pool of
// pipelines, acking each message only after its handler returns success,
// per §4.E's throughput shape.
func (p *Processor) processBatch(consumerID string, deliveries []queue.Delivery) {
	sem := make(chan struct{}, p.cfg.PipelinesPerWorker)
	var wg sync.WaitGroup

	for _, d := range deliveries {
		d := d
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.handleDelivery(consumerID, d)
		}()
	}
	wg.Wait()
}

func (p *Processor) handleDelivery(consumerID string, d queue.Delivery) {
	defer common.RecoverAndLog(p.log)

	err := p.process(d.Event)
	if err == nil {
		if ackErr := p.q.Ack(p.ctx, d.MessageID); ackErr != nil {
			p.log.WithError(ackErr).Error("ack failed")
		}
		return
	}

	count, cerr := p.q.DeliveryCount(p.ctx, d.MessageID)
	if cerr == nil && count >= p.cfg.MaxDeliveries {
		if dlErr := p.q.DeadLetter(p.ctx, d, count, err.Error()); dlErr != nil {
			p.log.WithError(dlErr).Error("dead-letter failed")
		}
		return
	}

	p.log.WithError(err).Warn("processing failed, will be redelivered")
}

func (p *Processor) process(ev queue.Event) error {
	switch ev.Kind {
	case "commit":
		return p.processCommit(ev)
	case "identity", "account":
		return nil // handled by the actor-lifecycle path, no index write needed here
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

func (p *Processor) processCommit(ev queue.Event) error {
	repoDID, ops, err := repoops.DecodeCommit(ev.Payload)
	if err != nil {
		return fmt.Errorf("decode commit: %w", err)
	}

	for _, op := range ops {
		uri := fmt.Sprintf("at://%s/%s", repoDID, op.Path)
		if err := p.dispatch(repoDID, uri, op); err != nil {
			return err
		}
	}
	return nil
}

// DispatchBackfilled feeds one decoded record, of the shape the backfill
// fetcher returns, through the same validate-and-dispatch path a live
// firehose "create" op takes, skipping repoops.DecodeCommit since there is
// no op list to decode. Nothing in this module calls it.
func (p *Processor) DispatchBackfilled(repoDID, collection, path string, record map[string]interface{}) error {
	uri := fmt.Sprintf("at://%s/%s", repoDID, path)
	return p.dispatch(repoDID, uri, repoops.Op{
		Action:     "create",
		Collection: collection,
		Path:       path,
		Record:     record,
	})
}

func (p *Processor) dispatch(repoDID, uri string, op repoops.Op) error {
	if op.Action == "delete" {
		return p.handleDelete(uri, op.Collection)
	}

	kind := p.schema.Validate(uri, op.Collection, op.Record)
	if kind == schema.KindInvalid {
		return nil // dropped, already recorded in the registry's error ring
	}
	if kind == schema.KindUnknown {
		return nil // forward-compatible: counted, not dispatched
	}

	switch op.Collection {
	case "app.bsky.feed.post":
		return p.handlePost(uri, repoDID, op.Record)
	case "app.bsky.feed.like":
		return p.handleLikeOrRepost(uri, repoDID, op.Record, true)
	case "app.bsky.feed.repost":
		return p.handleLikeOrRepost(uri, repoDID, op.Record, false)
	case "app.bsky.graph.follow":
		return p.handleFollow(uri, repoDID, op.Record)
	case "app.bsky.graph.block":
		return p.handleBlock(uri, repoDID, op.Record)
	case "app.bsky.graph.list":
		return p.handleList(uri, repoDID, op.Record)
	case "app.bsky.graph.listitem":
		return p.handleListItem(uri, op.Record)
	case "com.atproto.label.label":
		return p.handleLabel(uri, repoDID, op.Record)
	default:
		return p.index.UpsertGeneric(p.ctx, op.Collection, uri, repoDID, op.Record)
	}
}

func (p *Processor) handleLabel(uri, srcDID string, record map[string]interface{}) error {
	if err := p.index.UpsertGeneric(p.ctx, "com.atproto.label.label", uri, srcDID, record); err != nil {
		return err
	}
	if subjectURI, _ := record["uri"].(string); subjectURI != "" {
		p.invalidateCache(cache.LabelsKey(subjectURI))
	}
	return nil
}

func (p *Processor) handleDelete(uri, collection string) error {
	p.pending.Cancel(uri)

	switch collection {
	case "app.bsky.feed.post":
		p.pending.CancelAllUnder(uri)
		if err := p.index.DeletePost(p.ctx, uri); err != nil {
			return err
		}
		p.invalidateCache(cache.ThreadContextKey(uri))
		return nil
	case "app.bsky.feed.like", "app.bsky.feed.repost":
		subjectURI, ok, err := p.index.EngagementSubject(p.ctx, uri)
		if err != nil {
			return err
		}
		if err := p.index.DeleteByURI(p.ctx, uri); err != nil {
			return err
		}
		if ok {
			p.invalidateCache(cache.PostAggregateKey(subjectURI))
		}
		return nil
	default:
		return p.index.DeleteByURI(p.ctx, uri)
	}
}

// invalidateCache drops a single key if a cache is wired; nil-safe so
// tests and any deployment that skips component H behave exactly like a
// cache miss.
func (p *Processor) invalidateCache(key string) {
	if p.cache != nil {
		p.cache.Delete(p.ctx, key)
	}
}

// invalidateCachePattern drops every key matching pattern, per §4.H's
// "bulk invalidation uses pattern deletes in batches of 100."
func (p *Processor) invalidateCachePattern(pattern string) {
	if p.cache != nil {
		p.cache.InvalidatePattern(p.ctx, pattern)
	}
}

func (p *Processor) handlePost(uri, authorDID string, record map[string]interface{}) error {
	err := p.index.UpsertPost(p.ctx, uri, authorDID, record)
	if err != nil {
		return err
	}

	for _, pendingOp := range p.pending.Flush(uri) {
		if retryErr := p.retryPendingOp(pendingOp); retryErr != nil {
			p.log.WithError(retryErr).Warn("failed to flush pending op after post insert")
		}
	}

	if reply, ok := record["reply"].(map[string]interface{}); ok {
		if parent, ok := reply["parent"].(map[string]interface{}); ok {
			if parentURI, _ := parent["uri"].(string); parentURI != "" {
				p.invalidateCache(cache.PostAggregateKey(parentURI))
				p.invalidateCache(cache.ThreadContextKey(parentURI))
			}
		}
		if root, ok := reply["root"].(map[string]interface{}); ok {
			if rootURI, _ := root["uri"].(string); rootURI != "" {
				p.invalidateCache(cache.ThreadContextKey(rootURI))
			}
		}
	}

	p.emitMentionNotifications(uri, authorDID, record)
	p.emitReplyNotification(uri, authorDID, record)
	return nil
}

func (p *Processor) emitMentionNotifications(postURI, authorDID string, record map[string]interface{}) {
	seen := make(map[string]bool)
	for _, did := range p.index.MentionedDIDs(record) {
		if did == authorDID || seen[did] {
			continue
		}
		seen[did] = true
		_ = p.index.CreateNotification(p.ctx, Notification{
			RecipientDID: did,
			AuthorDID:    authorDID,
			Reason:       "mention",
			SubjectURI:   postURI,
			At:           time.Now(),
		})
	}
}

func (p *Processor) emitReplyNotification(postURI, authorDID string, record map[string]interface{}) {
	reply, ok := record["reply"].(map[string]interface{})
	if !ok {
		return
	}
	parent, ok := reply["parent"].(map[string]interface{})
	if !ok {
		return
	}
	parentURI, _ := parent["uri"].(string)
	if parentURI == "" {
		return
	}
	parentAuthor, found, err := p.index.PostAuthor(p.ctx, parentURI)
	if err != nil || !found || parentAuthor == authorDID {
		return
	}
	_ = p.index.CreateNotification(p.ctx, Notification{
		RecipientDID: parentAuthor,
		AuthorDID:    authorDID,
		Reason:       "reply",
		SubjectURI:   postURI,
		At:           time.Now(),
	})
}

func (p *Processor) handleLikeOrRepost(uri, actorDID string, record map[string]interface{}, isLike bool) error {
	subjectURI := subjectURIOf(record)
	if subjectURI == "" {
		return fmt.Errorf("missing subject on %s", uri)
	}

	var subjectAuthor string
	var err error
	if isLike {
		subjectAuthor, err = p.index.InsertLike(p.ctx, uri, actorDID, subjectURI, record)
	} else {
		subjectAuthor, err = p.index.InsertRepost(p.ctx, uri, actorDID, subjectURI, record)
	}

	if err != nil {
		if isForeignKeyErr(err) {
			p.bufferPending(uri, subjectURI, actorDID, kindFor(isLike), record)
			return nil
		}
		if isUniqueErr(err) {
			return nil
		}
		return err
	}

	p.invalidateCache(cache.PostAggregateKey(subjectURI))

	if subjectAuthor != "" && subjectAuthor != actorDID {
		reason := "repost"
		if isLike {
			reason = "like"
		}
		_ = p.index.CreateNotification(p.ctx, Notification{
			RecipientDID: subjectAuthor,
			AuthorDID:    actorDID,
			Reason:       reason,
			SubjectURI:   subjectURI,
			At:           time.Now(),
		})
	}
	return nil
}

func kindFor(isLike bool) string {
	if isLike {
		return "like"
	}
	return "repost"
}

func (p *Processor) handleFollow(uri, srcDID string, record map[string]interface{}) error {
	targetDID, _ := record["subject"].(string)
	if err := p.index.InsertFollow(p.ctx, uri, srcDID, targetDID, record); err != nil {
		if isUniqueErr(err) {
			return nil
		}
		return err
	}
	_ = p.index.CreateNotification(p.ctx, Notification{
		RecipientDID: targetDID,
		AuthorDID:    srcDID,
		Reason:       "follow",
		At:           time.Now(),
	})
	return nil
}

func (p *Processor) handleBlock(uri, srcDID string, record map[string]interface{}) error {
	targetDID, _ := record["subject"].(string)
	err := p.index.InsertBlock(p.ctx, uri, srcDID, targetDID, record)
	if err != nil {
		if isUniqueErr(err) {
			return nil
		}
		return err
	}
	// A block changes IsBlocked's answer for every post either side has
	// viewed or will view, which the viewer-state cache keys by
	// (viewer, post) — drop the whole viewer prefix rather than one post.
	p.invalidateCachePattern(cache.ViewerStatePrefix(srcDID))
	p.invalidateCachePattern(cache.ViewerStatePrefix(targetDID))
	return nil
}

func (p *Processor) handleList(uri, creatorDID string, record map[string]interface{}) error {
	if err := p.index.InsertList(p.ctx, uri, creatorDID, record); err != nil {
		return err
	}
	for _, pendingOp := range p.pending.Flush(uri) {
		if err := p.retryPendingOp(pendingOp); err != nil {
			p.log.WithError(err).Warn("failed to flush pending list item after list insert")
		}
	}
	return nil
}

func (p *Processor) handleListItem(uri string, record map[string]interface{}) error {
	listURI, _ := record["list"].(string)
	subjectDID, _ := record["subject"].(string)

	err := p.index.InsertListItem(p.ctx, uri, listURI, subjectDID, record)
	if err != nil {
		if isForeignKeyErr(err) {
			p.bufferPending(uri, listURI, subjectDID, "listitem", record)
			return nil
		}
		if isUniqueErr(err) {
			return nil
		}
		return err
	}
	p.invalidateCache(cache.ListMembersKey(listURI))
	return nil
}

func (p *Processor) bufferPending(opURI, parentURI, actorDID, kind string, record map[string]interface{}) {
	p.pending.Enqueue(pending.Op{URI: opURI, ParentURI: parentURI, ActorDID: actorDID, Kind: kind, Record: record})
}

// retryPendingOp re-dispatches a flushed pending op against the now-present
// parent. Only like/repost/listitem variants are ever buffered (§4.F). It
// goes back through the same handlers a live firehose op takes rather than
// calling the index insert directly, so a flushed like/repost still emits
// its notification (§4.E: "otherwise insert, then if subject author ≠
// actor, emit a like/repost notification" applies to the flush path too).
func (p *Processor) retryPendingOp(op pending.Op) error {
	switch op.Kind {
	case "like":
		return p.handleLikeOrRepost(op.URI, op.ActorDID, op.Record, true)
	case "repost":
		return p.handleLikeOrRepost(op.URI, op.ActorDID, op.Record, false)
	case "listitem":
		return p.handleListItem(op.URI, op.Record)
	default:
		return fmt.Errorf("unknown pending op kind %q", op.Kind)
	}
}

// retryLoop periodically scans the pending buffer for parents that might
// now exist, per §4.E's ~30s retry cadence.
func (p *Processor) retryLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.RetryPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			for _, parent := range p.pending.Parents() {
				if exists := p.parentNowExists(parent); exists {
					for _, op := range p.pending.Flush(parent) {
						if err := p.retryPendingOp(op); err != nil {
							p.log.WithError(err).Debug("pending retry still failing")
						}
					}
				}
			}
		}
	}
}

func (p *Processor) parentNowExists(parentURI string) bool {
	if strings.Contains(parentURI, "/app.bsky.graph.list/") {
		ok, _ := p.index.ListExists(p.ctx, parentURI)
		return ok
	}
	_, ok, _ := p.index.PostAuthor(p.ctx, parentURI)
	return ok
}

func isUniqueErr(err error) bool {
	return pgstore.IsUniqueViolation(err)
}

func isForeignKeyErr(err error) bool {
	return pgstore.IsForeignKeyViolation(err)
}

func subjectURIOf(record map[string]interface{}) string {
	switch v := record["subject"].(type) {
	case string:
		return v
	case map[string]interface{}:
		uri, _ := v["uri"].(string)
		return uri
	default:
		return ""
	}
}
