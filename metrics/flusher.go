package metrics

import (
	"context"
	"time"

	"atview.dev/common"
	"atview.dev/pending"
	"atview.dev/queue"
	"atview.dev/schema"
	"atview.dev/thread"
)

// DefaultFlushInterval matches §4.J's "flushed every ~500ms."
const DefaultFlushInterval = 500 * time.Millisecond

// Flusher periodically drains the in-process counters kept by the queue,
// schema registry, and pending buffer into the Prometheus registry.
type Flusher struct {
	reg      *Registry
	q        *queue.Queue
	schema   *schema.Registry
	pending  *pending.Buffer
	thread   *thread.Assembler
	interval time.Duration
	log      *common.ContextLogger
}

func NewFlusher(reg *Registry, q *queue.Queue, s *schema.Registry, p *pending.Buffer, t *thread.Assembler) *Flusher {
	return &Flusher{
		reg:      reg,
		q:        q,
		schema:   s,
		pending:  p,
		thread:   t,
		interval: DefaultFlushInterval,
		log:      common.ComponentLogger("metrics"),
	}
}

// Run blocks, flushing on a ticker until ctx is cancelled, then flushes
// once more before returning.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.flush(context.Background())
			return
		case <-ticker.C:
			f.flush(ctx)
		}
	}
}

func (f *Flusher) flush(ctx context.Context) {
	if f.q != nil {
		qm, err := f.q.CollectMetrics(ctx)
		if err != nil {
			f.log.WithError(err).Debug("queue metrics collection failed")
		} else {
			f.reg.QueueStreamLength.Set(float64(qm.StreamLength))
			f.reg.QueuePending.Set(float64(qm.PendingCount))
			f.reg.QueueDeadLetter.Set(float64(qm.DeadLetterLength))
			for kind, n := range qm.TypeCounts {
				f.reg.EventsProcessed.WithLabelValues(kind).Add(float64(n))
			}
			for reason, n := range qm.ErrorCounts {
				f.reg.EventErrors.WithLabelValues(reason).Add(float64(n))
			}
		}
	}

	if f.schema != nil {
		stats := f.schema.Stats()
		f.reg.SchemaValid.Set(float64(stats.Valid))
		f.reg.SchemaInvalid.Set(float64(stats.Invalid))
		f.reg.SchemaUnknown.Set(float64(stats.Unknown))
	}

	if f.pending != nil {
		stats := f.pending.Stats()
		f.reg.PendingBufferSize.Set(float64(stats.Size))
		f.reg.PendingDropped.Set(float64(stats.Dropped))
		f.reg.PendingExpired.Set(float64(stats.Expired))
	}

	if f.thread != nil {
		f.reg.ThreadGateRejections.Set(float64(f.thread.Stats().GateRejections))
	}
}
