package metrics

import (
	"context"
	"runtime"
	"time"
)

// Pinger is satisfied by queue.Queue, pgstore.DB, and index.Store —
// anything the readiness check needs to ping.
type Pinger interface {
	Reachable(ctx context.Context) bool
}

// FirehoseStatus is satisfied by firehose.Consumer.
type FirehoseStatus interface {
	Connected() bool
	ConnectedAt() time.Time
}

// ReadinessConfig names the thresholds §4.J's readiness check applies.
type ReadinessConfig struct {
	// MaxMemoryFraction is the fraction of Sys memory Alloc may occupy
	// before readiness fails (default 0.9).
	MaxMemoryFraction float64
	// FirstReconnectWindow bounds how long a disconnected firehose is
	// still considered acceptable, counted from ConnectedAt.
	FirstReconnectWindow time.Duration
}

func DefaultReadinessConfig() ReadinessConfig {
	return ReadinessConfig{
		MaxMemoryFraction:    0.9,
		FirstReconnectWindow: 30 * time.Second,
	}
}

// Readiness aggregates the health of every shared dependency per §4.J:
// healthy iff queue reachable, index reachable, firehose connected or
// within its first reconnect window, and memory usage below the
// configured fraction.
type Readiness struct {
	cfg      ReadinessConfig
	queue    Pinger
	index    Pinger
	firehose FirehoseStatus
}

func NewReadiness(cfg ReadinessConfig, q, idx Pinger, fh FirehoseStatus) *Readiness {
	return &Readiness{cfg: cfg, queue: q, index: idx, firehose: fh}
}

// Report is the structured outcome of a readiness check, suitable for
// JSON encoding by the HTTP handler.
type Report struct {
	Ready             bool    `json:"ready"`
	QueueReachable    bool    `json:"queueReachable"`
	IndexReachable    bool    `json:"indexReachable"`
	FirehoseConnected bool    `json:"firehoseConnected"`
	MemoryFraction    float64 `json:"memoryFraction"`
}

func (r *Readiness) Check(ctx context.Context) Report {
	rep := Report{}

	if r.queue != nil {
		rep.QueueReachable = r.queue.Reachable(ctx)
	}
	if r.index != nil {
		rep.IndexReachable = r.index.Reachable(ctx)
	}

	firehoseOK := true
	if r.firehose != nil {
		rep.FirehoseConnected = r.firehose.Connected()
		if !rep.FirehoseConnected {
			firehoseOK = time.Since(r.firehose.ConnectedAt()) < r.cfg.FirstReconnectWindow
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	if mem.Sys > 0 {
		rep.MemoryFraction = float64(mem.Alloc) / float64(mem.Sys)
	}
	memOK := r.cfg.MaxMemoryFraction <= 0 || rep.MemoryFraction < r.cfg.MaxMemoryFraction

	rep.Ready = rep.QueueReachable && rep.IndexReachable && firehoseOK && memOK
	return rep
}
