package cli

import (
	"context"
	"fmt"
	"time"

	"atview.dev/backfill"
	"atview.dev/cache"
	"atview.dev/common"
	"atview.dev/config"
	"atview.dev/cursor"
	"atview.dev/firehose"
	"atview.dev/index"
	"atview.dev/metrics"
	"atview.dev/pending"
	"atview.dev/pgstore"
	"atview.dev/processor"
	"atview.dev/queue"
	"atview.dev/schema"
	"atview.dev/search"
	"atview.dev/storage"
	"atview.dev/thread"
)

// Service wires every component (A-K) to the others per §2's data-flow
// table and owns their combined lifecycle.
type Service struct {
	cfg *config.Config
	log *common.ContextLogger

	pg       *pgstore.DB
	cursor   *cursor.Store
	schema   *schema.Registry
	q        *queue.Queue
	pendingB *pending.Buffer
	idx      *index.Store
	cacheL   *cache.Cache
	fh       *firehose.Consumer
	proc     *processor.Processor
	thread   *thread.Assembler
	search   *search.Searcher
	blobs    backfill.BlobCache

	metricsReg *metrics.Registry
	flusher    *metrics.Flusher
	readiness  *metrics.Readiness
	httpSrv    *metrics.Server

	sweepCancel context.CancelFunc
}

// NewService constructs every component but does not start any
// goroutines or network connections beyond what's needed to verify
// reachability (Postgres ping, consumer-group creation).
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	log := common.ComponentLogger("service")
	log.WithField("postgres_dsn", common.MaskSecret(cfg.Postgres.DSN)).
		WithField("queue_redis_addr", common.MaskSecret(cfg.Queue.RedisAddr)).
		WithField("cache_redis_addr", common.MaskSecret(cfg.Cache.RedisAddr)).
		Info("starting service")

	pg, err := pgstore.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := index.Migrate(ctx, cfg.Postgres.DSN); err != nil {
		pg.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	cur, err := cursor.Open(ctx, pg, cfg.Service.Name+"-cursor.db")
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("open cursor store: %w", err)
	}

	idx, err := index.Open(pg, cfg.Postgres.DSN)
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("open index store: %w", err)
	}

	q, err := queue.New(ctx, queue.Config{
		Addr:             cfg.Queue.RedisAddr,
		DB:               cfg.Queue.RedisDB,
		Stream:           cfg.Queue.StreamName,
		Group:            cfg.Queue.ConsumerGroup,
		MaxLen:           500000,
		MaxDeliveries:    cfg.Queue.MaxDeliveries,
		DeadLetterMaxLen: cfg.Queue.DeadLetterMaxLen,
	})
	if err != nil {
		idx.Close()
		pg.Close()
		return nil, fmt.Errorf("connect queue: %w", err)
	}

	reg := schema.New()
	buf := pending.New(pending.Config{
		GlobalCap:    cfg.Pending.GlobalCap,
		PerParentCap: cfg.Pending.PerParentCap,
		TTL:          cfg.Pending.TTL,
	})

	cacheL := cache.New(cache.Config{Addr: cfg.Cache.RedisAddr, DB: cfg.Cache.RedisDB})

	proc := processor.New(processor.Config{
		Workers:            cfg.Processor.ParallelPipelines,
		PipelinesPerWorker: 5,
		BatchSize:          cfg.Queue.BatchSize,
		PollBlock:          100 * time.Millisecond,
		ClaimIdle:          cfg.Queue.ClaimIdleThreshold,
		RetryPeriod:        cfg.Processor.RetryPeriod,
		MaxDeliveries:      int64(cfg.Queue.MaxDeliveries),
		PendingHighWater:   cfg.Processor.PendingHighWater,
		ThrottleRate:       cfg.Processor.ThrottleRate,
	}, q, reg, buf, idx, cacheL)

	fh := firehose.New(firehose.Config{
		RelayURL:          cfg.Firehose.RelayURL,
		PingInterval:      30 * time.Second,
		PongTimeout:       45 * time.Second,
		StallTimeout:      2 * time.Minute,
		ReconnectMinDelay: 1 * time.Second,
		ReconnectMaxDelay: 30 * time.Second,
		CursorFlushPeriod: 5 * time.Second,
	}, q, cur)

	searcher := search.New(pg)
	threadAsm := thread.New(index.NewThreadSource(idx, cacheL), thread.DefaultConfig()).UseCache(cacheL)

	reg2 := metrics.NewRegistry(cfg.Service.Name)
	flusher := metrics.NewFlusher(reg2, q, reg, buf, threadAsm)
	readiness := metrics.NewReadiness(metrics.DefaultReadinessConfig(), q, idx, fh)
	httpSrv := metrics.NewServer(metrics.ServerConfig{Addr: cfg.HTTP.Addr, ShutdownTimeout: 10 * time.Second}, readiness)

	var blobs backfill.BlobCache
	if cfg.Backfill.S3Enabled {
		s3c, err := storage.New(ctx, storage.Config{Bucket: cfg.Backfill.S3Bucket, Region: cfg.Backfill.S3Region})
		if err != nil {
			log.WithError(err).Warn("backfill S3 cache unavailable, continuing without it")
		} else {
			blobs = s3c
		}
	}

	return &Service{
		cfg: cfg, log: log,
		pg: pg, cursor: cur, schema: reg, q: q, pendingB: buf, idx: idx,
		cacheL: cacheL, fh: fh, proc: proc, thread: threadAsm, search: searcher, blobs: blobs,
		metricsReg: reg2, flusher: flusher, readiness: readiness, httpSrv: httpSrv,
	}, nil
}

// Start launches every background goroutine: the firehose consumer, the
// commit-processor worker pool, the pending-buffer sweeper, the metrics
// flusher, and the health/metrics HTTP server.
func (s *Service) Start(ctx context.Context) {
	if s.cfg.Firehose.Enabled {
		s.fh.Start()
	}
	s.proc.Start()

	sweepCtx, cancel := context.WithCancel(ctx)
	s.sweepCancel = cancel
	go s.sweepPendingBuffer(sweepCtx)

	go s.flusher.Run(sweepCtx)

	go func() {
		if err := s.httpSrv.Start(); err != nil {
			s.log.WithError(err).Warn("health/metrics server stopped")
		}
	}()
}

func (s *Service) sweepPendingBuffer(ctx context.Context) {
	period := s.cfg.Pending.SweepPeriod
	if period <= 0 {
		period = 60 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := s.pendingB.Sweep(time.Now())
			if expired > 0 {
				s.log.WithField("expired", expired).Info("pending buffer sweep")
			}
		}
	}
}

// Shutdown stops every component in reverse-dependency order: new work
// stops first, in-flight handlers drain, then cursor/metrics are flushed
// and connections closed, per §5's shutdown sequence.
func (s *Service) Shutdown(ctx context.Context) {
	if s.cfg.Firehose.Enabled {
		s.fh.Stop()
	}
	s.proc.Stop()
	if s.sweepCancel != nil {
		s.sweepCancel()
	}
	if err := s.cursor.Flush(ctx); err != nil {
		s.log.WithError(err).Error("cursor flush on shutdown failed")
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("health server shutdown error")
	}
	s.cursor.Close()
	s.q.Close()
	s.cacheL.Close()
	s.idx.Close()
	s.pg.Close()
}
