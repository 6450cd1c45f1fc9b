package sink

import (
	"context"
	"sync"
	"time"

	"modelgate/internal/metrics"
	"modelgate/internal/shared"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	FlushInterval time.Duration
	RetryDelay    time.Duration
	MaxBatch      int
	MaxRetries    int
	FlushTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		FlushInterval: shared.BucketFlushInterval,
		RetryDelay:    shared.BucketRetryDelay,
		MaxBatch:      shared.BucketMaxBatch,
		MaxRetries:    shared.MaxFlushRetries,
		FlushTimeout:  shared.FlushTimeout,
	}
}

// BatchSink collects outcomes into per actor buckets. A bucket is flushed
// when its actor has no requests in flight, when it reaches MaxBatch, or
// when its timer fires, whichever comes first.
type BatchSink struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	store Store
	cfg   Config
	log   *zap.SugaredLogger
	sleep func(context.Context, time.Duration) error

	flushes sync.WaitGroup
}

type bucket struct {
	actorID  string
	outcomes []*Outcome
	inflight int
	timer    *time.Timer
}

type Option func(*BatchSink)

// WithSleep replaces the wait between failed saves.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(s *BatchSink) { s.sleep = sleep }
}

func New(store Store, cfg Config, log *zap.SugaredLogger, opts ...Option) *BatchSink {
	s := &BatchSink{
		buckets: map[string]*bucket{},
		store:   store,
		cfg:     cfg,
		log:     log,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *BatchSink) bucketLocked(actor string) *bucket {
	b, ok := s.buckets[actor]
	if !ok {
		b = &bucket{actorID: actor}
		s.buckets[actor] = b
	}
	return b
}

// AddInflight marks a request for actor as started.
func (s *BatchSink) AddInflight(actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketLocked(actor)
	b.inflight++
	metrics.InflightRequests.WithLabelValues(actor).Set(float64(b.inflight))
}

// DoneInflight marks a request for actor as finished and flushes the bucket
// if it was the last one.
func (s *BatchSink) DoneInflight(actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketLocked(actor)
	if b.inflight > 0 {
		b.inflight--
	}
	metrics.InflightRequests.WithLabelValues(actor).Set(float64(b.inflight))
	if b.inflight == 0 && len(b.outcomes) > 0 {
		s.flushLocked(b)
	}
}

// AppendOutcome queues o for persistence. It never blocks on I/O.
func (s *BatchSink) AppendOutcome(o *Outcome) {
	status := "success"
	if !o.Success {
		status = "error"
	}
	metrics.RequestCount.WithLabelValues(o.Model, string(o.Operation), status).Inc()
	metrics.RequestDuration.WithLabelValues(o.Model, string(o.Operation)).Observe(o.TotalTime.Seconds())
	if o.TimeToFirstToken != 0 {
		metrics.TimeToFirstToken.WithLabelValues(o.Model, string(o.Operation)).Observe(o.TimeToFirstToken.Seconds())
	}
	if o.Success && !o.Cached {
		metrics.PromptTokens.WithLabelValues(o.Model, string(o.Operation)).Add(float64(o.Usage.InputTokens))
		metrics.CompletionTokens.WithLabelValues(o.Model, string(o.Operation)).Add(float64(o.Usage.OutputTokens))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketLocked(o.ActorID)
	b.outcomes = append(b.outcomes, o)

	if b.inflight == 0 || len(b.outcomes) >= s.cfg.MaxBatch {
		s.flushLocked(b)
		return
	}
	if b.timer == nil {
		actor := b.actorID
		b.timer = time.AfterFunc(s.cfg.FlushInterval, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if b, ok := s.buckets[actor]; ok && len(b.outcomes) > 0 {
				s.flushLocked(b)
			}
		})
	}
}

// flushLocked detaches the bucket's outcomes and saves them in the
// background. Each batch is owned by exactly one flush.
func (s *BatchSink) flushLocked(b *bucket) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.outcomes
	b.outcomes = nil
	if b.inflight == 0 {
		delete(s.buckets, b.actorID)
	}
	if len(batch) == 0 {
		return
	}
	s.flushes.Add(1)
	go func() {
		defer s.flushes.Done()
		s.save(b.actorID, batch)
	}()
}

// save retries the store with exponential backoff and drops the batch once
// retries are exhausted.
func (s *BatchSink) save(actor string, batch []*Outcome) {
	var err error
	for i := range s.cfg.MaxRetries {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
		err = s.store.SaveOutcomes(ctx, batch)
		cancel()
		if err == nil {
			s.log.Infow("Flushed bucket", "actor_id", actor, "outcomes", len(batch))
			return
		}
		s.log.Warnw("Failed to save outcomes, retrying", "actor_id", actor, "attempt", i+1, "error", err)
		if i < s.cfg.MaxRetries-1 {
			_ = s.sleep(context.Background(), s.cfg.RetryDelay*time.Duration(1<<i))
		}
	}
	s.log.Errorw("Dropping outcomes after repeated save failures",
		"actor_id", actor,
		"outcomes", len(batch),
		"attempts", s.cfg.MaxRetries,
		"error", err,
	)
	metrics.SinkDropped.Add(float64(len(batch)))
	metrics.ErrorCount.WithLabelValues("unknown", "unknown", shared.ErrSaveOutcomes.Code).Inc()
}

// Pending returns the number of outcomes not yet handed to a flush.
func (s *BatchSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.buckets {
		n += len(b.outcomes)
	}
	return n
}

// Shutdown waits for in flight requests to drain, then flushes every bucket
// in parallel and waits for all saves, including ones already running. It
// gives up waiting for in flight requests when ctx ends.
func (s *BatchSink) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down outcome sink")
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	var waitErr error
	for {
		s.mu.Lock()
		total := 0
		for _, b := range s.buckets {
			total += b.inflight
		}
		s.mu.Unlock()
		if total == 0 {
			break
		}
		select {
		case <-ctx.Done():
			s.log.Warnw("Shutdown deadline reached with requests in flight", "inflight", total)
			waitErr = ctx.Err()
		case <-ticker.C:
			continue
		}
		break
	}

	s.mu.Lock()
	batches := map[string][]*Outcome{}
	for actor, b := range s.buckets {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		if len(b.outcomes) > 0 {
			batches[actor] = b.outcomes
			b.outcomes = nil
		}
	}
	s.mu.Unlock()

	var g errgroup.Group
	for actor, batch := range batches {
		g.Go(func() error {
			s.save(actor, batch)
			return nil
		})
	}
	_ = g.Wait()
	s.flushes.Wait()
	return waitErr
}
