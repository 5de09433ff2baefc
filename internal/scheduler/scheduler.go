package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/deskrelay/deskrelay/internal/delivery"
	"github.com/deskrelay/deskrelay/internal/logging"
	"github.com/deskrelay/deskrelay/internal/metrics"
	"github.com/deskrelay/deskrelay/internal/tracing"
)

// Attempter performs one delivery attempt. Satisfied by *delivery.Dispatcher.
type Attempter interface {
	Attempt(ctx context.Context, rec delivery.Record) (delivery.Record, string)
}

// DeadLetterPublisher publishes a message to a topic. Satisfied by
// *nsq.Producer.
type DeadLetterPublisher interface {
	Publish(topic string, body []byte) error
}

// Config bounds one sweep's resource use.
type Config struct {
	Interval       time.Duration // time between sweeps
	BatchSize      int           // max due records per sweep
	Workers        int           // concurrent dispatches within a sweep
	AttemptTimeout time.Duration // per-attempt ceiling, independent of the HTTP client timeout
	ShutdownGrace  time.Duration // how long Stop waits for an in-flight sweep
}

// DefaultConfig sweeps every 30s, 100 records a batch, 10 workers.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		BatchSize:      100,
		Workers:        10,
		AttemptTimeout: 15 * time.Second,
		ShutdownGrace:  20 * time.Second,
	}
}

// Scheduler is the recurring sweep over due delivery records. It owns its
// own lifecycle: Start launches the loop, Stop drains it. A sweep that is
// still running when the next tick fires is skipped, never overlapped.
type Scheduler struct {
	store      delivery.Store
	dispatcher Attempter
	logger     *logging.Logger
	cfg        Config

	dlq      DeadLetterPublisher
	dlqTopic string

	sweeping atomic.Bool
	inflight sync.WaitGroup
	stop     chan struct{}
	done     chan struct{}
}

func New(store delivery.Store, dispatcher Attempter, logger *logging.Logger, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// WithDeadLetters makes the scheduler publish a DeadLetter envelope for each
// record that reaches terminal failure.
func (s *Scheduler) WithDeadLetters(pub DeadLetterPublisher, topic string) *Scheduler {
	s.dlq = pub
	s.dlqTopic = topic
	return s
}

// Start launches the sweep loop in its own goroutine.
func (s *Scheduler) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		s.logger.Plain().WithField("interval", s.cfg.Interval.String()).Info("scheduler started")
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if err := s.RunSweep(context.Background()); err != nil {
					// Store connectivity failures abort the sweep; the next
					// tick retries from scratch.
					s.logger.Plain().WithError(err).Error("sweep aborted")
				}
			}
		}
	}()
}

// Stop signals the loop to exit and waits for in-flight attempts to finish,
// bounded by the shutdown grace period.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultConfig().ShutdownGrace
	}
	select {
	case <-drained:
		s.logger.Plain().Info("scheduler stopped")
	case <-time.After(grace):
		s.logger.Plain().Warn("scheduler stopped with attempts still in flight")
	}
}

// RunSweep executes one due-record scan and dispatch cycle. It returns an
// error only when the store itself cannot be read; per-record failures are
// logged and isolated so one bad endpoint never blocks the rest of the batch.
func (s *Scheduler) RunSweep(ctx context.Context) error {
	if !s.sweeping.CompareAndSwap(false, true) {
		metrics.RecordSweep("skipped", 0, 0)
		s.logger.Plain().Warn("previous sweep still running, skipping")
		return nil
	}
	defer s.sweeping.Store(false)

	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "scheduler.sweep")
	defer span.End()

	due, err := s.store.FindDue(ctx, start.UTC(), s.cfg.BatchSize)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordSweep("error", time.Since(start), 0)
		return err
	}
	span.SetAttributes(attribute.Int("batch_size", len(due)))

	if len(due) > 0 {
		sem := make(chan struct{}, s.cfg.Workers)
		var wg sync.WaitGroup
		for _, rec := range due {
			wg.Add(1)
			s.inflight.Add(1)
			sem <- struct{}{}
			go func(rec delivery.Record) {
				defer wg.Done()
				defer s.inflight.Done()
				defer func() { <-sem }()
				s.dispatchOne(ctx, rec)
			}(rec)
		}
		wg.Wait()
	}

	metrics.RecordSweep("ok", time.Since(start), len(due))
	return nil
}

// dispatchOne attempts a single record and persists whatever state came back.
func (s *Scheduler) dispatchOne(ctx context.Context, rec delivery.Record) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.attempt",
		attribute.String("event_id", rec.EventID),
		attribute.Int64("delivery_id", rec.ID),
		attribute.String("endpoint", rec.URL),
		attribute.Int("attempt", rec.AttemptCount+1),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.logger.WithContext(ctx).WithEvent(rec.EventID).
				WithField("panic", r).Error("attempt panicked")
		}
	}()

	attemptCtx, cancelAttempt := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	updated, reason := s.dispatcher.Attempt(attemptCtx, rec)
	cancelAttempt()
	span.SetAttributes(
		attribute.String("status", string(updated.Status)),
		attribute.Int("http_status", updated.ResponseStatusCode),
	)

	// Persist on a fresh deadline so an attempt that spent its whole budget
	// still gets its outcome written. The write is guarded on the record
	// still being retrying: a pause or delete that landed mid-attempt wins,
	// and the outcome is discarded.
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancelPersist()
	_, superseded, err := s.store.UpdateAttempt(persistCtx, updated)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithEvent(updated.EventID).WithError(err).
			Error("persist attempt outcome failed")
		return
	}
	if superseded {
		s.logger.WithContext(ctx).WithEvent(updated.EventID).
			Info("attempt outcome superseded by control write")
		return
	}

	switch updated.Status {
	case delivery.StatusDelivered:
		metrics.RecordDelivery("delivered")
		s.logger.WithContext(ctx).WithEvent(updated.EventID).
			WithField("attempt", updated.AttemptCount).Info("delivered")
	case delivery.StatusFailed:
		metrics.RecordDelivery("failed")
		metrics.RecordRetry(reason)
		s.logger.WithContext(ctx).WithEvent(updated.EventID).WithFields(map[string]any{
			"attempt": updated.AttemptCount,
			"reason":  reason,
		}).Warn("delivery failed permanently")
	default:
		metrics.RecordRetry(reason)
		var next string
		if updated.NextRetryAt != nil {
			next = updated.NextRetryAt.Format(time.RFC3339)
		}
		s.logger.WithContext(ctx).WithEvent(updated.EventID).WithFields(map[string]any{
			"attempt":    updated.AttemptCount,
			"reason":     reason,
			"next_retry": next,
		}).Info("delivery rescheduled")
	}

	if updated.Status == delivery.StatusFailed {
		s.publishDeadLetter(ctx, updated, reason)
	}
}

func (s *Scheduler) publishDeadLetter(ctx context.Context, rec delivery.Record, reason string) {
	if s.dlq == nil {
		return
	}
	env := delivery.NewDeadLetter(rec, reason)
	b, err := json.Marshal(env)
	if err != nil {
		s.logger.WithContext(ctx).WithEvent(rec.EventID).WithError(err).Error("dead letter marshal failed")
		return
	}
	if err := s.dlq.Publish(s.dlqTopic, b); err != nil {
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithEvent(rec.EventID).WithError(err).Error("dead letter publish failed")
		return
	}
	metrics.RecordDeadLetter()
	tracing.AddSpanEvent(ctx, "nsq.published_dead_letter", attribute.String("topic", s.dlqTopic))
}
