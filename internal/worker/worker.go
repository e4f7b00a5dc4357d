package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"voiceslot/internal/metrics"
	"voiceslot/internal/queue"
)

// Processor applies one queued mirror reconcile.
type Processor interface {
	ProcessJob(ctx context.Context, job queue.MirrorJob) error
}

type Worker struct {
	queue         *queue.StreamQueue
	processor     Processor
	maxJobRetries int
	retryDelay    time.Duration
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Queue         *queue.StreamQueue
	Processor     Processor
	MaxJobRetries int
	// RetryDelay is the pause after a failed queue read.
	RetryDelay time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Worker{
		queue:         cfg.Queue,
		processor:     cfg.Processor,
		maxJobRetries: cfg.MaxJobRetries,
		retryDelay:    cfg.RetryDelay,
		logger:        cfg.Logger.With().Str("component", "worker").Logger(),
		metrics:       m,
	}
}

// Start consumes mirror jobs until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		slot := i
		g.Go(func() error {
			w.consumeLoop(gctx, slot)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.retryDelay):
			}
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.processor.ProcessJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).
		Str("job_id", msg.Job.JobID).
		Str("slot_id", msg.Job.SlotID).
		Int("attempt", msg.Job.Attempts).
		Msg("mirror job failed")

	if msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	log.Warn().Str("slot_id", msg.Job.SlotID).Msg("giving up on mirror job; the next slot mutation will resync it")
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}
