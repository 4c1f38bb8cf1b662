package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sigee-min/bbmcp/internal/apperr"
)

// DefaultPollInterval is how long an idle worker sleeps between claims.
const DefaultPollInterval = 500 * time.Millisecond

// Handler executes one job attempt. A returned error fails the attempt;
// the result is stored on completion. Handlers must tolerate replays of
// the same job, since a lease that runs out hands the job to another
// worker.
type Handler interface {
	HandleJob(ctx context.Context, job *Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) (json.RawMessage, error)

// HandleJob calls f.
func (f HandlerFunc) HandleJob(ctx context.Context, job *Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Worker claims jobs from a Queue and runs them through kind handlers.
type Worker struct {
	id       string
	queue    *Queue
	handlers map[string]Handler
	poll     time.Duration
	log      zerolog.Logger
}

// NewWorker creates a worker with a fresh id.
func NewWorker(queue *Queue, handlers map[string]Handler, poll time.Duration, log zerolog.Logger) *Worker {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	id := "worker_" + uuid.NewString()
	return &Worker{
		id:       id,
		queue:    queue,
		handlers: handlers,
		poll:     poll,
		log:      log.With().Str("worker_id", id).Logger(),
	}
}

// ID returns the worker id recorded on claimed jobs.
func (w *Worker) ID() string { return w.id }

// RunOnce claims and runs at most one job. It reports whether a job was
// claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNext(ctx, w.id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	logger := w.log.With().
		Str("job_id", job.ID).
		Str("kind", job.Kind).
		Int("attempt", job.AttemptCount).
		Logger()

	handler, ok := w.handlers[job.Kind]
	if !ok {
		_, err := w.queue.Fail(ctx, job.ID, w.id, fmt.Sprintf("no handler for job kind %q", job.Kind))
		logger.Warn().Msg("job kind has no handler")
		return true, err
	}

	result, runErr := handler.HandleJob(ctx, job)
	if runErr != nil {
		failed, err := w.queue.Fail(ctx, job.ID, w.id, runErr.Error())
		if apperr.HasReason(err, apperr.ReasonJobLeaseLost) {
			logger.Warn().Err(runErr).Msg("job attempt failed after its lease was reclaimed")
			return true, nil
		}
		if err != nil {
			return true, err
		}
		ev := logger.Warn().Err(runErr).Str("status", string(failed.Status))
		if failed.DeadLetter {
			ev = logger.Error().Err(runErr).Bool("dead_letter", true)
		}
		ev.Msg("job attempt failed")
		return true, nil
	}
	_, err = w.queue.Complete(ctx, job.ID, w.id, result)
	if apperr.HasReason(err, apperr.ReasonJobLeaseLost) {
		logger.Warn().Msg("job finished after its lease was reclaimed; result dropped")
		return true, nil
	}
	if err != nil {
		return true, err
	}
	logger.Info().Msg("job completed")
	return true, nil
}

// Run polls until ctx is cancelled. Claim and store errors are logged
// and retried after the poll interval.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Dur("poll", w.poll).Msg("worker started")
	defer w.log.Info().Msg("worker stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		claimed, err := w.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error().Err(err).Msg("worker iteration failed")
		}
		wait := w.poll
		if claimed && err == nil {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// RunPool runs n workers built by newWorker until ctx is cancelled or one
// of them returns an error.
func RunPool(ctx context.Context, n int, newWorker func() *Worker) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		w := newWorker()
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}
