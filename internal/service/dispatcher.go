package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	apperrors "docrelay/internal/errors"
	"docrelay/internal/models"
	"docrelay/internal/privacy"
	"docrelay/internal/tracing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrDispatcherClosed = errors.New("dispatcher is shut down")
	ErrAtCapacity       = errors.New("too many conversion jobs in flight")
)

// JobRunner executes a job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, job *models.ConversionJob) models.ConversionOutcome
}

// JobFailure is reported on the dispatcher's error channel for every job
// that did not succeed.
type JobFailure struct {
	Job     models.ConversionJob
	Outcome models.ConversionOutcome
}

// Dispatcher runs conversion jobs in the background. Submit never waits for
// a job; Shutdown waits for the ones in flight.
type Dispatcher struct {
	runner   JobRunner
	logger   *logrus.Logger
	errLog   *apperrors.Logger
	baseCtx  context.Context
	cancel   context.CancelFunc
	sem      chan struct{}
	failures chan JobFailure
	now      func() time.Time

	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	monitor  sync.WaitGroup
	inFlight atomic.Int64
}

// NewDispatcher creates a dispatcher. maxConcurrent <= 0 admits every job.
func NewDispatcher(runner JobRunner, maxConcurrent int, logger *logrus.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		runner:   runner,
		logger:   logger,
		errLog:   apperrors.NewLogger(logger),
		baseCtx:  ctx,
		cancel:   cancel,
		failures: make(chan JobFailure, 64),
		now:      time.Now,
	}
	if maxConcurrent > 0 {
		d.sem = make(chan struct{}, maxConcurrent)
	}
	d.monitor.Add(1)
	go d.monitorFailures()
	return d
}

// Submit starts a job for a file event and returns its id. The request
// context only contributes correlation values; the job outlives it.
func (d *Dispatcher) Submit(ctx context.Context, ev *models.DecryptedEvent) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", ErrDispatcherClosed
	}

	if d.sem != nil {
		select {
		case d.sem <- struct{}{}:
		default:
			return "", ErrAtCapacity
		}
	}

	job := &models.ConversionJob{
		ID:         uuid.NewString(),
		SourceUser: ev.FromUser,
		MediaRef:   ev.MediaRef,
		FileName:   ev.FileName,
		State:      models.JobDownloading,
		CreatedAt:  d.now(),
	}

	jobCtx := d.baseCtx
	if id := tracing.RequestID(ctx); id != "" {
		jobCtx = tracing.WithRequestID(jobCtx, id)
	}

	d.wg.Add(1)
	d.inFlight.Add(1)
	go d.supervise(jobCtx, job)
	return job.ID, nil
}

func (d *Dispatcher) supervise(ctx context.Context, job *models.ConversionJob) {
	defer d.wg.Done()
	defer d.inFlight.Add(-1)
	if d.sem != nil {
		defer func() { <-d.sem }()
	}

	outcome := d.runSafely(ctx, job)
	if outcome.State == models.JobSucceeded {
		return
	}
	d.failures <- JobFailure{Job: *job, Outcome: outcome}
}

func (d *Dispatcher) runSafely(ctx context.Context, job *models.ConversionJob) (outcome models.ConversionOutcome) {
	defer func() {
		if r := recover(); r != nil {
			logEntry(ctx, d.logger, logrus.Fields{LogFieldJobID: job.ID}).
				WithField("stack", string(debug.Stack())).
				Error("Conversion job panicked")
			outcome = models.ConversionOutcome{
				JobID:       job.ID,
				State:       models.JobFailed,
				FailedStage: job.State,
				Err:         apperrors.New(apperrors.ErrCodeInternalError, fmt.Sprintf("job panicked: %v", r)),
			}
		}
	}()
	return d.runner.Run(ctx, job)
}

func (d *Dispatcher) monitorFailures() {
	defer d.monitor.Done()
	for f := range d.failures {
		d.errLog.LogRetryableError(f.Outcome.Err, "Conversion job failed", privacy.MaskFields(logrus.Fields{
			LogFieldJobID:      f.Job.ID,
			LogFieldStage:      f.Outcome.FailedStage,
			LogFieldSourceUser: f.Job.SourceUser,
			LogFieldDuration:   f.Outcome.Duration.Milliseconds(),
		}))
	}
}

// InFlight returns the number of jobs still running.
func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

// Shutdown stops admitting jobs and waits for running ones. When ctx
// expires first, running jobs are cancelled and ctx's error returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
		err = ctx.Err()
	}
	d.cancel()

	close(d.failures)
	d.monitor.Wait()
	return err
}
