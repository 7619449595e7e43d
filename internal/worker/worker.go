// Package worker claims pending jobs one at a time and runs them to a
// terminal status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"flipbook/internal/events"
	"flipbook/internal/flipbook"
	"flipbook/internal/models"
)

const (
	NoteShutdown = "interrupted by shutdown"
	// writeTimeout bounds status writes made after the job context ended.
	writeTimeout = 10 * time.Second

	eventBuffer  = 256
	eventTimeout = 5 * time.Second
)

type Store interface {
	ClaimNextJob(ctx context.Context) (models.Job, bool, error)
	GetVideo(ctx context.Context, id uuid.UUID) (models.Video, error)
	SetStage(ctx context.Context, id uuid.UUID, stage string) error
	CompleteJob(ctx context.Context, id uuid.UUID, status models.JobStatus, note string) error
}

type Builder interface {
	Build(ctx context.Context, req flipbook.Request, progress flipbook.ProgressFunc) (*flipbook.Result, error)
}

type Options struct {
	PollInterval time.Duration
	JobTimeout   time.Duration
	// Wake, when set, ends an idle wait early.
	Wake <-chan struct{}
}

type Worker struct {
	store   Store
	builder Builder
	events  *events.Queue
	opts    Options
	log     *logrus.Entry
}

// New returns a worker publishing job events to publisher through its own
// queue, so a slow broker never eats into a job's deadline. The queue is
// drained when Run returns or Close is called; publisher itself stays open.
func New(store Store, builder Builder, publisher events.Publisher, opts Options, log *logrus.Entry) *Worker {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Worker{
		store:   store,
		builder: builder,
		events:  events.NewQueue(publisher, eventBuffer, eventTimeout, log),
		opts:    opts,
		log:     log,
	}
}

// Close forwards the job events still queued, giving up when ctx ends.
func (w *Worker) Close(ctx context.Context) error {
	return w.events.Shutdown(ctx)
}

// Run processes jobs until ctx is cancelled. Errors from individual jobs or
// from the store are logged and never end the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.log.WithFields(logrus.Fields{
		"poll_interval": w.opts.PollInterval,
		"job_timeout":   w.opts.JobTimeout,
	}).Info("worker started")
	defer func() {
		if err := w.events.Close(); err != nil {
			w.log.WithError(err).Warn("job events dropped on shutdown")
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		claimed, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			w.log.Info("worker stopped")
			return nil
		}
		if err != nil {
			w.log.WithError(err).Error("claim failed")
		}
		if claimed {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.opts.PollInterval)
		select {
		case <-ctx.Done():
			w.log.Info("worker stopped")
			return nil
		case <-timer.C:
		case <-w.opts.Wake:
		}
	}
}

// RunOnce claims the oldest pending job and processes it. It reports whether
// a job was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	const op = "worker.RunOnce"

	job, ok, err := w.store.ClaimNextJob(ctx)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return false, nil
	}
	w.publish(ctx, job.ID, models.StatusStarted, "", "")
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job models.Job) {
	log := w.log.WithFields(logrus.Fields{"job_id": job.ID, "video_id": job.VideoID})
	log.Info("job claimed")

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, w.opts.JobTimeout)
	defer cancel()

	res, err := w.build(jobCtx, job, log)
	elapsed := time.Since(start)

	var status models.JobStatus
	var note string
	switch {
	case err == nil:
		status = models.StatusFinished
		note = fmt.Sprintf("finished in %s, %d pages, %d frames", elapsed.Round(time.Millisecond), res.Pages, res.Frames)
	case ctx.Err() != nil:
		status, note = models.StatusFailed, NoteShutdown
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		status = models.StatusTimedOut
		note = fmt.Sprintf("timed out after %s", w.opts.JobTimeout)
	default:
		status, note = models.StatusFailed, err.Error()
	}

	if status != models.StatusFinished {
		discardOutput(job, log)
		log.WithError(err).WithField("status", status).Warn("job did not finish")
	}

	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancelWrite()
	if err := w.store.CompleteJob(writeCtx, job.ID, status, note); err != nil {
		log.WithError(err).WithField("status", status).Error("failed to record job outcome")
		return
	}
	w.publish(ctx, job.ID, status, "", note)
	log.WithFields(logrus.Fields{"status": status, "elapsed": elapsed}).Info("job done")
}

// build runs the builder for job. A panic inside it becomes an error.
func (w *Worker) build(ctx context.Context, job models.Job, log *logrus.Entry) (res *flipbook.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Error("builder panicked")
			res, err = nil, fmt.Errorf("internal error: %v", r)
		}
	}()

	video, err := w.store.GetVideo(ctx, job.VideoID)
	if err != nil {
		return nil, models.NewError(models.KindStorage, "load video", err)
	}
	if video.StoragePath == nil {
		return nil, models.NewError(models.KindStorage, "video file has been deleted", nil)
	}
	if job.OutputPath == nil {
		return nil, models.NewError(models.KindStorage, "job has no output path", nil)
	}

	req := flipbook.Request{
		VideoPath:  *video.StoragePath,
		OutputPath: *job.OutputPath,
		Options:    job.Options,
	}
	return w.builder.Build(ctx, req, func(stage string) {
		if err := w.store.SetStage(ctx, job.ID, stage); err != nil {
			log.WithError(err).WithField("stage", stage).Warn("failed to record stage")
			return
		}
		log.WithField("stage", stage).Debug("stage")
		w.publish(ctx, job.ID, models.StatusProcessing, stage, "")
	})
}

func (w *Worker) publish(ctx context.Context, id uuid.UUID, status models.JobStatus, stage, note string) {
	events.Notify(ctx, w.events, w.log, models.JobEvent{
		JobID:  id,
		Status: status,
		Stage:  stage,
		Note:   note,
		At:     time.Now().UTC(),
	})
}

// discardOutput removes anything left at the job's output path so only a
// finished job ever has a document there.
func discardOutput(job models.Job, log *logrus.Entry) {
	if job.OutputPath == nil {
		return
	}
	if err := os.Remove(*job.OutputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).WithField("path", *job.OutputPath).Warn("failed to discard partial output")
	}
}
