// Package sweeper removes videos and documents older than the retention
// horizon.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"flipbook/internal/events"
	"flipbook/internal/models"
)

type Store interface {
	ExpiredVideos(ctx context.Context, before time.Time) ([]models.Video, error)
	ExpiredJobs(ctx context.Context, before time.Time) ([]models.Job, error)
	MarkVideoDeleted(ctx context.Context, id uuid.UUID) error
	MarkJobDeleted(ctx context.Context, id uuid.UUID) error
}

// Stats counts the records a sweep marked deleted and the ones it skipped.
type Stats struct {
	Jobs   int
	Videos int
	Failed int
}

type Sweeper struct {
	store     Store
	retention time.Duration
	publisher events.Publisher
	log       *logrus.Entry
	now       func() time.Time
}

func New(store Store, retention time.Duration, publisher events.Publisher, log *logrus.Entry) *Sweeper {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Sweeper{
		store:     store,
		retention: retention,
		publisher: publisher,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Sweep deletes the files of every expired job and video, then marks the
// records deleted. A record whose file cannot be removed is left untouched
// and reported in the returned error; the sweep carries on with the rest.
func (s *Sweeper) Sweep(ctx context.Context) (Stats, error) {
	const op = "sweeper.Sweep"
	var stats Stats
	before := s.now().Add(-s.retention)

	jobs, err := s.store.ExpiredJobs(ctx, before)
	if err != nil {
		return stats, fmt.Errorf("%s: %w", op, err)
	}
	var errs []error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return stats, errors.Join(append(errs, err)...)
		}
		log := s.log.WithFields(logrus.Fields{"job_id": job.ID, "status": job.Status})
		if err := s.sweepJob(ctx, job, log); err != nil {
			stats.Failed++
			errs = append(errs, err)
			log.WithError(err).Error("failed to sweep job")
			continue
		}
		stats.Jobs++
	}

	videos, err := s.store.ExpiredVideos(ctx, before)
	if err != nil {
		return stats, errors.Join(append(errs, fmt.Errorf("%s: %w", op, err))...)
	}
	for _, video := range videos {
		if err := ctx.Err(); err != nil {
			return stats, errors.Join(append(errs, err)...)
		}
		log := s.log.WithField("video_id", video.ID)
		if err := s.sweepVideo(ctx, video, log); err != nil {
			stats.Failed++
			errs = append(errs, err)
			log.WithError(err).Error("failed to sweep video")
			continue
		}
		stats.Videos++
	}

	s.log.WithFields(logrus.Fields{
		"before": before,
		"jobs":   stats.Jobs,
		"videos": stats.Videos,
		"failed": stats.Failed,
	}).Info("sweep finished")
	return stats, errors.Join(errs...)
}

func (s *Sweeper) sweepJob(ctx context.Context, job models.Job, log *logrus.Entry) error {
	if err := removeFile(job.OutputPath, log); err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	if err := s.store.MarkJobDeleted(ctx, job.ID); err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	events.Notify(ctx, s.publisher, s.log, models.JobEvent{
		JobID:  job.ID,
		Status: models.StatusDeleted,
		At:     s.now(),
	})
	return nil
}

func (s *Sweeper) sweepVideo(ctx context.Context, video models.Video, log *logrus.Entry) error {
	if err := removeFile(video.StoragePath, log); err != nil {
		return fmt.Errorf("video %s: %w", video.ID, err)
	}
	if err := s.store.MarkVideoDeleted(ctx, video.ID); err != nil {
		return fmt.Errorf("video %s: %w", video.ID, err)
	}
	return nil
}

// removeFile deletes path. A file that is already gone is logged and not an
// error, so a sweep interrupted between removal and marking can be re-run.
func removeFile(path *string, log *logrus.Entry) error {
	if path == nil {
		return nil
	}
	err := os.Remove(*path)
	switch {
	case err == nil:
		log.WithField("path", *path).Debug("file removed")
		return nil
	case errors.Is(err, os.ErrNotExist):
		log.WithField("path", *path).Warn("file already absent, marking record deleted")
		return nil
	default:
		return models.NewError(models.KindStorage, "remove file", err)
	}
}

// Run sweeps on schedule (a cron spec such as "@every 1h") until ctx is
// cancelled. Overlapping runs are skipped.
func (s *Sweeper) Run(ctx context.Context, schedule string) error {
	const op = "sweeper.Run"

	logger := cron.PrintfLogger(s.log)
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.WithError(err).Warn("sweep finished with errors")
		}
	}); err != nil {
		return fmt.Errorf("%s: schedule %q: %w", op, schedule, err)
	}

	s.log.WithFields(logrus.Fields{"schedule": schedule, "retention": s.retention}).Info("sweeper started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("sweeper stopped")
	return nil
}
