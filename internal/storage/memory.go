package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flipbook/internal/models"
)

// Memory is an in-process store with the same transition guards as Storage.
// It backs the service when no database_url is configured, and the tests.
type Memory struct {
	mu     sync.Mutex
	videos map[uuid.UUID]*models.Video
	jobs   map[uuid.UUID]*models.Job
	wake   chan struct{}
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		videos: make(map[uuid.UUID]*models.Video),
		jobs:   make(map[uuid.UUID]*models.Job),
		wake:   make(chan struct{}, 1),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Wake fires after a job is created.
func (m *Memory) Wake() <-chan struct{} { return m.wake }

func (m *Memory) CreateVideo(ctx context.Context, v *models.Video) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.videos[v.ID]; ok {
		return fmt.Errorf("storage.CreateVideo: duplicate id %s", v.ID)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = m.now()
	}
	cp := *v
	m.videos[v.ID] = &cp
	return nil
}

func (m *Memory) GetVideo(ctx context.Context, id uuid.UUID) (models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[id]
	if !ok {
		return models.Video{}, fmt.Errorf("storage.GetVideo: video %s: %w", id, models.ErrNotFound)
	}
	return *v, nil
}

func (m *Memory) CreateJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("storage.CreateJob: duplicate id %s", job.ID)
	}
	if _, ok := m.videos[job.VideoID]; !ok {
		return fmt.Errorf("storage.CreateJob: video %s: %w", job.VideoID, models.ErrNotFound)
	}
	now := m.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Status = models.StatusPending
	cp := *job
	m.jobs[job.ID] = &cp
	signal(m.wake)
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("storage.GetJob: job %s: %w", id, models.ErrNotFound)
	}
	return *job, nil
}

func (m *Memory) ClaimNextJob(ctx context.Context) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *models.Job
	for _, job := range m.jobs {
		if job.Status != models.StatusPending {
			continue
		}
		if next == nil || jobBefore(job, next) {
			next = job
		}
	}
	if next == nil {
		return models.Job{}, false, nil
	}
	now := m.now()
	next.Status = models.StatusStarted
	next.Stage = ""
	next.StartedAt = &now
	next.UpdatedAt = now
	return *next, true, nil
}

func jobBefore(a, b *models.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func (m *Memory) transition(op string, id uuid.UUID, to models.JobStatus, mutate func(*models.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%s: job %s: %w", op, id, models.ErrNotFound)
	}
	if !job.Status.CanTransition(to) {
		return fmt.Errorf("%s: job %s %s -> %s: %w", op, id, job.Status, to, models.ErrInvalidTransition)
	}
	job.Status = to
	job.UpdatedAt = m.now()
	mutate(job)
	return nil
}

func (m *Memory) SetStage(ctx context.Context, id uuid.UUID, stage string) error {
	return m.transition("storage.SetStage", id, models.StatusProcessing, func(job *models.Job) {
		job.Stage = stage
	})
}

func (m *Memory) CompleteJob(ctx context.Context, id uuid.UUID, status models.JobStatus, note string) error {
	if status == models.StatusProcessing || status == models.StatusDeleted || status == models.StatusStarted {
		return fmt.Errorf("storage.CompleteJob: %s: %w", status, models.ErrInvalidTransition)
	}
	return m.transition("storage.CompleteJob", id, status, func(job *models.Job) {
		job.OutputNote = &note
	})
}

func (m *Memory) hasActiveJob(videoID uuid.UUID) bool {
	for _, job := range m.jobs {
		if job.VideoID == videoID && job.Status.Active() {
			return true
		}
	}
	return false
}

func (m *Memory) ExpiredVideos(ctx context.Context, before time.Time) ([]models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Video
	for _, v := range m.videos {
		if v.StoragePath == nil || !v.CreatedAt.Before(before) || m.hasActiveJob(v.ID) {
			continue
		}
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *Memory) ExpiredJobs(ctx context.Context, before time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, job := range m.jobs {
		if !job.CreatedAt.Before(before) || !job.Status.CanTransition(models.StatusDeleted) {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return jobBefore(&out[i], &out[j]) })
	return out, nil
}

func (m *Memory) MarkVideoDeleted(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[id]
	if !ok {
		return fmt.Errorf("storage.MarkVideoDeleted: video %s: %w", id, models.ErrNotFound)
	}
	if v.StoragePath == nil || m.hasActiveJob(id) {
		return fmt.Errorf("storage.MarkVideoDeleted: video %s: %w", id, models.ErrInvalidTransition)
	}
	now := m.now()
	v.StoragePath = nil
	v.DeletedAt = &now
	return nil
}

func (m *Memory) MarkJobDeleted(ctx context.Context, id uuid.UUID) error {
	return m.transition("storage.MarkJobDeleted", id, models.StatusDeleted, func(job *models.Job) {
		job.OutputPath = nil
	})
}
