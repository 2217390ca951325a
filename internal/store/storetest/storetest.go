// Package storetest provides an in-memory Store with the same
// conditional-update semantics as the Postgres implementation, for tests
// that do not want a database container.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"visionq/internal/store"
	"visionq/pkg/models"
)

// MemStore implements store.Store over a mutex-guarded map. The UpdateJob
// compare-and-swap runs under the lock, so concurrent claimers observe the
// same exactly-one-winner behavior as the real store.
type MemStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job

	// FailUpdates forces UpdateJob to return this error when set.
	FailUpdates error
}

func New() *MemStore {
	return &MemStore{jobs: make(map[uuid.UUID]*models.Job)}
}

func (m *MemStore) Ping(context.Context) error { return nil }

func (m *MemStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *MemStore) DeleteJob(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *MemStore) UpdateJob(_ context.Context, id uuid.UUID, fromStatus string, opts ...store.JobUpdateOption) (bool, error) {
	if m.FailUpdates != nil {
		return false, m.FailUpdates
	}

	update := store.ApplyOptions(opts...)
	if update.Status != nil && !models.CanTransition(fromStatus, *update.Status) {
		return false, fmt.Errorf("invalid job status transition: %s -> %s", fromStatus, *update.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != fromStatus {
		return false, nil
	}

	job.UpdatedAt = time.Now().UTC()
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.Progress != nil {
		job.Progress = *update.Progress
	}
	if update.Filename != nil {
		job.Filename = *update.Filename
	}
	if update.InputPath != nil {
		job.InputPath = *update.InputPath
	}
	if update.ContentType != nil {
		job.ContentType = *update.ContentType
	}
	if update.SizeBytes != nil {
		job.SizeBytes = *update.SizeBytes
	}
	if update.ImageWidth != nil {
		job.ImageWidth = update.ImageWidth
	}
	if update.ImageHeight != nil {
		job.ImageHeight = update.ImageHeight
	}
	if update.ResultPath != nil {
		job.ResultPath = *update.ResultPath
	}
	if update.AnnotatedPath != nil {
		job.AnnotatedPath = *update.AnnotatedPath
	}
	if update.ErrorMessage != nil {
		job.ErrorMessage = update.ErrorMessage
	}
	return true, nil
}

func (m *MemStore) NextQueuedJob(context.Context) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *models.Job
	for _, job := range m.jobs {
		if job.Status != models.JobStatusQueued {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) ||
			(job.CreatedAt.Equal(oldest.CreatedAt) && job.ID.String() < oldest.ID.String()) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, store.ErrNotFound
	}
	cp := *oldest
	return &cp, nil
}

// Len reports the number of stored rows.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

var _ store.Store = (*MemStore)(nil)
