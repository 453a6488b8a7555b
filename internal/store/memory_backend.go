package store

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"form-courier/internal/models"
)

// MemoryBackend keeps jobs in process memory. Used by tests and JOB_STORE=memory.
type MemoryBackend struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	order   []string
	members map[string][]string
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs:    make(map[string]*models.Job),
		members: make(map[string][]string),
	}
}

func (b *MemoryBackend) Insert(_ context.Context, job *models.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[job.ID]; ok {
		return errors.Wrapf(ErrConflict, "job %s already exists", job.ID)
	}
	b.jobs[job.ID] = job.Clone()
	b.order = append(b.order, job.ID)
	if job.ParentID != "" {
		b.members[job.ParentID] = append(b.members[job.ParentID], job.ID)
	}
	return nil
}

func (b *MemoryBackend) Load(_ context.Context, id string) (*models.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return job.Clone(), nil
}

func (b *MemoryBackend) Swap(_ context.Context, job *models.Job, prevVersion int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.jobs[job.ID]
	if !ok {
		return false, errors.Wrapf(ErrNotFound, "job %s", job.ID)
	}
	if current.Version != prevVersion {
		return false, nil
	}
	b.jobs[job.ID] = job.Clone()
	return true, nil
}

func (b *MemoryBackend) Members(_ context.Context, parentID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.members[parentID]...), nil
}

func (b *MemoryBackend) Recent(_ context.Context, limit int) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, limit)
	for i := len(b.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, b.order[i])
	}
	return out, nil
}
