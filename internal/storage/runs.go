package storage

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eugenenazirov/container-planner/internal/allocator"
)

const defaultRunRetention = 50

// ErrRunNotFound is returned when a run id is unknown or has been evicted.
var ErrRunNotFound = errors.New("allocation run not found")

// Run is a finished allocation kept for later retrieval and export.
type Run struct {
	ID        uuid.UUID
	CreatedAt time.Time
	Source    string
	Lines     int
	Menus     map[string][]int
	Result    allocator.Result
}

// RunStorage keeps recent allocation runs.
type RunStorage interface {
	SaveRun(run Run) error
	GetRun(id uuid.UUID) (Run, error)
	ListRuns() ([]Run, error)
}

// MemoryRunStorage retains the most recent runs, evicting the oldest first.
type MemoryRunStorage struct {
	mu        sync.RWMutex
	retention int
	order     []uuid.UUID
	runs      map[uuid.UUID]Run
}

// NewMemoryRunStorage creates storage keeping at most retention runs.
func NewMemoryRunStorage(retention int) *MemoryRunStorage {
	if retention <= 0 {
		retention = defaultRunRetention
	}
	return &MemoryRunStorage{
		retention: retention,
		runs:      make(map[uuid.UUID]Run, retention),
	}
}

// SaveRun stores a run, replacing any run with the same id.
func (s *MemoryRunStorage) SaveRun(run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; !exists {
		s.order = append(s.order, run.ID)
	}
	s.runs[run.ID] = run

	for len(s.order) > s.retention {
		delete(s.runs, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

// GetRun returns a stored run.
func (s *MemoryRunStorage) GetRun(id uuid.UUID) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return run, nil
}

// ListRuns returns stored runs, newest first.
func (s *MemoryRunStorage) ListRuns() ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Run, 0, len(s.order))
	for _, id := range slices.Backward(s.order) {
		out = append(out, s.runs[id])
	}
	return out, nil
}
