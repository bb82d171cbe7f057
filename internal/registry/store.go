// SPDX-License-Identifier: MIT

package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/otaku840726/streamlink-webrecorder/internal/log"
)

const storeFile = "tasks.json"

// Store is a mutex-guarded job list backed by a single JSON file. Every
// mutation rewrites the file atomically; a mutation is not durable (and is
// rolled back in memory) until the rewrite succeeds.
type Store struct {
	mu     sync.RWMutex
	jobs   []Job
	path   string
	logger zerolog.Logger
}

// NewStore creates a store persisting to <dataDir>/tasks.json.
func NewStore(dataDir string) *Store {
	return &Store{
		path:   filepath.Join(dataDir, storeFile),
		logger: log.WithComponent("registry"),
	}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the job list from disk. A missing file is an empty registry.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.jobs = nil
		return nil
	}
	if err != nil {
		return err
	}

	var stored []Job
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	s.jobs = stored
	return nil
}

// List returns a copy of all jobs in stored order.
func (s *Store) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Get returns the job with the given id.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.ID == id {
			return j, true
		}
	}
	return Job{}, false
}

// Create appends a new job. An empty id is assigned a fresh uuid.
func (s *Store) Create(j Job) (Job, error) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.ID == j.ID {
			return Job{}, fmt.Errorf("%w: %s", ErrDuplicateID, j.ID)
		}
	}

	s.jobs = append(s.jobs, j)
	if err := s.save(); err != nil {
		s.jobs = s.jobs[:len(s.jobs)-1]
		return Job{}, fmt.Errorf("save job: %w", err)
	}
	return j, nil
}

// Update replaces the job with the given id. The id in the body is overridden.
func (s *Store) Update(id string, j Job) (Job, error) {
	j.ID = id
	if err := j.Validate(); err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.jobs {
		if existing.ID != id {
			continue
		}
		s.jobs[i] = j
		if err := s.save(); err != nil {
			s.jobs[i] = existing
			return Job{}, fmt.Errorf("save job: %w", err)
		}
		return j, nil
	}
	return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Delete removes the job with the given id. Deleting an unknown id is a no-op
// and reports removed=false.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.jobs {
		if existing.ID != id {
			continue
		}
		s.jobs = append(s.jobs[:i:i], s.jobs[i+1:]...)
		if err := s.save(); err != nil {
			// Reinsert at the original position on save failure.
			s.jobs = append(s.jobs[:i], append([]Job{existing}, s.jobs[i:]...)...)
			return false, fmt.Errorf("save registry: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// save rewrites the whole file atomically. Caller holds the write lock.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	pending, err := renameio.NewPendingFile(s.path)
	if err != nil {
		return fmt.Errorf("create pending registry file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			s.logger.Debug().Err(err).Msg("cleanup pending registry file")
		}
	}()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write registry data: %w", err)
	}
	// fsync + rename: durable and atomic.
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace registry file: %w", err)
	}
	return nil
}
