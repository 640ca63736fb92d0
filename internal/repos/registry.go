// Package repos maintains the hub's repository table. Repositories gate
// scheduling: tasks bound to a PAUSED repository stay queued until it is
// resumed. A repository the table does not know about never blocks a task.
package repos

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/store"
	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

var (
	// ErrNotFound is returned when the repository id is unknown.
	ErrNotFound = errors.New("repository not found")
	// ErrExists is returned by Create for a duplicate id.
	ErrExists = errors.New("repository already exists")
)

// Registry is the durable repository table with an in-memory cache.
type Registry struct {
	mu    sync.RWMutex
	table *store.Table
	repos map[string]*v1.Repository

	logger *logger.Logger
}

// NewRegistry opens the repositories table and loads it into memory.
func NewRegistry(st *store.Store, log *logger.Logger) (*Registry, error) {
	table, err := st.Table("repositories")
	if err != nil {
		return nil, err
	}

	r := &Registry{
		table:  table,
		repos:  make(map[string]*v1.Repository),
		logger: log.WithFields(zap.String("component", "repos")),
	}
	if err := table.Scan(func(key string, value []byte) error {
		var repo v1.Repository
		if err := json.Unmarshal(value, &repo); err != nil {
			return fmt.Errorf("decode repository %s: %w", key, err)
		}
		r.repos[repo.ID] = &repo
		return nil
	}); err != nil {
		_ = table.Close()
		return nil, err
	}

	r.logger.Info("repository table loaded", zap.Int("count", len(r.repos)))
	return r, nil
}

// Close releases the underlying table.
func (r *Registry) Close() error {
	return r.table.Close()
}

// Create adds a repository in ACTIVE state.
func (r *Registry) Create(req *v1.CreateRepositoryRequest) (*v1.Repository, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.repos[req.ID]; exists {
		return nil, ErrExists
	}
	repo := &v1.Repository{
		ID:            req.ID,
		URL:           req.URL,
		Name:          req.Name,
		Status:        v1.RepoActive,
		PriorityIndex: req.PriorityIndex,
	}
	if err := r.persist(repo); err != nil {
		return nil, err
	}
	r.repos[repo.ID] = repo

	cp := *repo
	return &cp, nil
}

// Get returns a copy of the repository.
func (r *Registry) Get(id string) (*v1.Repository, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	repo, ok := r.repos[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *repo
	return &cp, nil
}

// List returns all repositories ordered by priority index, then id.
func (r *Registry) List() []*v1.Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*v1.Repository, 0, len(r.repos))
	for _, repo := range r.repos {
		cp := *repo
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityIndex != out[j].PriorityIndex {
			return out[i].PriorityIndex < out[j].PriorityIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Pause stops scheduling of tasks bound to the repository.
func (r *Registry) Pause(id string) error {
	return r.setStatus(id, v1.RepoPaused)
}

// Resume re-enables scheduling of tasks bound to the repository.
func (r *Registry) Resume(id string) error {
	return r.setStatus(id, v1.RepoActive)
}

func (r *Registry) setStatus(id string, status v1.RepoStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, ok := r.repos[id]
	if !ok {
		return ErrNotFound
	}
	if repo.Status == status {
		return nil
	}
	next := *repo
	next.Status = status
	if err := r.persist(&next); err != nil {
		return err
	}
	r.repos[id] = &next

	r.logger.Info("repository status changed",
		zap.String("repo_id", id), zap.String("status", string(status)))
	return nil
}

// Delete removes the repository from the table. Tasks referencing it become
// schedulable again under the unknown-repo rule.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.repos[id]; !ok {
		return ErrNotFound
	}
	if err := r.table.Delete(id); err != nil {
		return err
	}
	delete(r.repos, id)
	return nil
}

// PausedSet returns the ids of all PAUSED repositories, in the shape the
// task queue's dequeue filter expects.
func (r *Registry) PausedSet() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	paused := make(map[string]bool)
	for id, repo := range r.repos {
		if repo.Status == v1.RepoPaused {
			paused[id] = true
		}
	}
	return paused
}

func (r *Registry) persist(repo *v1.Repository) error {
	data, err := json.Marshal(repo)
	if err != nil {
		return fmt.Errorf("encode repository %s: %w", repo.ID, err)
	}
	return r.table.Put(repo.ID, data)
}
