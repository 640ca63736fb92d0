package repos

import (
	"errors"
	"testing"

	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/store"
	v1 "github.com/agentcom/agentcom/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func newTestRegistry(t *testing.T, dir string) *Registry {
	t.Helper()
	st, err := store.Open(dir, newTestLogger(t))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	r, err := NewRegistry(st, newTestLogger(t))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return r
}

func TestCreateGetDelete(t *testing.T) {
	r := newTestRegistry(t, t.TempDir())
	defer func() { _ = r.Close() }()

	repo, err := r.Create(&v1.CreateRepositoryRequest{ID: "backend", URL: "https://example.com/backend.git", Name: "Backend"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if repo.Status != v1.RepoActive {
		t.Errorf("new repo status = %s, want ACTIVE", repo.Status)
	}

	if _, err := r.Create(&v1.CreateRepositoryRequest{ID: "backend"}); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Create = %v, want ErrExists", err)
	}

	got, err := r.Get("backend")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/backend.git" {
		t.Errorf("URL = %q", got.URL)
	}

	if err := r.Delete("backend"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := r.Get("backend"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := r.Delete("backend"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestPauseResume(t *testing.T) {
	r := newTestRegistry(t, t.TempDir())
	defer func() { _ = r.Close() }()

	if _, err := r.Create(&v1.CreateRepositoryRequest{ID: "backend"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := r.Create(&v1.CreateRepositoryRequest{ID: "frontend"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := r.Pause("backend"); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	paused := r.PausedSet()
	if !paused["backend"] || paused["frontend"] {
		t.Errorf("PausedSet = %v, want only backend", paused)
	}

	// Pausing twice is a no-op, not an error.
	if err := r.Pause("backend"); err != nil {
		t.Fatalf("second Pause failed: %v", err)
	}

	if err := r.Resume("backend"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if len(r.PausedSet()) != 0 {
		t.Errorf("PausedSet after resume = %v, want empty", r.PausedSet())
	}

	if err := r.Pause("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Pause unknown repo = %v, want ErrNotFound", err)
	}
}

func TestListOrdering(t *testing.T) {
	r := newTestRegistry(t, t.TempDir())
	defer func() { _ = r.Close() }()

	for _, req := range []*v1.CreateRepositoryRequest{
		{ID: "zeta", PriorityIndex: 1},
		{ID: "alpha", PriorityIndex: 2},
		{ID: "beta", PriorityIndex: 1},
	} {
		if _, err := r.Create(req); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	list := r.List()
	want := []string{"beta", "zeta", "alpha"}
	if len(list) != len(want) {
		t.Fatalf("List returned %d repos, want %d", len(list), len(want))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("List[%d] = %s, want %s", i, list[i].ID, id)
		}
	}
}

func TestStateSurvivesReload(t *testing.T) {
	dir := t.TempDir()

	r := newTestRegistry(t, dir)
	if _, err := r.Create(&v1.CreateRepositoryRequest{ID: "backend"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := r.Pause("backend"); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r2 := newTestRegistry(t, dir)
	defer func() { _ = r2.Close() }()

	got, err := r2.Get("backend")
	if err != nil {
		t.Fatalf("Get after reload failed: %v", err)
	}
	if got.Status != v1.RepoPaused {
		t.Errorf("status after reload = %s, want PAUSED", got.Status)
	}
}
