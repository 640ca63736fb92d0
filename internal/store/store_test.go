package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/agentcom/agentcom/internal/common/logger"
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

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	st, err := Open(dir, newTestLogger(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return st
}

func TestTablePutGetDelete(t *testing.T) {
	st := openTestStore(t, t.TempDir())
	table, err := st.Table("things")
	if err != nil {
		t.Fatalf("Table failed: %v", err)
	}
	defer func() { _ = table.Close() }()

	if err := table.Put("k1", []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := table.Get("k1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("Get = %q, want %q", got, "v1")
	}

	// Overwrite
	if err := table.Put("k1", []byte("v2")); err != nil {
		t.Fatalf("Put overwrite failed: %v", err)
	}
	got, _ = table.Get("k1")
	if string(got) != "v2" {
		t.Errorf("Get after overwrite = %q, want %q", got, "v2")
	}

	if err := table.Delete("k1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := table.Get("k1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}

	// Deleting a missing key is not an error.
	if err := table.Delete("nope"); err != nil {
		t.Errorf("Delete missing key failed: %v", err)
	}
}

func TestTableSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	st := openTestStore(t, dir)
	table, err := st.Table("things")
	if err != nil {
		t.Fatalf("Table failed: %v", err)
	}
	if err := table.Put("k", []byte("durable")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := table.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	st2 := openTestStore(t, dir)
	table2, err := st2.Table("things")
	if err != nil {
		t.Fatalf("reopen Table failed: %v", err)
	}
	defer func() { _ = table2.Close() }()

	got, err := table2.Get("k")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(got) != "durable" {
		t.Errorf("Get after reopen = %q, want %q", got, "durable")
	}
}

func TestTableScanAndCount(t *testing.T) {
	st := openTestStore(t, t.TempDir())
	table, err := st.Table("things")
	if err != nil {
		t.Fatalf("Table failed: %v", err)
	}
	defer func() { _ = table.Close() }()

	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		if err := table.Put(k, []byte(v)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	seen := make(map[string]string)
	if err := table.Scan(func(key string, value []byte) error {
		seen[key] = string(value)
		return nil
	}); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(seen) != len(want) {
		t.Fatalf("Scan saw %d records, want %d", len(seen), len(want))
	}
	for k, v := range want {
		if seen[k] != v {
			t.Errorf("Scan[%q] = %q, want %q", k, seen[k], v)
		}
	}

	n, err := table.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != len(want) {
		t.Errorf("Count = %d, want %d", n, len(want))
	}
}

func TestTableCompact(t *testing.T) {
	st := openTestStore(t, t.TempDir())
	table, err := st.Table("things")
	if err != nil {
		t.Fatalf("Table failed: %v", err)
	}
	defer func() { _ = table.Close() }()

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%02d", i)
		if err := table.Put(key, make([]byte, 1024)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	var keys []string
	if err := table.Scan(func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	for _, key := range keys {
		if err := table.Delete(key); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
	}

	if err := table.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	n, err := table.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Count after compact = %d, want 0", n)
	}
}

func TestSeparateTablesAreIsolated(t *testing.T) {
	st := openTestStore(t, t.TempDir())
	a, err := st.Table("alpha")
	if err != nil {
		t.Fatalf("Table failed: %v", err)
	}
	defer func() { _ = a.Close() }()
	b, err := st.Table("beta")
	if err != nil {
		t.Fatalf("Table failed: %v", err)
	}
	defer func() { _ = b.Close() }()

	if err := a.Put("k", []byte("from-alpha")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := b.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("beta should not see alpha's key, got err=%v", err)
	}
}
