package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

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

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func component(name string, rec *recorder, startErr error) Component {
	return Component{
		Name: name,
		Start: func(ctx context.Context) error {
			if startErr != nil {
				return startErr
			}
			rec.add("start:" + name)
			return nil
		},
		Stop: func() { rec.add("stop:" + name) },
	}
}

func TestStartAndStopOrder(t *testing.T) {
	sup := New(newTestLogger(t))
	rec := &recorder{}

	sup.Add(component("a", rec, nil))
	sup.Add(component("b", rec, nil))
	sup.Add(component("c", rec, nil))

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sup.Stop()

	want := []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}
	got := rec.list()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestStartFailureRollsBack(t *testing.T) {
	sup := New(newTestLogger(t))
	rec := &recorder{}

	sup.Add(component("a", rec, nil))
	sup.Add(component("b", rec, errors.New("refused")))
	sup.Add(component("c", rec, nil))

	err := sup.Start(context.Background())
	if err == nil {
		t.Fatal("Start should fail when a component refuses to start")
	}

	got := rec.list()
	// a started and was rolled back; b never started, c was never reached.
	want := []string{"start:a", "stop:a"}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestSuperviseRestartsAfterError(t *testing.T) {
	sup := New(newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	runs := 0
	sup.Supervise(ctx, "flaky", func(ctx context.Context) error {
		mu.Lock()
		runs++
		n := runs
		mu.Unlock()
		if n < 2 {
			return errors.New("transient")
		}
		<-ctx.Done()
		return nil
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := runs
		mu.Unlock()
		if n >= 2 {
			cancel()
			sup.Stop()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("supervised loop was not restarted")
}

func TestSuperviseRecoversPanic(t *testing.T) {
	sup := New(newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	runs := 0
	sup.Supervise(ctx, "panicky", func(ctx context.Context) error {
		mu.Lock()
		runs++
		n := runs
		mu.Unlock()
		if n < 2 {
			panic("boom")
		}
		<-ctx.Done()
		return nil
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := runs
		mu.Unlock()
		if n >= 2 {
			cancel()
			sup.Stop()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("supervised loop did not survive the panic")
}

func TestSuperviseExitsOnCleanReturn(t *testing.T) {
	sup := New(newTestLogger(t))

	done := make(chan struct{})
	sup.Supervise(context.Background(), "oneshot", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never ran")
	}
	// A clean return must not be restarted; Stop returns promptly.
	stopped := make(chan struct{})
	go func() {
		sup.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung after a clean loop exit")
	}
}
