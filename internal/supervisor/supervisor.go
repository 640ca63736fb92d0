// Package supervisor starts the hub's components in dependency order, drains
// them in reverse on shutdown, and restarts supervised loops one-for-one
// when they fail.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/common/logger"
)

// Component is one startable unit. Start must be non-blocking: components
// launch their own goroutines and return.
type Component struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func()
}

// Supervisor owns the component lifecycle.
type Supervisor struct {
	logger *logger.Logger

	mu         sync.Mutex
	components []Component
	started    int
	wg         sync.WaitGroup
}

// New creates an empty supervisor.
func New(log *logger.Logger) *Supervisor {
	return &Supervisor{logger: log.WithFields(zap.String("component", "supervisor"))}
}

// Add registers a component. Registration order is start order.
func (s *Supervisor) Add(c Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components = append(s.components, c)
}

// Start brings every component up in order. On failure the components
// already running are stopped in reverse and the error returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.components {
		s.logger.Info("starting component", zap.String("name", c.Name))
		if err := c.Start(ctx); err != nil {
			s.logger.Error("component failed to start",
				zap.String("name", c.Name), zap.Error(err))
			s.stopLocked(i)
			return fmt.Errorf("start %s: %w", c.Name, err)
		}
		s.started = i + 1
	}
	return nil
}

// Stop drains all running components in reverse start order and waits for
// supervised loops to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopLocked(s.started)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Supervisor) stopLocked(n int) {
	for i := n - 1; i >= 0; i-- {
		c := s.components[i]
		if c.Stop == nil {
			continue
		}
		s.logger.Info("stopping component", zap.String("name", c.Name))
		c.Stop()
	}
	s.started = 0
}

// Supervise runs fn until the context is cancelled, restarting it with
// exponential backoff after an error or panic. One failing loop never takes
// its siblings down.
func (s *Supervisor) Supervise(ctx context.Context, name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		backoff := time.Second
		const maxBackoff = time.Minute
		for {
			err := s.runGuarded(ctx, name, fn)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				return
			}
			s.logger.Error("supervised loop failed, restarting",
				zap.String("name", name),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}()
}

func (s *Supervisor) runGuarded(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn(ctx)
}
