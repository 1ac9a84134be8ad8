/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gracefulshutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// GracefulShutdown ties the lifetime of a daemon's components to a single context. Components run until the context
// is cancelled, by a signal or by one of them failing, then cleanup hooks run and the process exits.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once      sync.Once
	readyOnce sync.Once
	wg        *sync.WaitGroup

	// ready is closed by Ready once every component has been registered with the wait group.
	ready chan struct{}

	hooksMu sync.Mutex
	hooks   []func() error

	exitFunc func(int)
}

// NewWithExit creates a new GracefulShutdown calling exitFunc instead of os.Exit.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	gs := &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		wg:       &sync.WaitGroup{},
		ready:    make(chan struct{}),
		exitFunc: exitFunc,
	}

	go func() {
		select {
		case <-gs.ready:
			<-ctx.Done()
			gs.Shutdown(0)
		case <-ctx.Done():
			slog.Warn("GracefulShutdown: context cancelled before Ready() was called - proceeding with shutdown anyway")
			gs.Shutdown(0)
		}
	}()

	return gs
}

// New creates a new GracefulShutdown cancelled by SIGTERM or SIGINT.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// Go runs a blocking component until it returns. A component returning an error other than the cancellation of
// the shared context shuts the process down with exit code 1.
func (s *GracefulShutdown) Go(name string, run func(ctx context.Context) error) {
	s.wg.Add(1)

	go func() {
		err := run(s.ctx)

		s.wg.Done()

		if err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(s.ctx, "❌ component failed", "component", name, "error", err)
			s.Shutdown(1)

			return
		}

		s.Shutdown(0)
	}()
}

// OnShutdown registers a hook run once every component has returned. Hooks run in reverse registration order.
func (s *GracefulShutdown) OnShutdown(hook func() error) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()

	s.hooks = append(s.hooks, hook)
}

// Shutdown cancels the context, waits for every component, runs the hooks and exits. Only the first call has
// any effect.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		slog.InfoContext(s.ctx, fmt.Sprintf("⌛ gracefully shutting down %s", s.name))

		s.cancel()
		s.wg.Wait()

		if err := s.runHooks(); err != nil {
			slog.Error("❌ cleanup failed", "error", err)

			if exitCode == 0 {
				exitCode = 1
			}
		}

		s.exitFunc(exitCode)
	})
}

func (s *GracefulShutdown) runHooks() error {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()

	var errs error
	for i := len(s.hooks) - 1; i >= 0; i-- {
		errs = errors.Join(errs, s.hooks[i]())
	}

	return errs
}

// Context returns the context of the graceful shutdown.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// CancelFunc returns the cancel function of the graceful shutdown.
func (s *GracefulShutdown) CancelFunc() context.CancelFunc {
	return s.cancel
}

// WaitGroup returns the wait group of the graceful shutdown.
func (s *GracefulShutdown) WaitGroup() *sync.WaitGroup {
	return s.wg
}

// Ready signals that every component has been registered.
//
// It must be called after the last call to Go or WaitGroup().Add. It is safe to call multiple times.
func (s *GracefulShutdown) Ready() {
	s.readyOnce.Do(func() {
		close(s.ready)
	})
}
