// Package shutdown coordinates graceful termination of a letterbox process
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/billm/letterbox/internal/logger"
	"github.com/billm/letterbox/pkg/types"
)

// State represents the current state of the shutdown process
type State string

const (
	// StateRunning indicates the process is running normally
	StateRunning State = "running"
	// StateInitiated indicates shutdown has been initiated
	StateInitiated State = "initiated"
	// StateStopping indicates hooks are running
	StateStopping State = "stopping"
	// StateComplete indicates shutdown is complete
	StateComplete State = "complete"
)

// String returns a string representation of the state
func (s State) String() string {
	return string(s)
}

// Hook is called during shutdown, in registration order
type Hook func(ctx context.Context) error

// Manager cancels the run context on SIGINT, SIGTERM or an explicit
// Shutdown, then runs the registered hooks
type Manager struct {
	mu         sync.RWMutex
	state      State
	timeout    time.Duration
	hookLimit  time.Duration
	hooks      []Hook
	signalChan chan os.Signal
	runCtx     context.Context
	runCancel  context.CancelFunc
	stopSignal chan struct{}
	started    bool
	done       chan struct{}
	reason     string
	startedAt  time.Time
	logger     *logger.Logger
}

// New creates a shutdown manager whose hooks share timeout
func New(timeout time.Duration, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Global()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		state:      StateRunning,
		timeout:    timeout,
		hookLimit:  5 * time.Second,
		signalChan: make(chan os.Signal, 1),
		runCtx:     ctx,
		runCancel:  cancel,
		done:       make(chan struct{}),
		logger:     log.With("component", "shutdown_manager"),
	}
}

// Start begins listening for shutdown signals
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	signal.Notify(m.signalChan, syscall.SIGINT, syscall.SIGTERM)
	m.stopSignal = make(chan struct{})
	m.started = true
	go m.handleSignals(m.stopSignal)

	m.logger.Debug("Shutdown manager started", "timeout", m.timeout.String())
}

// Stop stops listening for signals
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}
	signal.Stop(m.signalChan)
	close(m.stopSignal)
	m.started = false
}

// Context returns a context canceled as soon as shutdown begins
func (m *Manager) Context() context.Context {
	return m.runCtx
}

// AddHook registers a hook to run during shutdown
func (m *Manager) AddHook(hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Shutdown cancels the run context and runs the hooks. Only the first
// call proceeds; later calls fail with FAILED_PRECONDITION.
func (m *Manager) Shutdown(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}
	m.state = StateInitiated
	m.reason = reason
	m.startedAt = time.Now()
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	m.logger.Info("Shutdown initiated", "reason", reason)
	m.runCancel()

	shutdownCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.setState(StateStopping)
	err := m.runHooks(shutdownCtx, hooks)

	m.setState(StateComplete)
	close(m.done)
	m.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(m.startedAt).String())
	return err
}

func (m *Manager) runHooks(ctx context.Context, hooks []Hook) error {
	var failed []error
	for i, hook := range hooks {
		hookCtx, cancel := context.WithTimeout(ctx, m.hookLimit)
		if err := hook(hookCtx); err != nil {
			m.logger.Error("Shutdown hook failed", "hook", i, "error", err)
			failed = append(failed, err)
		}
		cancel()

		if ctx.Err() != nil {
			m.logger.Warn("Shutdown hooks canceled", "remaining", len(hooks)-i-1)
			return types.WrapError(types.ErrCodeCanceled, "hook execution canceled", ctx.Err())
		}
	}

	if len(failed) > 0 {
		return types.WrapError(types.ErrCodePartialFailure, fmt.Sprintf("%d shutdown hooks failed", len(failed)), failed[0])
	}
	return nil
}

// Wait blocks until shutdown completes or ctx is done
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for shutdown canceled", ctx.Err())
	}
}

// State returns the current shutdown state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Reason returns the reason given for shutdown
func (m *Manager) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

func (m *Manager) handleSignals(stop <-chan struct{}) {
	select {
	case sig := <-m.signalChan:
		m.logger.Info("Shutdown signal received", "signal", sig.String())
		if err := m.Shutdown(context.Background(), "signal received: "+sig.String()); err != nil {
			m.logger.Error("Shutdown failed", "error", err)
		}
	case <-stop:
	}
}

// String returns a string representation of the shutdown manager
func (m *Manager) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return fmt.Sprintf("ShutdownManager{state: %s, timeout: %v, hooks: %d, started: %t}",
		m.state, m.timeout, len(m.hooks), m.started)
}
