package protocol

import (
	"sort"
	"strings"
	"sync"

	"github.com/billm/letterbox/internal/config"
	"github.com/billm/letterbox/internal/logger"
	"github.com/billm/letterbox/pkg/mailbox"
	"github.com/billm/letterbox/pkg/types"
)

// Registry holds the tasks of a process, keyed by name. Each task touches
// only its own send table; the registry only guards the map.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	mailboxes *mailbox.Registry
	clock     Clock
	logger    *logger.Logger
}

// NewRegistry creates a task registry whose mailboxes live in mailboxes
func NewRegistry(mailboxes *mailbox.Registry, clock Clock, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Global()
	}
	if mailboxes == nil {
		mailboxes = mailbox.NewRegistry(log)
	}
	if clock == nil {
		clock = NewTickClock(config.DefaultTick)
	}
	return &Registry{
		tasks:     make(map[string]*Task),
		mailboxes: mailboxes,
		clock:     clock,
		logger:    log,
	}
}

// Spawn creates a task with its mailboxes. An empty name gets a generated one.
func (r *Registry) Spawn(name string, cfg TaskConfig) (*Task, error) {
	if name == "" {
		name = "task-" + strings.SplitN(types.GenerateID().String(), "-", 2)[0]
	}
	if strings.HasSuffix(name, ReplySuffix) {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "task name cannot end in "+ReplySuffix)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[name]; exists {
		return nil, types.NewError(types.ErrCodeAlreadyExists, "task already exists: "+name)
	}

	t, err := newTask(name, cfg, r.mailboxes, r.clock, r.logger)
	if err != nil {
		return nil, err
	}
	r.tasks[name] = t

	r.logger.Debug("Task spawned",
		"task", name,
		"max_sends", t.MaxSends(),
		"serving", t.request != nil)
	return t, nil
}

// Task returns the task registered under name
func (r *Registry) Task(name string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[name]
	if !ok {
		return nil, types.NewError(types.ErrCodeNotFound, "task not found: "+name)
	}
	return t, nil
}

// Remove closes and forgets the task registered under name
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	t, ok := r.tasks[name]
	delete(r.tasks, name)
	r.mu.Unlock()

	if !ok {
		return types.NewError(types.ErrCodeNotFound, "task not found: "+name)
	}
	return t.Close()
}

// Names returns the registered task names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Mailboxes returns the mailbox registry backing the tasks
func (r *Registry) Mailboxes() *mailbox.Registry {
	return r.mailboxes
}

// Clock returns the time base shared by the tasks
func (r *Registry) Clock() Clock {
	return r.clock
}

// Close closes every task
func (r *Registry) Close() {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = make(map[string]*Task)
	r.mu.Unlock()

	for _, t := range tasks {
		if err := t.Close(); err != nil {
			r.logger.Warn("Failed to close task", "task", t.Name(), "error", err)
		}
	}
}

var (
	globalMu       sync.Mutex
	globalRegistry *Registry
	globalOnce     sync.Once
)

// InitGlobal initializes the process-wide task registry exactly once,
// backed by the global mailbox registry and a clock ticking at
// cfg.Protocol.Tick
func InitGlobal(cfg *config.Config) {
	globalOnce.Do(func() {
		if cfg == nil {
			cfg = config.Default()
		}
		log := logger.Global()
		mailbox.InitGlobal(log)

		globalMu.Lock()
		defer globalMu.Unlock()
		if globalRegistry == nil {
			globalRegistry = NewRegistry(mailbox.Global(), NewTickClock(cfg.Protocol.Tick), log)
		}
	})
}

// Global returns the process-wide task registry, creating it with the
// default configuration on first use
func Global() *Registry {
	InitGlobal(nil)
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalRegistry
}

// SetGlobal replaces the process-wide task registry
func SetGlobal(r *Registry) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalRegistry = r
}
