package mailbox

import (
	"fmt"
	"sort"
	"sync"

	"github.com/billm/letterbox/internal/logger"
	"github.com/billm/letterbox/pkg/types"
)

// MaxCapacity bounds a single mailbox allocation
const MaxCapacity = 64 << 20

// Registry allocates mailboxes by name and resolves them by name or id
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Mailbox
	byID   map[ID]*Mailbox
	nextID ID
	logger *logger.Logger
}

// NewRegistry creates an empty mailbox registry
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Global()
	}
	return &Registry{
		byName: make(map[string]*Mailbox),
		byID:   make(map[ID]*Mailbox),
		logger: log,
	}
}

// Create allocates a new mailbox holding up to capacity bytes of entry
// headers and blocks
func (r *Registry) Create(name string, capacity int) (*Mailbox, error) {
	if name == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "mailbox name cannot be empty")
	}
	if capacity <= EntryHeaderSize {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("mailbox capacity %d too small", capacity))
	}
	if capacity > MaxCapacity {
		return nil, types.NewError(types.ErrCodeOutOfMemory,
			fmt.Sprintf("mailbox capacity %d exceeds limit %d", capacity, MaxCapacity))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return nil, types.NewError(types.ErrCodeAlreadyExists, "mailbox already exists: "+name)
	}

	id := r.nextID
	r.nextID++
	m := newMailbox(id, name, capacity, r.logger)
	r.byName[name] = m
	r.byID[id] = m

	r.logger.Debug("Mailbox created", "mailbox", name, "mailbox_id", int32(id), "capacity", capacity)
	return m, nil
}

// Find returns the mailbox registered under name
func (r *Registry) Find(name string) (*Mailbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byName[name]
	if !ok {
		return nil, types.NewError(types.ErrCodeNotFound, "mailbox not found: "+name)
	}
	return m, nil
}

// Lookup returns the mailbox with the given id
func (r *Registry) Lookup(id ID) (*Mailbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byID[id]
	if !ok {
		return nil, types.NewError(types.ErrCodeNotFound, fmt.Sprintf("mailbox id not found: %d", id))
	}
	return m, nil
}

// Remove closes and unregisters a mailbox
func (r *Registry) Remove(id ID) error {
	r.mu.Lock()
	m, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byName, m.name)
	}
	r.mu.Unlock()

	if !ok {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("mailbox id not found: %d", id))
	}
	m.Close()
	r.logger.Debug("Mailbox removed", "mailbox", m.name, "mailbox_id", int32(id))
	return nil
}

// Names returns the registered mailbox names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes and unregisters every mailbox
func (r *Registry) Close() {
	r.mu.Lock()
	boxes := make([]*Mailbox, 0, len(r.byID))
	for _, m := range r.byID {
		boxes = append(boxes, m)
	}
	r.byName = make(map[string]*Mailbox)
	r.byID = make(map[ID]*Mailbox)
	r.mu.Unlock()

	for _, m := range boxes {
		m.Close()
	}
}

// global registry instance
var (
	globalMu       sync.Mutex
	globalRegistry *Registry
	globalOnce     sync.Once
)

// InitGlobal initializes the process-wide registry exactly once
func InitGlobal(log *logger.Logger) {
	globalOnce.Do(func() {
		globalMu.Lock()
		defer globalMu.Unlock()
		if globalRegistry == nil {
			globalRegistry = NewRegistry(log)
		}
	})
}

// Global returns the process-wide registry, creating it on first use
func Global() *Registry {
	InitGlobal(nil)
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalRegistry
}

// SetGlobal replaces the process-wide registry
func SetGlobal(r *Registry) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalRegistry = r
}
