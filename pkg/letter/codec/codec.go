// Package codec provides payload codecs whose Encode and Decode methods
// plug into letter.EncodeFunc and letter.DecodeFunc.
package codec

import (
	"fmt"
	"sort"
	"sync"

	"github.com/billm/letterbox/pkg/types"
)

// Codec serializes payload values into letter buffers
type Codec interface {
	// Name identifies the codec, e.g. "json"
	Name() string
	// Encode writes v into dst and returns the bytes used
	Encode(dst []byte, v any) (int, error)
	// Decode reads src into v and returns the bytes consumed
	Decode(src []byte, v any) (int, error)
}

// Registry maps codec names to codecs
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Codec
}

// NewRegistry returns a registry preloaded with the JSON, Protobuf and
// CBOR codecs
func NewRegistry() (*Registry, error) {
	r := &Registry{byName: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(Proto())
	c, err := CBOR()
	if err != nil {
		return nil, err
	}
	r.Register(c)
	return r, nil
}

// Register adds or replaces a codec
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[c.Name()] = c
}

// Get returns the codec registered under name
func (r *Registry) Get(name string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	if !ok {
		return nil, types.NewError(types.ErrCodeNotFound, "codec not found: "+name)
	}
	return c, nil
}

// Names lists registered codec names in sorted order
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

// place copies an encoded payload into dst
func place(dst, encoded []byte) (int, error) {
	if len(encoded) > len(dst) {
		return 0, types.NewError(types.ErrCodeEnvelopeTooSmall,
			fmt.Sprintf("encoded payload of %d bytes exceeds letter capacity %d", len(encoded), len(dst)))
	}
	return copy(dst, encoded), nil
}
