// Package reader defines the capability surface a device reader exposes to the
// dispatcher, and the registry that resolves method names to capabilities.
package reader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/placqs/internal/protocol"
	"github.com/mattjoyce/placqs/internal/storage"
)

// ErrNotFound is returned by Resolve when no capability matches a method.
var ErrNotFound = errors.New("capability not found")

// Message is what a capability receives for one envelope. Session runs
// statements in the dispatch transaction; the dispatcher alone ends it.
type Message struct {
	Method      string
	Payload     map[string]any
	Session     storage.Work
	Node        string
	ConsumerTag string
}

// Capability handles one method. A returned error is treated as a fault by the
// dispatcher; business failures belong in a Result with status ERR.
type Capability func(ctx context.Context, msg Message) (protocol.Result, error)

// Registry maps lower-cased method names to capabilities. It is populated at
// construction time and read-only afterwards.
type Registry struct {
	caps map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Normalize is the lookup key for a method name.
func Normalize(method string) string {
	return strings.ToLower(strings.TrimSpace(method))
}

// Register adds a capability under method. Names are case-insensitive.
func (r *Registry) Register(method string, c Capability) error {
	key := Normalize(method)
	if key == "" {
		return fmt.Errorf("method name is empty")
	}
	if c == nil {
		return fmt.Errorf("capability for %q is nil", key)
	}
	if _, exists := r.caps[key]; exists {
		return fmt.Errorf("method %q already registered", key)
	}
	r.caps[key] = c
	return nil
}

// Resolve returns the capability for method, or an error wrapping ErrNotFound.
func (r *Registry) Resolve(method string) (Capability, error) {
	c, ok := r.caps[Normalize(method)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, method)
	}
	return c, nil
}

// Methods lists registered method names in sorted order.
func (r *Registry) Methods() []string {
	out := make([]string, 0, len(r.caps))
	for name := range r.caps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int { return len(r.caps) }

// Provider is anything that can contribute capabilities to a registry.
type Provider interface {
	Install(r *Registry) error
}

// Build assembles a registry from providers, failing on the first conflict.
func Build(providers ...Provider) (*Registry, error) {
	r := NewRegistry()
	for _, p := range providers {
		if err := p.Install(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}
