package minion

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownMinion is returned for names that are not registered.
var ErrUnknownMinion = errors.New("unknown minion")

// Factory builds a minion on first use.
type Factory func() (Minion, error)

// Info describes a registered minion without building it.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type entry struct {
	info    Info
	factory Factory

	once sync.Once
	m    Minion
	err  error
}

func (e *entry) get() (Minion, error) {
	e.once.Do(func() {
		e.m, e.err = e.factory()
		if e.err != nil {
			e.err = fmt.Errorf("building minion %s: %w", e.info.Name, e.err)
		}
	})
	return e.m, e.err
}

// Registry holds minion factories keyed by name.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	fallback string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a lazily built minion. It panics on duplicate names.
func (r *Registry) Register(name, description string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		panic(fmt.Sprintf("minion %q registered twice", name))
	}
	r.entries[name] = &entry{info: Info{Name: name, Description: description}, factory: f}
}

// SetFallback names the minion that unknown names resolve to.
func (r *Registry) SetFallback(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("fallback minion %q: %w", name, ErrUnknownMinion)
	}
	r.fallback = name
	return nil
}

// Fallback returns the fallback minion name, or "".
func (r *Registry) Fallback() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// Get builds (once) and returns the named minion.
func (r *Registry) Get(name string) (Minion, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMinion, name)
	}
	return e.get()
}

// Resolve returns the named minion, or the fallback when name is unknown.
// The second return value is the name actually used.
func (r *Registry) Resolve(name string) (Minion, string, error) {
	resolved := r.ResolveName(name)
	if resolved == "" {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownMinion, name)
	}
	m, err := r.Get(resolved)
	return m, resolved, err
}

// ResolveName maps name onto a registered minion without building it.
// It returns "" when name is unknown and there is no fallback.
func (r *Registry) ResolveName(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name = strings.TrimSpace(name)
	if _, ok := r.entries[name]; ok {
		return name
	}
	return r.fallback
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Catalogue returns every minion's name and description.
func (r *Registry) Catalogue() []Info {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(names))
	for _, n := range names {
		out = append(out, r.entries[n].info)
	}
	return out
}

// Describe renders the catalogue as a bullet list for planner prompts.
// When allow is non-empty only those minions are listed.
func (r *Registry) Describe(allow ...string) string {
	allowed := make(map[string]bool, len(allow))
	for _, a := range allow {
		allowed[a] = true
	}
	var b strings.Builder
	for _, info := range r.Catalogue() {
		if len(allowed) > 0 && !allowed[info.Name] {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", info.Name, info.Description)
	}
	return b.String()
}
