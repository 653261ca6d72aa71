// Package ability defines callable abilities and the registry minions use
// to expose them to an LLM during a tool loop.
package ability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/poseylabs/posey/internal/llm"
)

// ErrUnknownAbility is returned when a name is not registered and no
// fallback is configured.
var ErrUnknownAbility = errors.New("unknown ability")

// Ability is something an LLM can invoke by name.
type Ability interface {
	Name() string
	Description() string
	// InputSchema is a JSON Schema object sent as the tool's input_schema.
	InputSchema() map[string]any
	// Validate checks params before Execute runs.
	Validate(params map[string]any) error
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of one execution.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// MaxOutputBytes caps what an ability hands back to the model.
const MaxOutputBytes = 64 << 10

// Spec describes an ability without instantiating it.
type Spec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Factory builds an ability on first use.
type Factory func() (Ability, error)

type entry struct {
	spec    Spec
	factory Factory

	once     sync.Once
	instance Ability
	err      error
}

func (e *entry) get() (Ability, error) {
	e.once.Do(func() {
		if e.instance != nil {
			return
		}
		e.instance, e.err = e.factory()
		if e.err == nil && e.instance == nil {
			e.err = fmt.Errorf("factory for %q returned nil", e.spec.Name)
		}
	})
	return e.instance, e.err
}

// Registry holds abilities keyed by name. Registration happens at startup;
// lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	fallback string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a constructed ability. Duplicate names panic.
func (r *Registry) Register(a Ability) {
	e := &entry{
		spec:     Spec{Name: a.Name(), Description: a.Description(), InputSchema: a.InputSchema()},
		instance: a,
	}
	r.add(e)
}

// RegisterFactory adds an ability that is built on its first Get.
// A failed build is remembered and returned on every later Get.
func (r *Registry) RegisterFactory(spec Spec, f Factory) {
	r.add(&entry{spec: spec, factory: f})
}

func (r *Registry) add(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.spec.Name]; exists {
		panic("duplicate ability registration: " + e.spec.Name)
	}
	r.entries[e.spec.Name] = e
}

// SetFallback names the ability Resolve returns for unknown names.
func (r *Registry) SetFallback(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("fallback %q: %w", name, ErrUnknownAbility)
	}
	r.fallback = name
	return nil
}

// Get returns the named ability, building it if needed.
func (r *Registry) Get(name string) (Ability, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownAbility)
	}
	return e.get()
}

// Resolve is Get with the registry fallback applied to unknown names.
// The returned name is the ability that will actually run.
func (r *Registry) Resolve(name string) (Ability, string, error) {
	a, err := r.Get(name)
	if err == nil || !errors.Is(err, ErrUnknownAbility) {
		return a, name, err
	}
	r.mu.RLock()
	fb := r.fallback
	r.mu.RUnlock()
	if fb == "" {
		return nil, "", err
	}
	a, err = r.Get(fb)
	return a, fb, err
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// List returns the sorted registered names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns every ability's spec, sorted by name.
func (r *Registry) Specs() []Spec {
	names := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(names))
	for _, n := range names {
		specs = append(specs, r.entries[n].spec)
	}
	return specs
}

// Definitions converts the named abilities (all when names is empty) into
// LLM tool definitions. Unknown names are skipped.
func (r *Registry) Definitions(names ...string) []llm.ToolDefinition {
	if len(names) == 0 {
		names = r.List()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, n := range names {
		e, ok := r.entries[n]
		if !ok {
			continue
		}
		schema := e.spec.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, llm.ToolDefinition{Name: e.spec.Name, Description: e.spec.Description, InputSchema: schema})
	}
	return defs
}

type contextKey int

const userIDKey contextKey = iota

// ContextWithUserID attaches the caller's user ID for abilities that
// scope data per user.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the user ID, or "".
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// TruncateOutput caps s at maxBytes, appending a notice when cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return CutUTF8(s, maxBytes)
	}
	return CutUTF8(s, maxBytes-len(suffix)) + suffix
}

// CutUTF8 returns the longest prefix of s no longer than n bytes that does
// not split a rune.
func CutUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// StringParam reads a required non-empty string parameter.
func StringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("parameter %q is required and must be a non-empty string", key)
	}
	return v, nil
}

// IntParam reads an optional integer parameter. JSON numbers arrive as float64.
func IntParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}
