// Package image defines the image-generation provider interface, a registry
// of named providers and the image_generate ability.
package image

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNoProvider is returned when the registry has nothing to resolve to.
var ErrNoProvider = errors.New("no image provider configured")

const (
	DefaultSize = "1024x1024"
	MaxCount    = 4
)

// Provider generates images from a text prompt.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Result, error)
}

// Request describes one generation.
type Request struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Size           string `json:"size,omitempty"`
	Style          string `json:"style,omitempty"`
	Count          int    `json:"count,omitempty"`
}

// Normalize fills defaults and clamps Count.
func (r *Request) Normalize() error {
	r.Prompt = strings.TrimSpace(r.Prompt)
	if r.Prompt == "" {
		return errors.New("image prompt is empty")
	}
	if r.Size == "" {
		r.Size = DefaultSize
	}
	if _, _, err := ParseSize(r.Size); err != nil {
		return err
	}
	r.Count = min(max(r.Count, 1), MaxCount)
	return nil
}

// ParseSize splits "WIDTHxHEIGHT".
func ParseSize(size string) (int, int, error) {
	var w, h int
	if _, err := fmt.Sscanf(strings.ToLower(size), "%dx%d", &w, &h); err != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid image size %q", size)
	}
	return w, h, nil
}

// Image is one generated picture. Exactly one of URL or B64 is set.
type Image struct {
	URL           string `json:"url,omitempty"`
	B64           string `json:"b64,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// Result is what a provider returns.
type Result struct {
	Images   []Image `json:"images"`
	Provider string  `json:"provider"`
	Model    string  `json:"model,omitempty"`
}

// Registry maps provider names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	def       string
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p. The first provider registered becomes the default.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.def == "" {
		r.def = p.Name()
	}
}

// SetDefault selects the provider used for empty or unknown names.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("default image provider %q is not registered", name)
	}
	r.def = name
	return nil
}

// Default returns the default provider name, or "" when empty.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// Resolve returns the named provider, or the default when name is empty or
// unknown.
func (r *Registry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	if p, ok := r.providers[r.def]; ok {
		return p, nil
	}
	return nil, ErrNoProvider
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len reports how many providers are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Generate normalizes req and runs it on the resolved provider.
func (r *Registry) Generate(ctx context.Context, provider string, req *Request) (*Result, error) {
	p, err := r.Resolve(provider)
	if err != nil {
		return nil, err
	}
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	res, err := p.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s image generation: %w", p.Name(), err)
	}
	if res.Provider == "" {
		res.Provider = p.Name()
	}
	return res, nil
}
