package ability

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"unicode/utf8"
)

type echo struct{ name string }

func (e *echo) Name() string                { return e.name }
func (e *echo) Description() string         { return "echoes its input" }
func (e *echo) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (e *echo) Validate(p map[string]any) error {
	_, err := StringParam(p, "text")
	return err
}
func (e *echo) Execute(_ context.Context, p map[string]any) (*Result, error) {
	return &Result{Output: p["text"].(string), Success: true}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&echo{name: "echo"})

	a, err := r.Get("echo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	res, err := a.Execute(context.Background(), map[string]any{"text": "hi"})
	if err != nil || res.Output != "hi" {
		t.Fatalf("Execute = %v, %v", res, err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, ErrUnknownAbility) {
		t.Errorf("expected ErrUnknownAbility, got %v", err)
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(&echo{name: "echo"})
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	r.Register(&echo{name: "echo"})
}

func TestRegistry_LazyFactoryRunsOnce(t *testing.T) {
	r := NewRegistry()
	var builds atomic.Int32
	r.RegisterFactory(Spec{Name: "lazy", Description: "built later"}, func() (Ability, error) {
		builds.Add(1)
		return &echo{name: "lazy"}, nil
	})

	if builds.Load() != 0 {
		t.Fatal("factory must not run at registration")
	}
	if defs := r.Definitions("lazy"); len(defs) != 1 || defs[0].Description != "built later" {
		t.Fatalf("definitions = %+v", defs)
	}
	if builds.Load() != 0 {
		t.Fatal("definitions must not instantiate")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Get("lazy"); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()
	if builds.Load() != 1 {
		t.Errorf("factory ran %d times, want 1", builds.Load())
	}
}

func TestRegistry_FactoryErrorIsSticky(t *testing.T) {
	r := NewRegistry()
	var builds int
	r.RegisterFactory(Spec{Name: "broken"}, func() (Ability, error) {
		builds++
		return nil, errors.New("no browser")
	})
	for i := 0; i < 2; i++ {
		if _, err := r.Get("broken"); err == nil || !strings.Contains(err.Error(), "no browser") {
			t.Fatalf("expected build error, got %v", err)
		}
	}
	if builds != 1 {
		t.Errorf("builds = %d, want 1", builds)
	}
}

func TestRegistry_ResolveFallback(t *testing.T) {
	r := NewRegistry()
	r.Register(&echo{name: "web_search"})

	if _, _, err := r.Resolve("nope"); !errors.Is(err, ErrUnknownAbility) {
		t.Fatalf("without fallback expected ErrUnknownAbility, got %v", err)
	}
	if err := r.SetFallback("missing"); err == nil {
		t.Fatal("SetFallback must reject unknown names")
	}
	if err := r.SetFallback("web_search"); err != nil {
		t.Fatal(err)
	}
	a, name, err := r.Resolve("nope")
	if err != nil || name != "web_search" || a.Name() != "web_search" {
		t.Errorf("Resolve = %v %q %v", a, name, err)
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&echo{name: "b"})
	r.Register(&echo{name: "a"})
	r.RegisterFactory(Spec{Name: "c"}, func() (Ability, error) { return &echo{name: "c"}, nil })
	if got := strings.Join(r.List(), ","); got != "a,b,c" {
		t.Errorf("List = %q", got)
	}
	if len(r.Definitions()) != 3 {
		t.Errorf("expected 3 definitions")
	}
	if defs := r.Definitions("c"); defs[0].InputSchema["type"] != "object" {
		t.Errorf("nil schema should default to an object schema")
	}
}

func TestUserIDContext(t *testing.T) {
	ctx := ContextWithUserID(context.Background(), "u1")
	if got := UserIDFromContext(ctx); got != "u1" {
		t.Errorf("got %q", got)
	}
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := TruncateOutput("short", 100); got != "short" {
		t.Errorf("got %q", got)
	}
	got := TruncateOutput(strings.Repeat("x", 200), 50)
	if len(got) != 50 || !strings.HasSuffix(got, "[output truncated]") {
		t.Errorf("unexpected truncation %q", got)
	}
}

func TestCutUTF8(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"abc", 5, "abc"},
		{"abc", 2, "ab"},
		{"aé", 2, "a"},
		{"aé", 3, "aé"},
		{"日本", 4, "日"},
		{"日本", 2, ""},
		{"abc", 0, ""},
	}
	for _, tt := range tests {
		if got := CutUTF8(tt.in, tt.n); got != tt.want {
			t.Errorf("CutUTF8(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}

	got := TruncateOutput(strings.Repeat("ü", 100), 51)
	if !utf8.ValidString(got) || !strings.HasSuffix(got, "[output truncated]") || len(got) > 51 {
		t.Errorf("TruncateOutput = %q", got)
	}
}

func TestParams(t *testing.T) {
	if _, err := StringParam(map[string]any{"q": ""}, "q"); err == nil {
		t.Error("empty string should fail")
	}
	if got := IntParam(map[string]any{"n": float64(3)}, "n", 1); got != 3 {
		t.Errorf("IntParam = %d", got)
	}
	if got := IntParam(nil, "n", 7); got != 7 {
		t.Errorf("default = %d", got)
	}
}
