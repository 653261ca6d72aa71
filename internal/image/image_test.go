package image

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/poseylabs/posey/internal/ability"
)

type fakeProvider struct {
	name string
	last *Request
	err  error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(_ context.Context, req *Request) (*Result, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	res := &Result{Model: "fake-1"}
	for range req.Count {
		res.Images = append(res.Images, Image{URL: "https://img.example.com/" + f.name + ".png"})
	}
	return res, nil
}

func TestNormalize(t *testing.T) {
	r := &Request{Prompt: "  a cat  ", Count: 9}
	if err := r.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if r.Prompt != "a cat" || r.Size != DefaultSize || r.Count != MaxCount {
		t.Errorf("normalized = %+v", r)
	}

	if err := (&Request{Prompt: " "}).Normalize(); err == nil {
		t.Error("blank prompt should fail")
	}
	if err := (&Request{Prompt: "x", Size: "big"}).Normalize(); err == nil {
		t.Error("bad size should fail")
	}
}

func TestParseSize(t *testing.T) {
	w, h, err := ParseSize("1792x1024")
	if err != nil || w != 1792 || h != 1024 {
		t.Errorf("ParseSize = %d %d %v", w, h, err)
	}
	for _, s := range []string{"", "1024", "0x10", "x512"} {
		if _, _, err := ParseSize(s); err == nil {
			t.Errorf("ParseSize(%q) should fail", s)
		}
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve("openai"); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("empty registry: %v", err)
	}

	openai := &fakeProvider{name: "openai"}
	stability := &fakeProvider{name: "stability"}
	r.Register(openai)
	r.Register(stability)

	if r.Default() != "openai" {
		t.Errorf("default = %q, want first registered", r.Default())
	}
	if p, _ := r.Resolve("stability"); p != stability {
		t.Error("named lookup failed")
	}
	if p, _ := r.Resolve("midjourney"); p != openai {
		t.Error("unknown name should resolve to default")
	}
	if err := r.SetDefault("stability"); err != nil {
		t.Fatal(err)
	}
	if p, _ := r.Resolve(""); p != stability {
		t.Error("empty name should resolve to new default")
	}
	if err := r.SetDefault("nope"); err == nil {
		t.Error("SetDefault on unknown provider should fail")
	}
	if got := r.Names(); len(got) != 2 || got[0] != "openai" {
		t.Errorf("Names = %v", got)
	}
}

func TestRegistryGenerate(t *testing.T) {
	r := NewRegistry()
	p := &fakeProvider{name: "openai"}
	r.Register(p)

	res, err := r.Generate(context.Background(), "", &Request{Prompt: "sunset", Count: 2})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Provider != "openai" || len(res.Images) != 2 {
		t.Errorf("result = %+v", res)
	}
	if p.last.Size != DefaultSize {
		t.Errorf("request not normalized: %+v", p.last)
	}

	p.err = errors.New("quota exceeded")
	if _, err := r.Generate(context.Background(), "", &Request{Prompt: "x"}); !errors.Is(err, p.err) {
		t.Errorf("provider error not wrapped: %v", err)
	}
}

func TestAbility(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeProvider{name: "stability"})
	a := NewAbility(r)

	if err := a.Validate(map[string]any{}); err == nil {
		t.Error("missing prompt should fail validation")
	}
	res, err := a.Execute(context.Background(), map[string]any{"prompt": "a fox", "count": float64(2)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var out struct {
		Provider string `json:"provider"`
		Images   []struct {
			URL string `json:"url"`
		} `json:"images"`
	}
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Provider != "stability" || len(out.Images) != 2 {
		t.Errorf("output = %s", res.Output)
	}
	if _, ok := res.Metadata["result"].(*Result); !ok {
		t.Error("metadata should carry the full result")
	}
}

func TestRegisterAbility(t *testing.T) {
	reg := ability.NewRegistry()
	RegisterAbility(reg, NewRegistry())
	if !reg.Has("image_generate") {
		t.Fatal("image_generate not registered")
	}
	if specs := reg.Specs(); len(specs) != 1 || specs[0].InputSchema == nil {
		t.Errorf("specs = %+v", specs)
	}
	if _, err := reg.Get("image_generate"); err == nil {
		t.Error("building without providers should fail")
	}

	images := NewRegistry()
	reg = ability.NewRegistry()
	RegisterAbility(reg, images)
	images.Register(&fakeProvider{name: "openai"})
	a, err := reg.Get("image_generate")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	res, err := a.Execute(context.Background(), map[string]any{"prompt": "a lighthouse"})
	if err != nil || !res.Success {
		t.Errorf("Execute = %+v, %v", res, err)
	}
}
