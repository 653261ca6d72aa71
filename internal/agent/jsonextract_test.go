package agent

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]any
	}{
		{"plain", `{"a": 1}`, map[string]any{"a": 1.0}},
		{"fenced", "Here you go:\n```json\n{\"a\": \"x\"}\n```\nThanks!", map[string]any{"a": "x"}},
		{"prose around", `Sure, here's what I found: {"ok": true} hope that helps`, map[string]any{"ok": true}},
		{"trailing comma", `{"a": [1, 2,], "b": 2,}`, map[string]any{"a": []any{1.0, 2.0}, "b": 2.0}},
		{"single quotes", `{'name': 'posey', 'n': 3}`, map[string]any{"name": "posey", "n": 3.0}},
		{"missing comma", "{\n  \"a\": \"x\"\n  \"b\": 2\n  \"c\": true\n}", map[string]any{"a": "x", "b": 2.0, "c": true}},
		{"raw newline in string", "{\"text\": \"line one\nline two\"}", map[string]any{"text": "line one\nline two"}},
		{"brace in prose first", `use {curly} syntax: {"a": 1}`, map[string]any{"a": 1.0}},
		{"nested", `{"plan": {"steps": [{"id": "s1"}]}}`, map[string]any{"plan": map[string]any{"steps": []any{map[string]any{"id": "s1"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := ExtractJSON(tt.in)
			if err != nil {
				t.Fatalf("ExtractJSON: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal([]byte(raw), &got); err != nil {
				t.Fatalf("result is not valid JSON: %v (%s)", err, raw)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractJSON_Errors(t *testing.T) {
	if _, err := ExtractJSON("no json here"); !errors.Is(err, ErrNoJSON) {
		t.Errorf("expected ErrNoJSON, got %v", err)
	}
	if _, err := ExtractJSON(`[{"a": 1}]`); !errors.Is(err, ErrNotObject) {
		t.Errorf("expected ErrNotObject for array, got %v", err)
	}
	if _, err := ExtractJSON(`{"a": `); !errors.Is(err, ErrNoJSON) {
		t.Errorf("truncated object should not extract, got %v", err)
	}
}

func TestDecode_Validation(t *testing.T) {
	_, err := Decode[verdict](`{"label": "perhaps", "score": 11}`)
	var fe FieldErrors
	if !errors.As(err, &fe) {
		t.Fatalf("expected FieldErrors, got %v", err)
	}
	if len(fe) != 2 {
		t.Fatalf("expected 2 field errors, got %v", fe)
	}
	if fe[0].Field != "label" || fe[0].Rule != "oneof" {
		t.Errorf("first error = %+v", fe[0])
	}
	if !strings.Contains(err.Error(), "score") {
		t.Errorf("message should name the field: %v", err)
	}
}

func TestDecode_TypeMismatch(t *testing.T) {
	if _, err := Decode[verdict](`{"label": "yes", "score": "high"}`); err == nil {
		t.Error("expected decode error")
	}
}

func TestDecode_Map(t *testing.T) {
	v, err := Decode[map[string]any](`{"x": 1}`)
	if err != nil || v["x"] != 1.0 {
		t.Errorf("Decode map = %v, %v", v, err)
	}
}

type planLike struct {
	Reasoning string `json:"reasoning" jsonschema:"description=why these steps"`
	Steps     []struct {
		ID     string `json:"id"`
		Minion string `json:"minion" jsonschema:"enum=research,enum=memory"`
	} `json:"steps"`
	Note string `json:"note,omitempty"`
}

func TestSchema(t *testing.T) {
	s := Schema[planLike]()
	if s["type"] != "object" {
		t.Fatalf("type = %v", s["type"])
	}
	props, ok := s["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties missing: %v", s)
	}
	for _, k := range []string{"reasoning", "steps", "note"} {
		if _, ok := props[k]; !ok {
			t.Errorf("property %q missing", k)
		}
	}
	req, _ := s["required"].([]any)
	var names []string
	for _, r := range req {
		names = append(names, r.(string))
	}
	if strings.Contains(strings.Join(names, ","), "note") {
		t.Errorf("omitempty field should not be required: %v", names)
	}
	if _, ok := s["$schema"]; ok {
		t.Error("$schema should be stripped")
	}
	// cached
	if reflect.ValueOf(Schema[planLike]()).Pointer() != reflect.ValueOf(s).Pointer() {
		t.Error("schema should be cached per type")
	}
	if !strings.Contains(SchemaJSON[planLike](), `"minion"`) {
		t.Error("SchemaJSON should render nested properties")
	}
}
