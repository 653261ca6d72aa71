package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

// validate is shared; validator caches struct metadata internally.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("nonblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// Validator returns the shared validator so other packages register the
// same custom tags.
func Validator() *validator.Validate { return validate }

// Validate runs the shared struct-tag validation on v.
func Validate(v any) error { return validateValue(v) }

// validateValue runs struct-tag validation when v is a struct.
func validateValue(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	if err := validate.Struct(rv.Interface()); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fieldErrors(verrs)
		}
		return err
	}
	return nil
}

// FieldError is one failed constraint, phrased for the model.
type FieldError struct {
	Field string
	Rule  string
	Param string
}

func (f FieldError) String() string {
	if f.Param != "" {
		return fmt.Sprintf("%s: failed %q (%s)", f.Field, f.Rule, f.Param)
	}
	return fmt.Sprintf("%s: failed %q", f.Field, f.Rule)
}

// FieldErrors is returned by Decode when validation tags fail.
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, f := range fe {
		parts[i] = f.String()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func fieldErrors(verrs validator.ValidationErrors) FieldErrors {
	out := make(FieldErrors, 0, len(verrs))
	for _, e := range verrs {
		// drop the root type name so paths read like JSON ("steps[0].minion")
		ns := e.Namespace()
		if i := strings.IndexByte(ns, '.'); i >= 0 {
			ns = ns[i+1:]
		}
		out = append(out, FieldError{Field: ns, Rule: e.Tag(), Param: e.Param()})
	}
	return out
}

var schemaCache sync.Map // reflect.Type -> map[string]any

// Schema returns the JSON schema of T as a plain map, suitable for
// embedding in prompts. Results are cached per type.
func Schema[T any]() map[string]any {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return map[string]any{"type": "object"}
	}
	if cached, ok := schemaCache.Load(t); ok {
		return cached.(map[string]any)
	}

	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
		Anonymous:      true,
	}
	s := r.ReflectFromType(t)
	s.Version = ""

	out := map[string]any{"type": "object"}
	if b, err := json.Marshal(s); err == nil {
		var m map[string]any
		if json.Unmarshal(b, &m) == nil {
			out = m
		}
	}
	schemaCache.Store(t, out)
	return out
}

// SchemaJSON renders Schema[T] as indented JSON.
func SchemaJSON[T any]() string {
	b, err := json.MarshalIndent(Schema[T](), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
