package schema

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
)

func objectSchema(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

func TestValidateObjectHappyPath(t *testing.T) {
	t.Parallel()

	v := Compile(objectSchema(map[string]*jsonschema.Schema{
		"path":  {Type: "string"},
		"depth": {Type: "integer"},
	}, "path"))

	got, err := v.Validate(map[string]any{"path": ".", "depth": float64(2)})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	want := map[string]any{"path": ".", "depth": int64(2)}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Validate() = %#v, want %#v", got, want)
	}
}

func TestValidateNilInputBecomesEmptyObject(t *testing.T) {
	t.Parallel()

	v := Compile(objectSchema(map[string]*jsonschema.Schema{
		"q": {Type: "string"},
	}))

	got, err := v.Validate(nil)
	if err != nil {
		t.Fatalf("Validate(nil) error = %v", err)
	}
	if !reflect.DeepEqual(got, map[string]any{}) {
		t.Fatalf("Validate(nil) = %#v, want empty map", got)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	t.Parallel()

	v := Compile(objectSchema(map[string]*jsonschema.Schema{
		"path": {Type: "string"},
	}, "path"))

	_, err := v.Validate(map[string]any{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate() error = %v, want *ValidationError", err)
	}
	if len(verr.Fields) != 1 {
		t.Fatalf("len(Fields) = %d, want 1", len(verr.Fields))
	}
	if verr.Fields[0].Path != "path" {
		t.Fatalf("Fields[0].Path = %q, want path", verr.Fields[0].Path)
	}
}

func TestValidateNestedPaths(t *testing.T) {
	t.Parallel()

	v := Compile(objectSchema(map[string]*jsonschema.Schema{
		"items": {
			Type: "array",
			Items: objectSchema(map[string]*jsonschema.Schema{
				"name": {Type: "string"},
			}, "name"),
		},
	}, "items"))

	_, err := v.Validate(map[string]any{
		"items": []any{
			map[string]any{"name": "ok"},
			map[string]any{"name": float64(3)},
		},
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate() error = %v, want *ValidationError", err)
	}
	if got := verr.Fields[0].Path; got != "items[1].name" {
		t.Fatalf("Fields[0].Path = %q, want items[1].name", got)
	}
	if !strings.Contains(verr.Fields[0].Message, "expected string") {
		t.Fatalf("Fields[0].Message = %q, want expected string", verr.Fields[0].Message)
	}
}

func TestValidateIntegerRejectsFraction(t *testing.T) {
	t.Parallel()

	v := Compile(objectSchema(map[string]*jsonschema.Schema{
		"n": {Type: "integer"},
	}, "n"))

	if _, err := v.Validate(map[string]any{"n": 1.5}); err == nil {
		t.Fatal("Validate(1.5 as integer) error = nil, want non-nil")
	}
	if _, err := v.Validate(map[string]any{"n": float64(7)}); err != nil {
		t.Fatalf("Validate(7 as integer) error = %v", err)
	}
}

func TestValidateUnknownTypeAcceptsAnything(t *testing.T) {
	t.Parallel()

	v := Compile(&jsonschema.Schema{})
	got, err := v.Validate(map[string]any{"free": []any{1, "two"}})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got == nil {
		t.Fatal("Validate() = nil, want passthrough")
	}
}

func TestValidateUndeclaredPropertiesPassThrough(t *testing.T) {
	t.Parallel()

	v := Compile(objectSchema(map[string]*jsonschema.Schema{
		"path": {Type: "string"},
	}, "path"))

	got, err := v.Validate(map[string]any{"path": ".", "extra": true})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	obj := got.(map[string]any)
	if obj["extra"] != true {
		t.Fatalf("extra = %v, want true", obj["extra"])
	}
}

func TestTypeFragment(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   *jsonschema.Schema
		want string
	}{
		{"string", &jsonschema.Schema{Type: "string"}, "string"},
		{"integer", &jsonschema.Schema{Type: "integer"}, "number"},
		{"bool array", &jsonschema.Schema{Type: "array", Items: &jsonschema.Schema{Type: "boolean"}}, "boolean[]"},
		{"unknown", &jsonschema.Schema{Type: "blob"}, "unknown"},
		{"empty object", &jsonschema.Schema{Type: "object"}, "Record<string, unknown>"},
		{
			"object",
			objectSchema(map[string]*jsonschema.Schema{
				"path":  {Type: "string"},
				"depth": {Type: "integer"},
			}, "path"),
			"{ depth?: number; path: string }",
		},
		{
			"quoted field",
			objectSchema(map[string]*jsonschema.Schema{
				"content-type": {Type: "string"},
			}, "content-type"),
			`{ "content-type": string }`,
		},
	}
	for _, tc := range cases {
		if got := TypeFragment(tc.in); got != tc.want {
			t.Errorf("%s: TypeFragment() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestTypeFragmentDeterministic(t *testing.T) {
	t.Parallel()

	s := objectSchema(map[string]*jsonschema.Schema{
		"b": {Type: "string"},
		"a": {Type: "number"},
		"c": {Type: "boolean"},
	}, "a", "b", "c")
	first := TypeFragment(s)
	for i := 0; i < 20; i++ {
		if got := TypeFragment(s); got != first {
			t.Fatalf("TypeFragment() unstable: %q vs %q", got, first)
		}
	}
}
