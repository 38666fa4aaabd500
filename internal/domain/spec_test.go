package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJobSpec_Validate(t *testing.T) {
	spec, err := NewJobSpec("doubler",
		map[string]string{"default": "number"},
		map[string]string{"default": "number", "meta": "{ text: string, lang?: string }"},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name    string
		dir     Direction
		tag     Tag
		data    any
		wantErr error
	}{
		{"int input", DirectionIn, "default", 3, nil},
		{"float input", DirectionIn, "default", 2.5, nil},
		{"raw json input", DirectionIn, "default", json.RawMessage(`7`), nil},
		{"string input", DirectionIn, "default", "three", ErrValidation},
		{"unknown tag", DirectionIn, "other", 1, ErrNotFound},
		{"struct output", DirectionOut, "meta", map[string]any{"text": "hi"}, nil},
		{"struct missing field", DirectionOut, "meta", map[string]any{"lang": "en"}, ErrValidation},
		{"struct wrong type", DirectionOut, "meta", map[string]any{"text": 1}, ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := spec.Validate(tt.dir, tt.tag, tt.data)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestJobSpec_ValidationErrorCarriesTag(t *testing.T) {
	spec, _ := NewJobSpec("echo", map[string]string{"default": "string"}, nil)

	err := spec.Validate(DirectionIn, DefaultTag, 42)

	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if vErr.Tag != DefaultTag || vErr.Spec != "echo" {
		t.Errorf("unexpected error context: %+v", vErr)
	}
}

func TestJobSpec_EmptySchemaAcceptsAnything(t *testing.T) {
	spec, _ := NewJobSpec("any", map[string]string{"default": ""}, nil)

	for _, v := range []any{1, "x", nil, []int{1, 2}, map[string]any{"a": true}} {
		if err := spec.Validate(DirectionIn, DefaultTag, v); err != nil {
			t.Errorf("value %v: unexpected error: %v", v, err)
		}
	}
}

func TestNewJobSpec_Errors(t *testing.T) {
	if _, err := NewJobSpec("", nil, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for empty name, got %v", err)
	}
	if _, err := NewJobSpec("x", map[string]string{"bad tag": "number"}, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for bad tag, got %v", err)
	}
	if _, err := NewJobSpec("x", map[string]string{"ok": "number &"}, nil); err == nil {
		t.Error("expected compile error for broken schema")
	}
}

func TestJobSpec_SingleOutput(t *testing.T) {
	one, _ := NewJobSpec("one", nil, map[string]string{"default": "number"})
	two, _ := NewJobSpec("two", nil, map[string]string{"a": "number", "b": "number"})

	if tag, ok := one.SingleOutput(); !ok || tag != DefaultTag {
		t.Errorf("expected single output default, got %q %v", tag, ok)
	}
	if _, ok := two.SingleOutput(); ok {
		t.Error("spec with two outputs must not report single output")
	}
}

func TestSpecRegistry(t *testing.T) {
	reg := NewSpecRegistry()
	spec, _ := NewJobSpec("doubler", map[string]string{"default": "number"}, nil)

	if err := reg.Register(spec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.Register(spec); !errors.Is(err, ErrConflict) {
		t.Errorf("expected conflict on duplicate, got %v", err)
	}

	got, err := reg.Lookup("doubler")
	if err != nil || got != spec {
		t.Fatalf("lookup failed: %v", err)
	}

	_, err = reg.Lookup("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if !strings.Contains(err.Error(), "missing") {
		t.Errorf("error should mention spec name: %v", err)
	}

	if names := reg.Names(); len(names) != 1 || names[0] != "doubler" {
		t.Errorf("unexpected names: %v", names)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusRequested, JobStatusRunning, true},
		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusWaitingChildren, true},
		{JobStatusWaitingChildren, JobStatusCompleted, true},
		{JobStatusWaitingChildren, JobStatusFailed, true},
		{JobStatusRequested, JobStatusFailed, true},
		{JobStatusRequested, JobStatusWaitingChildren, false},
		{JobStatusRunning, JobStatusRequested, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusFailed, JobStatusCompleted, false},
		{JobStatusRunning, JobStatusRunning, false},
		{JobStatus("bogus"), JobStatusRunning, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
