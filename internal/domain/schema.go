package domain

import (
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Schema — схема данных тега, записанная выражением CUE.
//
// Примеры: "number", "string", "{ text: string, lang?: string }", "[...int]".
// Пустая строка означает "любое значение" (_).
type Schema struct {
	src string

	// cue.Context не потокобезопасен.
	mu  sync.Mutex
	ctx *cue.Context
	val cue.Value
}

// CompileSchema компилирует выражение CUE в схему.
func CompileSchema(src string) (*Schema, error) {
	expr := src
	if expr == "" {
		expr = "_"
	}

	ctx := cuecontext.New()
	val := ctx.CompileString(expr)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", src, err)
	}

	return &Schema{src: src, ctx: ctx, val: val}, nil
}

// MustCompileSchema — CompileSchema, паникующий при ошибке.
// Предназначен для статически заданных схем.
func MustCompileSchema(src string) *Schema {
	s, err := CompileSchema(src)
	if err != nil {
		panic(err)
	}
	return s
}

// String возвращает исходное выражение.
func (s *Schema) String() string {
	if s.src == "" {
		return "_"
	}
	return s.src
}

// Check проверяет значение по схеме.
//
// Значение сериализуется в JSON и компилируется как CUE, поэтому
// целые числа остаются int, а дробные — float.
func (s *Schema) Check(data any) error {
	raw, err := toJSON(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.ctx.CompileBytes(raw)
	if err := v.Err(); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}

	if err := s.val.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// toJSON приводит значение к JSON-байтам.
func toJSON(data any) ([]byte, error) {
	switch v := data.(type) {
	case json.RawMessage:
		if len(v) == 0 {
			return []byte("null"), nil
		}
		return v, nil
	case []byte:
		return nil, fmt.Errorf("raw bytes are not a valid payload, use json.RawMessage")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return raw, nil
}
