package producers

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/kingrea/turnstile/internal/production"
	"github.com/kingrea/turnstile/internal/turn"
)

const scriptFuncName = "Produce"

// ProduceFunc is the signature of a script's Produce function.
type ProduceFunc = func(unit string, emit func(string)) error

// Script runs a package main Go source file through the yaegi interpreter.
// The file must define
//
//	func Produce(unit string, emit func(string)) error
//
// Each Produce call gets a fresh interpreter so workers never share
// interpreter state.
type Script struct {
	path string
	code string
}

// LoadScript reads path and checks that it defines Produce.
func LoadScript(path string) (*Script, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, turn.Configf("script producer requires a script path")
	}
	code, err := os.ReadFile(trimmed)
	if err != nil {
		return nil, fmt.Errorf("script: read %s: %w", trimmed, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("script: %s is empty", trimmed)
	}
	s := &Script{path: trimmed, code: string(code)}
	if _, err := s.compile(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the script location.
func (s *Script) Path() string { return s.path }

// Produce implements production.Producer.
func (s *Script) Produce(ctx context.Context, unit turn.UnitID, out production.Emitter) error {
	fn, err := s.compile()
	if err != nil {
		return err
	}
	var emitErr error
	emit := func(text string) {
		if emitErr != nil {
			return
		}
		if err := ctx.Err(); err != nil {
			emitErr = err
			return
		}
		emitErr = out.Emit(text)
	}
	runErr := fn(string(unit), emit)
	if emitErr != nil {
		return emitErr
	}
	if runErr != nil {
		return fmt.Errorf("script: %s: %w", unit, runErr)
	}
	return nil
}

func (s *Script) compile() (ProduceFunc, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("script: load stdlib: %w", err)
	}
	if _, err := i.Eval(s.code); err != nil {
		return nil, fmt.Errorf("script: interpret %s: %w", s.path, err)
	}
	value, err := i.Eval(scriptFuncName)
	if err != nil {
		return nil, fmt.Errorf("script: %s must define func Produce(unit string, emit func(string)) error: %w", s.path, err)
	}
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil, fmt.Errorf("script: %s: Produce is not a function", s.path)
	}
	fn, ok := value.Interface().(ProduceFunc)
	if !ok {
		return nil, fmt.Errorf("script: %s: Produce has type %s, want func(string, func(string)) error", s.path, value.Type())
	}
	return fn, nil
}
