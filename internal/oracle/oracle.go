// Package oracle is the language-model boundary of the swarm. The coordinator
// asks it to decompose task descriptions and workers ask it to produce
// subtask output. Calls are synchronous and may fail; retrying is left to the
// caller or to the Retrying wrapper.
package oracle

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when no model is configured.
var ErrUnavailable = errors.New("oracle: no language model configured")

// Oracle produces text for a prompt.
type Oracle interface {
	// Decompose returns structured plan text for a decomposition prompt.
	Decompose(ctx context.Context, prompt string) (string, error)
	// Generate returns free-form output for a worker prompt.
	Generate(ctx context.Context, prompt string) (string, error)
}

// Funcs adapts plain functions to Oracle. A nil function returns ErrUnavailable.
type Funcs struct {
	DecomposeFunc func(ctx context.Context, prompt string) (string, error)
	GenerateFunc  func(ctx context.Context, prompt string) (string, error)
}

func (f Funcs) Decompose(ctx context.Context, prompt string) (string, error) {
	if f.DecomposeFunc == nil {
		return "", ErrUnavailable
	}
	return f.DecomposeFunc(ctx, prompt)
}

func (f Funcs) Generate(ctx context.Context, prompt string) (string, error) {
	if f.GenerateFunc == nil {
		return "", ErrUnavailable
	}
	return f.GenerateFunc(ctx, prompt)
}
