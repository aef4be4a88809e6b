package oracle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{errors.New("HTTP 401 Unauthorized"), ErrorClassAuth},
		{errors.New("429 Too Many Requests"), ErrorClassRateLimit},
		{errors.New("request timed out"), ErrorClassTimeout},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), ErrorClassTimeout},
		{errors.New("billing hard limit reached"), ErrorClassBilling},
		{errors.New("maximum context length exceeded"), ErrorClassContextOverflow},
		{fmt.Errorf("wrap: %w", ErrUnavailable), ErrorClassUnavailable},
		{errors.New("connection reset by peer"), ErrorClassUnknown},
		{nil, ErrorClassUnknown},
	}
	for _, tc := range tests {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Errorf("ClassifyError(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(errors.New("invalid api key")) {
		t.Fatal("auth errors must not be retried")
	}
	if Retryable(ErrUnavailable) {
		t.Fatal("missing model must not be retried")
	}
	if Retryable(context.Canceled) {
		t.Fatal("canceled context must not be retried")
	}
	if !Retryable(errors.New("503 service unavailable")) {
		t.Fatal("unknown errors should be retried")
	}
}

func TestFuncs_NilIsUnavailable(t *testing.T) {
	var f Funcs
	if _, err := f.Decompose(context.Background(), "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Decompose err = %v, want ErrUnavailable", err)
	}
	if _, err := f.Generate(context.Background(), "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Generate err = %v, want ErrUnavailable", err)
	}
}

func noSleep(calls *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*calls = append(*calls, d)
		return nil
	}
}

func TestRetrying_RecoversFromTransientError(t *testing.T) {
	n := 0
	inner := Funcs{GenerateFunc: func(context.Context, string) (string, error) {
		n++
		if n < 3 {
			return "", errors.New("429 rate limit")
		}
		return "done", nil
	}}
	var sleeps []time.Duration
	r := NewRetrying(inner, 3, nil)
	r.sleep = noSleep(&sleeps)

	out, err := r.Generate(context.Background(), "p")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "done" || n != 3 {
		t.Fatalf("out=%q calls=%d, want done after 3 calls", out, n)
	}
	if len(sleeps) != 2 {
		t.Fatalf("slept %d times, want 2", len(sleeps))
	}
	if sleeps[1] < sleeps[0]/2 {
		t.Fatalf("backoff did not grow: %v", sleeps)
	}
}

func TestRetrying_StopsOnPermanentError(t *testing.T) {
	n := 0
	inner := Funcs{DecomposeFunc: func(context.Context, string) (string, error) {
		n++
		return "", errors.New("403 forbidden")
	}}
	r := NewRetrying(inner, 5, nil)
	var sleeps []time.Duration
	r.sleep = noSleep(&sleeps)

	if _, err := r.Decompose(context.Background(), "p"); err == nil {
		t.Fatal("expected error")
	}
	if n != 1 || len(sleeps) != 0 {
		t.Fatalf("calls=%d sleeps=%d, want 1 call and no sleeps", n, len(sleeps))
	}
}

func TestRetrying_GivesUpAfterAttempts(t *testing.T) {
	n := 0
	inner := Funcs{GenerateFunc: func(context.Context, string) (string, error) {
		n++
		return "", errors.New("timeout")
	}}
	r := NewRetrying(inner, 2, nil)
	var sleeps []time.Duration
	r.sleep = noSleep(&sleeps)

	if _, err := r.Generate(context.Background(), "p"); err == nil {
		t.Fatal("expected error")
	}
	if n != 2 {
		t.Fatalf("calls = %d, want 2", n)
	}
}

func TestGenkit_UnavailableWithoutKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	o := NewGenkit(context.Background(), Config{Provider: "anthropic"}, Options{})
	if o.Available() {
		t.Fatal("oracle should be unavailable without an API key")
	}
	if _, err := o.Decompose(context.Background(), "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestModelNameForProvider(t *testing.T) {
	tests := []struct {
		provider, model, want string
	}{
		{"anthropic", "claude-haiku-4-5", "anthropic/claude-haiku-4-5"},
		{"openai", "gpt-4o", "openai/gpt-4o"},
		{"openrouter", "anthropic/claude-sonnet-4-5", "anthropic/claude-sonnet-4-5"},
		{"openai_compatible", "llama3", "llama3"},
		{"google", "", "googleai/gemini-2.5-flash"},
	}
	for _, tc := range tests {
		if got := ModelNameForProvider(tc.provider, tc.model); got != tc.want {
			t.Errorf("ModelNameForProvider(%q, %q) = %q, want %q", tc.provider, tc.model, got, tc.want)
		}
	}
}

func TestEnvAPIKey_GoogleFallback(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "g-key")
	if got := EnvAPIKey("google"); got != "g-key" {
		t.Fatalf("EnvAPIKey(google) = %q", got)
	}
}
