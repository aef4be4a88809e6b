package oracle

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Retrying wraps an Oracle and retries calls that failed with a retryable
// error, using exponential backoff with jitter.
type Retrying struct {
	Oracle    Oracle
	Attempts  int           // total attempts, default 3
	BaseDelay time.Duration // default 500ms
	MaxDelay  time.Duration // default 8s
	Timeout   time.Duration // per attempt; zero means none
	Logger    *slog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrying returns o wrapped with attempts total tries.
func NewRetrying(o Oracle, attempts int, logger *slog.Logger) *Retrying {
	return &Retrying{Oracle: o, Attempts: attempts, Logger: logger}
}

func (r *Retrying) Decompose(ctx context.Context, prompt string) (string, error) {
	return r.do(ctx, "decompose", func(ctx context.Context) (string, error) {
		return r.Oracle.Decompose(ctx, prompt)
	})
}

func (r *Retrying) Generate(ctx context.Context, prompt string) (string, error) {
	return r.do(ctx, "generate", func(ctx context.Context) (string, error) {
		return r.Oracle.Generate(ctx, prompt)
	})
}

func (r *Retrying) do(ctx context.Context, op string, f func(context.Context) (string, error)) (string, error) {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	base := r.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := r.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		var out string
		out, err = r.attempt(ctx, f)
		if err == nil {
			return out, nil
		}
		if !Retryable(err) || attempt == attempts-1 {
			return "", err
		}
		delay := base << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		delay = delay - delay/4 + time.Duration(rand.Int64N(int64(delay/2)+1))
		logger.Warn("oracle call failed; retrying", "op", op, "attempt", attempt+1, "delay", delay, "error", err)
		if serr := sleep(ctx, delay); serr != nil {
			return "", serr
		}
	}
	return "", err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Retrying) attempt(ctx context.Context, f func(context.Context) (string, error)) (string, error) {
	if r.Timeout <= 0 {
		return f(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	return f(ctx)
}
