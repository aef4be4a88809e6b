package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-swarm/internal/agent"
	"github.com/basket/go-swarm/internal/bus"
	"github.com/basket/go-swarm/internal/oracle"
	otelpkg "github.com/basket/go-swarm/internal/otel"
	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/transport"
)

// plumbing owns the process-wide resources behind a Registry.
type plumbing struct {
	provider *otelpkg.Provider
	store    *persistence.Store
	bus      *bus.Bus
	runtime  agent.Runtime
}

// openPlumbing starts otel, the event bus and the sqlite store, and builds
// the oracle when withOracle is set.
func openPlumbing(ctx context.Context, s *session, withOracle bool) (*plumbing, error) {
	cfg := s.cfg
	provider, err := otelpkg.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}
	metrics, err := otelpkg.NewMetrics(provider.Meter)
	if err != nil {
		s.logger.Warn("metrics disabled", "error", err)
		metrics = otelpkg.NoopMetrics()
	}

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}

	rt := agent.Runtime{
		Store:   store,
		Bus:     eventBus,
		Hub:     transport.NewHub(eventBus),
		Logger:  s.logger,
		Metrics: metrics,
		Tracer:  provider.Tracer,
	}
	if withOracle {
		g := oracle.NewGenkit(ctx, oracle.Config{
			Provider:           cfg.LLM.Provider,
			Model:              cfg.LLM.Model,
			APIKey:             cfg.LLMAPIKey(cfg.LLM.Provider),
			BaseURL:            cfg.LLMBaseURL(),
			CompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		}, oracle.Options{Logger: s.logger, Metrics: metrics, Tracer: provider.Tracer})
		if !g.Available() {
			s.logger.Warn("no llm configured; only named plans and single-subtask fallback can run", "provider", cfg.LLM.Provider)
		}
		r := oracle.NewRetrying(g, cfg.LLM.Attempts, s.logger)
		r.Timeout = time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
		rt.Oracle = r
	}
	return &plumbing{provider: provider, store: store, bus: eventBus, runtime: rt}, nil
}

func (p *plumbing) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(p.store.Close(), p.provider.Shutdown(ctx))
}
