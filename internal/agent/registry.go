package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-swarm/internal/bus"
	"github.com/basket/go-swarm/internal/config"
	"github.com/basket/go-swarm/internal/coordinator"
	"github.com/basket/go-swarm/internal/decompose"
	"github.com/basket/go-swarm/internal/directory"
	"github.com/basket/go-swarm/internal/graph"
	"github.com/basket/go-swarm/internal/oracle"
	otelpkg "github.com/basket/go-swarm/internal/otel"
	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/transport"
)

// Runtime is the process-wide plumbing shared by every agent in a Registry.
type Runtime struct {
	Store   *persistence.Store // required for the mailbox transport
	Bus     *bus.Bus
	Hub     *transport.Hub // required for the bus transport
	Oracle  oracle.Oracle
	Logger  *slog.Logger
	Metrics *otelpkg.Metrics
	Tracer  trace.Tracer
}

// Registry builds, starts and stops the agents of one process.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	cfg    config.Config
	plans  map[string]decompose.Plan
	rt     Runtime
	logger *slog.Logger
}

// NewRegistry validates the configured plans against the roster and returns
// an empty Registry.
func NewRegistry(cfg config.Config, rt Runtime) (*Registry, error) {
	if rt.Logger == nil {
		rt.Logger = slog.Default()
	}
	if rt.Metrics == nil {
		rt.Metrics = otelpkg.NoopMetrics()
	}
	if rt.Tracer == nil {
		rt.Tracer = otelpkg.NoopTracer()
	}
	ids := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		ids = append(ids, a.AgentID)
	}
	plans, err := coordinator.LoadPlans(cfg.Plans, ids)
	if err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}
	return &Registry{
		agents: make(map[string]*Agent),
		cfg:    cfg,
		plans:  plans,
		rt:     rt,
		logger: rt.Logger.With("component", "registry"),
	}, nil
}

// Channel opens the transport channel for agentID per the configured kind.
func (r *Registry) Channel(agentID string) (transport.Channel, error) {
	t := r.cfg.Transport
	opts := transport.Options{
		Logger:    r.rt.Logger,
		Metrics:   r.rt.Metrics,
		Tracer:    r.rt.Tracer,
		DedupSize: t.DedupSize,
	}
	switch t.Kind {
	case config.TransportMailbox:
		if r.rt.Store == nil {
			return nil, fmt.Errorf("mailbox transport needs a store")
		}
		mb := transport.StoreMailbox{
			Store:      r.rt.Store,
			Visibility: time.Duration(t.VisibilityTimeoutSeconds) * time.Second,
			Touch:      true,
		}
		return transport.NewPoller(agentID, mb, pollConfig(t), r.rt.Bus, opts), nil
	case config.TransportBus:
		if r.rt.Hub == nil {
			return nil, fmt.Errorf("bus transport needs a hub")
		}
		return r.rt.Hub.Connect(agentID, opts), nil
	case config.TransportRelay:
		if t.RelayURL == "" {
			return nil, fmt.Errorf("relay transport needs relay_url")
		}
		return transport.NewWSChannel(agentID, transport.WSConfig{URL: t.RelayURL, Token: t.RelayToken}, opts), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", t.Kind)
	}
}

func pollConfig(t config.TransportConfig) transport.PollConfig {
	return transport.PollConfig{
		Min:            t.PollMin(),
		Max:            t.PollMax(),
		Factor:         t.PollFactor,
		EmptyThreshold: t.EmptyThreshold,
		BatchSize:      t.BatchSize,
	}
}

// roster is the directory handed to decomposers: the sqlite agents table
// when a store is shared, the configured roster otherwise.
func (r *Registry) roster() directory.Directory {
	if r.rt.Store != nil {
		return directory.Store{
			Store:      r.rt.Store,
			StaleAfter: time.Duration(r.cfg.Maintenance.StaleAgentSeconds) * time.Second,
		}
	}
	members := make(directory.Static, 0, len(r.cfg.Agents))
	for _, a := range r.cfg.Agents {
		members = append(members, directory.Member{ID: a.AgentID, Role: a.Role, Skills: a.Skills})
	}
	return members
}

func (r *Registry) newCoordinator(agentID string, ch transport.Channel) (*coordinator.Coordinator, error) {
	cc := r.cfg.Coordinator
	policy, err := graph.ParseFailurePolicy(cc.FailurePolicy)
	if err != nil {
		return nil, err
	}
	opts := []decompose.Option{
		decompose.WithLogger(r.rt.Logger),
		decompose.WithRepairs(cc.DecomposeRepairs),
		decompose.WithMaxSubtasks(cc.MaxSubtasks),
	}
	if cc.SingleFallback {
		opts = append(opts, decompose.WithSingleFallback())
	}
	var planner coordinator.Planner
	if r.rt.Oracle != nil {
		d, err := decompose.New(r.rt.Oracle, r.roster(), opts...)
		if err != nil {
			return nil, err
		}
		planner = d
	}
	ccfg := coordinator.Config{
		AgentID:       agentID,
		Sender:        ch,
		Planner:       planner,
		Bus:           r.rt.Bus,
		Plans:         r.plans,
		FailurePolicy: policy,
		Logger:        r.rt.Logger,
		Metrics:       r.rt.Metrics,
		Tracer:        r.rt.Tracer,
	}
	if r.rt.Store != nil {
		ccfg.Store = r.rt.Store
	}
	if cc.Summarize {
		ccfg.Summarizer = r.rt.Oracle
	}
	return coordinator.New(ccfg)
}

// CreateAgent builds and starts the agent described by ac.
func (r *Registry) CreateAgent(ctx context.Context, ac config.AgentConfig) (*Agent, error) {
	if ac.AgentID == "" {
		return nil, fmt.Errorf("agent_id must be non-empty")
	}
	r.mu.RLock()
	_, exists := r.agents[ac.AgentID]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("agent %q already exists", ac.AgentID)
	}

	ch, err := r.Channel(ac.AgentID)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", ac.AgentID, err)
	}
	var coord *coordinator.Coordinator
	if ac.IsCoordinator() {
		if coord, err = r.newCoordinator(ac.AgentID, ch); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("agent %s: %w", ac.AgentID, err)
		}
	}
	a, err := New(Config{
		AgentID:      ac.AgentID,
		DisplayName:  ac.DisplayName,
		Role:         ac.Role,
		Skills:       ac.Skills,
		Instructions: ac.Instructions,
		Channel:      ch,
		Oracle:       r.rt.Oracle,
		Coordinator:  coord,
		Store:        r.rt.Store,
		Bus:          r.rt.Bus,
		Heartbeat:    time.Duration(r.cfg.Maintenance.HeartbeatSeconds) * time.Second,
		Logger:       r.rt.Logger,
		Metrics:      r.rt.Metrics,
		Tracer:       r.rt.Tracer,
	})
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	// Re-check under the write lock so concurrent creates of one id lose cleanly.
	r.mu.Lock()
	if _, dup := r.agents[ac.AgentID]; dup {
		r.mu.Unlock()
		_ = ch.Close()
		return nil, fmt.Errorf("agent %q already exists (concurrent create)", ac.AgentID)
	}
	r.agents[ac.AgentID] = a
	r.mu.Unlock()

	// Graphs are back in memory before the inbox opens, so a result that
	// was waiting in the mailbox finds its task.
	if coord != nil {
		if n, err := coord.Restore(ctx); err != nil {
			r.logger.Warn("restore graphs failed", "agent_id", ac.AgentID, "error", err)
		} else if n > 0 {
			r.logger.Info("graphs restored", "agent_id", ac.AgentID, "count", n)
		}
	}
	if err := a.Start(ctx); err != nil {
		r.mu.Lock()
		delete(r.agents, ac.AgentID)
		r.mu.Unlock()
		_ = ch.Close()
		return nil, err
	}
	if coord != nil {
		coord.Resume(ctx)
	}
	r.logger.Info("agent created", "agent_id", ac.AgentID, "role", a.cfg.Role, "transport", r.cfg.Transport.Kind)
	return a, nil
}

// StartAll creates every configured agent. It stops at the first failure
// and drains whatever had started.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, ac := range r.cfg.Agents {
		if _, err := r.CreateAgent(ctx, ac); err != nil {
			r.DrainAll(2 * time.Second)
			return err
		}
	}
	return nil
}

// RemoveAgent stops and removes one agent.
func (r *Registry) RemoveAgent(agentID string, drainTimeout time.Duration) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %q not found", agentID)
	}
	delete(r.agents, agentID)
	r.mu.Unlock()

	a.Stop(drainTimeout)
	r.logger.Info("agent removed", "agent_id", agentID)
	return nil
}

// GetAgent returns a running agent by id, or nil.
func (r *Registry) GetAgent(agentID string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID]
}

// ListAgents returns the running agents ordered by id.
func (r *Registry) ListAgents() []*Agent {
	r.mu.RLock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Coordinators returns the running coordinators ordered by agent id.
func (r *Registry) Coordinators() []*coordinator.Coordinator {
	var out []*coordinator.Coordinator
	for _, a := range r.ListAgents() {
		if c := a.Coordinator(); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// WaitForTask finds the coordinator owning taskID and waits for it to finish.
func (r *Registry) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (graph.Snapshot, error) {
	for _, c := range r.Coordinators() {
		if _, err := c.Graph(taskID); err == nil {
			return c.WaitForTask(ctx, taskID, timeout)
		}
	}
	return graph.Snapshot{}, fmt.Errorf("%w: %s", coordinator.ErrUnknownTask, taskID)
}

// ApplyPollBounds updates the poll interval bounds of every polling agent and
// returns how many were changed.
func (r *Registry) ApplyPollBounds(minWait, maxWait time.Duration) int {
	n := 0
	for _, a := range r.ListAgents() {
		if p, ok := a.Channel().(*transport.Poller); ok {
			p.Backoff().SetBounds(minWait, maxWait)
			n++
		}
	}
	return n
}

// DrainAll stops every agent in parallel.
func (r *Registry) DrainAll(timeout time.Duration) {
	r.mu.Lock()
	agents := make([]*Agent, 0, len(r.agents))
	for id, a := range r.agents {
		agents = append(agents, a)
		delete(r.agents, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func(a *Agent) {
			defer wg.Done()
			a.Stop(timeout)
		}(a)
	}
	wg.Wait()
}
