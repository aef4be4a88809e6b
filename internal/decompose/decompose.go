// Package decompose turns a task description into a validated subtask plan
// by asking the oracle for a JSON plan and checking it against the roster.
package decompose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-swarm/internal/directory"
	"github.com/basket/go-swarm/internal/graph"
	"github.com/basket/go-swarm/internal/oracle"
)

// Reasons reported by DecompositionError.
const (
	ReasonOracle   = "oracle"
	ReasonParse    = "parse"
	ReasonSchema   = "schema"
	ReasonGraph    = "graph"
	ReasonAssignee = "assignee"
	ReasonRoster   = "roster"
)

// DecompositionError means the oracle output could not become a graph.
type DecompositionError struct {
	Reason string
	Raw    string
	Err    error
}

func (e *DecompositionError) Error() string {
	return fmt.Sprintf("decomposition failed (%s): %v", e.Reason, e.Err)
}

func (e *DecompositionError) Unwrap() error { return e.Err }

// Plan is a validated decomposition.
type Plan struct {
	Summary  string
	Subtasks []graph.Subtask
}

const planSchema = `{
  "type": "object",
  "required": ["subtasks"],
  "properties": {
    "plan_summary": {"type": "string"},
    "subtasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "description"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "description": {"type": "string", "minLength": 1},
          "assigned_to": {"type": "string"},
          "dependencies": {"type": "array", "items": {"type": "string"}},
          "success_criteria": {"type": "string"}
        }
      }
    }
  }
}`

type rawPlan struct {
	PlanSummary string `json:"plan_summary"`
	Subtasks    []struct {
		ID              string   `json:"id"`
		Description     string   `json:"description"`
		AssignedTo      string   `json:"assigned_to"`
		Dependencies    []string `json:"dependencies"`
		SuccessCriteria string   `json:"success_criteria"`
	} `json:"subtasks"`
}

// Option configures a Decomposer.
type Option func(*Decomposer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decomposer) { d.logger = l }
}

// WithRepairs sets how many times unparseable or schema-invalid output is
// sent back to the oracle for correction. Default 1.
func WithRepairs(n int) Option {
	return func(d *Decomposer) { d.repairs = n }
}

// WithMaxSubtasks caps the plan size. Zero means no cap.
func WithMaxSubtasks(n int) Option {
	return func(d *Decomposer) { d.maxSubtasks = n }
}

// WithSingleFallback makes an unavailable oracle produce a one-subtask plan
// assigned to the coordinator instead of an error.
func WithSingleFallback() Option {
	return func(d *Decomposer) { d.singleFallback = true }
}

// Decomposer builds plans through an oracle.
type Decomposer struct {
	oracle    oracle.Oracle
	directory directory.Directory
	schema    *jsonschema.Schema
	logger    *slog.Logger

	repairs        int
	maxSubtasks    int
	singleFallback bool
}

// New compiles the plan schema and returns a Decomposer. dir may be nil,
// meaning an empty roster.
func New(o oracle.Oracle, dir directory.Directory, opts ...Option) (*Decomposer, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}
	schema, err := c.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	d := &Decomposer{
		oracle:    o,
		directory: dir,
		schema:    schema,
		logger:    slog.Default(),
		repairs:   1,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Decompose asks the oracle for a plan and validates it. Missing
// dependencies default to none and a missing assignee defaults to
// coordinatorID.
func (d *Decomposer) Decompose(ctx context.Context, description, coordinatorID string) (Plan, error) {
	var roster []directory.Member
	if d.directory != nil {
		members, err := d.directory.Members(ctx)
		if err != nil {
			return Plan{}, &DecompositionError{Reason: ReasonRoster, Err: err}
		}
		roster = members
	}

	prompt := buildPrompt(description, coordinatorID, roster, d.maxSubtasks)
	current := prompt
	for attempt := 0; ; attempt++ {
		raw, err := d.oracle.Decompose(ctx, current)
		if err != nil {
			if d.singleFallback && errors.Is(err, oracle.ErrUnavailable) {
				d.logger.Warn("oracle unavailable; using single-subtask plan", "coordinator_id", coordinatorID)
				return singlePlan(description, coordinatorID), nil
			}
			return Plan{}, &DecompositionError{Reason: ReasonOracle, Err: err}
		}

		plan, err := d.parse(raw, coordinatorID, roster)
		if err == nil {
			d.logger.Info("task decomposed", "coordinator_id", coordinatorID, "subtasks", len(plan.Subtasks), "attempt", attempt+1)
			return plan, nil
		}
		var de *DecompositionError
		repairable := errors.As(err, &de) && (de.Reason == ReasonParse || de.Reason == ReasonSchema)
		if !repairable || attempt >= d.repairs {
			return Plan{}, err
		}
		d.logger.Warn("decomposition output rejected; asking oracle to repair", "reason", de.Reason, "error", de.Err)
		current = buildRepairPrompt(prompt, raw, de.Err)
	}
}

// parse validates raw oracle output against the schema and the roster.
func (d *Decomposer) parse(raw, coordinatorID string, roster []directory.Member) (Plan, error) {
	text := extractJSON(raw)
	if text == "" {
		return Plan{}, &DecompositionError{Reason: ReasonParse, Raw: raw, Err: errors.New("no JSON object in oracle output")}
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return Plan{}, &DecompositionError{Reason: ReasonParse, Raw: raw, Err: err}
	}
	if err := d.schema.Validate(doc); err != nil {
		return Plan{}, &DecompositionError{Reason: ReasonSchema, Raw: raw, Err: err}
	}

	var rp rawPlan
	if err := json.Unmarshal([]byte(text), &rp); err != nil {
		return Plan{}, &DecompositionError{Reason: ReasonParse, Raw: raw, Err: err}
	}
	if d.maxSubtasks > 0 && len(rp.Subtasks) > d.maxSubtasks {
		return Plan{}, &DecompositionError{Reason: ReasonSchema, Raw: raw,
			Err: fmt.Errorf("plan has %d subtasks, limit is %d", len(rp.Subtasks), d.maxSubtasks)}
	}

	plan := Plan{Summary: strings.TrimSpace(rp.PlanSummary)}
	for _, s := range rp.Subtasks {
		st := graph.Subtask{
			ID:              strings.TrimSpace(s.ID),
			Description:     strings.TrimSpace(s.Description),
			AssignedTo:      strings.TrimSpace(s.AssignedTo),
			Dependencies:    trimIDs(s.Dependencies),
			SuccessCriteria: strings.TrimSpace(s.SuccessCriteria),
		}
		if st.AssignedTo == "" {
			st.AssignedTo = coordinatorID
		}
		if len(roster) > 0 && st.AssignedTo != coordinatorID && !directory.Contains(roster, st.AssignedTo) {
			return Plan{}, &DecompositionError{Reason: ReasonAssignee, Raw: raw,
				Err: fmt.Errorf("subtask %s assigned to unknown agent %q", st.ID, st.AssignedTo)}
		}
		plan.Subtasks = append(plan.Subtasks, st)
	}

	if err := graph.Validate(plan.Subtasks); err != nil {
		return Plan{}, &DecompositionError{Reason: ReasonGraph, Raw: raw, Err: err}
	}
	return plan, nil
}

// trimIDs trims every id and drops blank ones. The result is never nil.
func trimIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func singlePlan(description, coordinatorID string) Plan {
	return Plan{
		Summary: "single subtask (no oracle configured)",
		Subtasks: []graph.Subtask{{
			ID:           "main",
			Description:  description,
			AssignedTo:   coordinatorID,
			Dependencies: []string{},
		}},
	}
}
