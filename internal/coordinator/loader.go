package coordinator

import (
	"fmt"

	"github.com/basket/go-swarm/internal/config"
	"github.com/basket/go-swarm/internal/decompose"
	"github.com/basket/go-swarm/internal/graph"
)

// LoadPlans converts configured named plans into validated decompositions.
// Every step must name a known agent and the steps must form a DAG.
func LoadPlans(configs []config.PlanConfig, knownAgents []string) (map[string]decompose.Plan, error) {
	plans := make(map[string]decompose.Plan, len(configs))
	agentSet := make(map[string]bool, len(knownAgents))
	for _, a := range knownAgents {
		agentSet[a] = true
	}

	for _, pc := range configs {
		if pc.Name == "" {
			return nil, fmt.Errorf("plan has empty name")
		}
		if _, exists := plans[pc.Name]; exists {
			return nil, fmt.Errorf("duplicate plan name: %s", pc.Name)
		}

		plan := decompose.Plan{
			Summary:  pc.Summary,
			Subtasks: make([]graph.Subtask, len(pc.Steps)),
		}
		for i, sc := range pc.Steps {
			if !agentSet[sc.AgentID] {
				return nil, fmt.Errorf("plan %s step %s: unknown agent %s", pc.Name, sc.ID, sc.AgentID)
			}
			deps := sc.DependsOn
			if deps == nil {
				deps = []string{}
			}
			plan.Subtasks[i] = graph.Subtask{
				ID:              sc.ID,
				Description:     sc.Prompt,
				AssignedTo:      sc.AgentID,
				Dependencies:    deps,
				SuccessCriteria: sc.SuccessCriteria,
			}
		}
		if err := graph.Validate(plan.Subtasks); err != nil {
			return nil, fmt.Errorf("plan %s: %w", pc.Name, err)
		}
		plans[pc.Name] = plan
	}
	return plans, nil
}
