package coordinator

import (
	"fmt"
	"strings"

	"github.com/basket/go-swarm/internal/graph"
)

func buildSummaryPrompt(g *graph.SubtaskGraph) string {
	var sb strings.Builder
	sb.WriteString("Several agents worked on parts of one task. Write a short summary of the combined outcome for the person who asked.\n\n")
	fmt.Fprintf(&sb, "Task: %s\n", g.Description())
	if s := g.PlanSummary(); s != "" {
		fmt.Fprintf(&sb, "Plan: %s\n", s)
	}
	sb.WriteString("\nSubtask results:\n")
	for _, sub := range g.Subtasks() {
		if sub.Status != graph.StatusCompleted {
			continue
		}
		fmt.Fprintf(&sb, "\n[%s] %s (by %s)\n%s\n", sub.ID, sub.Description, sub.AssignedTo, sub.Result)
	}
	sb.WriteString("\nReply with the summary only.")
	return sb.String()
}
