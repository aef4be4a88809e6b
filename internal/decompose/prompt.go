package decompose

import (
	"fmt"
	"strings"

	"github.com/basket/go-swarm/internal/directory"
)

const planFormat = `Return ONLY a JSON object with this structure (no other text):
{
  "plan_summary": "One or two sentences describing the approach",
  "subtasks": [
    {
      "id": "short-unique-id",
      "description": "What the worker must produce",
      "assigned_to": "worker id from the roster",
      "dependencies": ["id of a subtask that must finish first"],
      "success_criteria": "How to tell the output is complete"
    }
  ]
}

Rules:
- Ids are unique within the plan and dependencies only name ids from the plan.
- Dependencies must not form a cycle.
- Only add a dependency when the subtask needs the other subtask's output.
- Use an empty array for dependencies when there are none.
- Assign each subtask to the worker whose skills fit best.`

func buildPrompt(description, coordinatorID string, roster []directory.Member, maxSubtasks int) string {
	var sb strings.Builder
	sb.WriteString("Break this task into subtasks for a team of agents.\n\n")
	fmt.Fprintf(&sb, "Task:\n%s\n\n", description)

	sb.WriteString("Workers:\n")
	if len(roster) == 0 {
		fmt.Fprintf(&sb, "- %s (coordinator)\n", coordinatorID)
	}
	for _, m := range roster {
		line := "- " + m.ID
		if m.Role != "" {
			line += " (" + m.Role + ")"
		}
		if len(m.Skills) > 0 {
			line += ": " + strings.Join(m.Skills, ", ")
		}
		sb.WriteString(line + "\n")
	}
	sb.WriteString("\n")
	if maxSubtasks > 0 {
		fmt.Fprintf(&sb, "Use at most %d subtasks.\n\n", maxSubtasks)
	}
	sb.WriteString(planFormat)
	return sb.String()
}

func buildRepairPrompt(original, previous string, problem error) string {
	var sb strings.Builder
	sb.WriteString(original)
	sb.WriteString("\n\nYour previous answer could not be used:\n")
	sb.WriteString(problem.Error())
	sb.WriteString("\n\nPrevious answer:\n")
	sb.WriteString(previous)
	sb.WriteString("\n\nReturn a corrected JSON object only.")
	return sb.String()
}
