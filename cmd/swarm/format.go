package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-swarm/internal/graph"
	"github.com/basket/go-swarm/internal/message"
)

var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// paint colors a status label when color is set.
func paint(status string, color bool) string {
	if !color {
		return status
	}
	switch status {
	case "COMPLETED", "active":
		return okStyle.Render(status)
	case "FAILED", "stopped":
		return failStyle.Render(status)
	case "ACTIVE", "ASSIGNED", "IN_PROGRESS":
		return activeStyle.Render(status)
	default:
		return dimStyle.Render(status)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// truncate shortens s to n runes, marking the cut with "...".
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

func ago(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}

func printGraph(w io.Writer, snap graph.Snapshot, color bool) {
	fmt.Fprintf(w, "Task:      %s\n", snap.TaskID)
	fmt.Fprintf(w, "Status:    %s\n", paint(string(snap.Status), color))
	fmt.Fprintf(w, "Requester: %s\n", snap.RequesterID)
	fmt.Fprintf(w, "Policy:    %s\n", snap.FailurePolicy)
	if snap.PlanSummary != "" {
		fmt.Fprintf(w, "Plan:      %s\n", snap.PlanSummary)
	}
	fmt.Fprintf(w, "Created:   %s\n", snap.CreatedAt.Format(time.RFC3339))
	if snap.EndedAt != nil {
		fmt.Fprintf(w, "Elapsed:   %s\n", snap.EndedAt.Sub(snap.CreatedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	tw := newTable(w)
	fmt.Fprintln(tw, "SUBTASK\tAGENT\tSTATUS\tDEPENDS ON\tDESCRIPTION")
	for _, st := range snap.Subtasks {
		deps := "-"
		if len(st.Dependencies) > 0 {
			deps = strings.Join(st.Dependencies, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.ID, st.AssignedTo, paint(string(st.Status), color), deps, truncate(st.Description, 60))
	}
	_ = tw.Flush()
}

func printCompletion(w io.Writer, done message.TaskCompleted) {
	fmt.Fprintf(w, "Task %s %s in %.1fs\n", done.TaskID, done.Status, done.ElapsedSeconds)
	if done.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", done.Summary)
	}
	ids := make([]string, 0, len(done.Results))
	for id := range done.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "\n[%s]\n%s\n", id, strings.TrimSpace(done.Results[id]))
	}
	errIDs := make([]string, 0, len(done.Errors))
	for id := range done.Errors {
		errIDs = append(errIDs, id)
	}
	sort.Strings(errIDs)
	for _, id := range errIDs {
		fmt.Fprintf(w, "\n[%s] error: %s\n", id, done.Errors[id])
	}
}
