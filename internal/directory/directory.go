// Package directory lists the agents a coordinator can assign subtasks to.
package directory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/basket/go-swarm/internal/persistence"
)

// RoleRequester marks agents that only submit tasks, such as the CLI.
const RoleRequester = "requester"

// Member is one agent in the roster.
type Member struct {
	ID     string   `json:"id" yaml:"id"`
	Role   string   `json:"role,omitempty" yaml:"role,omitempty"`
	Skills []string `json:"skills,omitempty" yaml:"skills,omitempty"`
}

// Directory returns the current roster.
type Directory interface {
	Members(ctx context.Context) ([]Member, error)
}

// Static is a fixed roster, usually from config.
type Static []Member

func (s Static) Members(context.Context) ([]Member, error) {
	out := make([]Member, len(s))
	for i, m := range s {
		m.Skills = slices.Clone(m.Skills)
		out[i] = m
	}
	return out, nil
}

// Store reads the roster from the agents table, where agents register
// themselves at startup and refresh last_seen_at while running.
type Store struct {
	Store *persistence.Store
	// StaleAfter hides agents not seen for this long. Zero keeps every
	// active agent.
	StaleAfter time.Duration
	Now        func() time.Time
}

func (d Store) Members(ctx context.Context) ([]Member, error) {
	recs, err := d.Store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("directory: %w", err)
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	var out []Member
	for _, r := range recs {
		// Requesters submit tasks but never run subtasks.
		if r.Status != "active" || r.Role == RoleRequester {
			continue
		}
		if d.StaleAfter > 0 && r.LastSeenAt != nil && now().Sub(*r.LastSeenAt) > d.StaleAfter {
			continue
		}
		out = append(out, Member{ID: r.AgentID, Role: r.Role, Skills: r.Skills})
	}
	return out, nil
}

// Register upserts m into the agents table.
func Register(ctx context.Context, s *persistence.Store, m Member, displayName string) error {
	return s.UpsertAgent(ctx, persistence.AgentRecord{
		AgentID:     m.ID,
		DisplayName: displayName,
		Role:        m.Role,
		Skills:      m.Skills,
	})
}

// Contains reports whether id is in members.
func Contains(members []Member, id string) bool {
	return slices.ContainsFunc(members, func(m Member) bool { return m.ID == id })
}
