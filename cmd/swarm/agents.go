package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-swarm/internal/persistence"
)

var (
	agentsAll  bool
	agentsJSON bool
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents and their mailboxes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		color := !agentsJSON && stdoutIsTerminal()
		return listAgents(cmd.Context(), store, cmd.OutOrStdout(), agentsAll, agentsJSON, color)
	},
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsAll, "all", false, "include stopped agents")
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "print JSON")
}

type agentRow struct {
	persistence.AgentRecord
	Mailbox persistence.MailboxStats `json:"mailbox"`
}

func listAgents(ctx context.Context, store *persistence.Store, out io.Writer, all, asJSON, color bool) error {
	recs, err := store.ListAgents(ctx)
	if err != nil {
		return err
	}
	rows := make([]agentRow, 0, len(recs))
	for _, rec := range recs {
		if !all && rec.Status == "stopped" {
			continue
		}
		st, err := store.MailboxStats(ctx, rec.AgentID)
		if err != nil {
			return err
		}
		rows = append(rows, agentRow{AgentRecord: rec, Mailbox: st})
	}
	if asJSON {
		return writeJSON(out, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No agents.")
		return nil
	}
	now := time.Now()
	tw := newTable(out)
	fmt.Fprintln(tw, "AGENT\tROLE\tSTATUS\tLAST SEEN\tPENDING\tIN FLIGHT\tSKILLS")
	for _, r := range rows {
		seen := "-"
		if r.LastSeenAt != nil {
			seen = ago(*r.LastSeenAt, now)
		}
		skills := "-"
		if len(r.Skills) > 0 {
			skills = strings.Join(r.Skills, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", r.AgentID, r.Role, paint(r.Status, color), seen, r.Mailbox.Pending, r.Mailbox.InFlight, skills)
	}
	return tw.Flush()
}
