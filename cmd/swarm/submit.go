package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/basket/go-swarm/internal/agent"
	"github.com/basket/go-swarm/internal/config"
	"github.com/basket/go-swarm/internal/directory"
	"github.com/basket/go-swarm/internal/message"
)

var (
	submitCoordinator string
	submitPlan        string
	submitTimeout     time.Duration
	submitJSON        bool
	submitNoWait      bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <description>",
	Short: "Submit a task to a running coordinator",
	Long: `Submit a task to a coordinator started by "swarm run" and wait for the
aggregated completion.

The command joins the swarm as a short-lived requester agent over the sqlite
mailbox (or the relay when transport.kind is relay), so it must share the
db_path of the running swarm.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitCoordinator, "coordinator", "", "coordinator agent id (default: first configured)")
	submitCmd.Flags().StringVar(&submitPlan, "plan", "", "run this named plan instead of decomposing")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 10*time.Minute, "how long to wait for completion")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "print the completion as JSON")
	submitCmd.Flags().BoolVar(&submitNoWait, "no-wait", false, "print the task id once accepted and exit")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(true)
	if err != nil {
		return err
	}
	defer s.Close()

	cfg := s.cfg
	// The in-process hub cannot reach another process.
	if cfg.Transport.Kind == config.TransportBus {
		cfg.Transport.Kind = config.TransportMailbox
	}
	coordID, err := pickCoordinator(cfg, submitCoordinator)
	if err != nil {
		return err
	}
	description := strings.Join(args, " ")

	p, err := openPlumbing(ctx, s, false)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	reg, err := agent.NewRegistry(cfg, p.runtime)
	if err != nil {
		return err
	}
	requester, err := reg.CreateAgent(ctx, config.AgentConfig{AgentID: requesterID(), Role: directory.RoleRequester})
	if err != nil {
		return err
	}
	defer reg.DrainAll(2 * time.Second)

	out := cmd.OutOrStdout()
	if submitNoWait {
		ack, err := submitTask(ctx, requester, coordID, description, submitPlan, submitTimeout)
		if err != nil {
			return err
		}
		if submitJSON {
			return writeJSON(out, ack)
		}
		fmt.Fprintln(out, ack.TaskID)
		return nil
	}

	done, err := submitAndWait(ctx, requester, coordID, description, submitPlan, submitTimeout)
	if err != nil {
		return err
	}
	if submitJSON {
		return writeJSON(out, done)
	}
	printCompletion(out, done)
	if done.Status != message.StatusCompleted {
		return fmt.Errorf("task %s %s", done.TaskID, strings.ToLower(done.Status))
	}
	return nil
}

func requesterID() string {
	return "cli-" + uuid.NewString()[:8]
}

// pickCoordinator returns want when it names a configured coordinator, or
// the first configured coordinator when want is empty.
func pickCoordinator(cfg config.Config, want string) (string, error) {
	coords := cfg.Coordinators()
	if want == "" {
		if len(coords) == 0 {
			return "", errors.New("no coordinator configured; add an agent with role: coordinator")
		}
		return coords[0].AgentID, nil
	}
	for _, c := range coords {
		if c.AgentID == want {
			return want, nil
		}
	}
	return "", fmt.Errorf("%q is not a configured coordinator", want)
}

func submitTask(ctx context.Context, requester *agent.Agent, coordID, description, plan string, timeout time.Duration) (message.TaskAck, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return requester.Submit(ctx, coordID, description, plan)
}

// submitAndWait submits one task and blocks until its completion arrives.
func submitAndWait(ctx context.Context, requester *agent.Agent, coordID, description, plan string, timeout time.Duration) (message.TaskCompleted, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ack, err := requester.Submit(ctx, coordID, description, plan)
	if err != nil {
		return message.TaskCompleted{}, err
	}
	done, err := requester.AwaitCompletion(ctx, ack.TaskID)
	if err != nil {
		return message.TaskCompleted{}, fmt.Errorf("wait for task %s: %w", ack.TaskID, err)
	}
	return done, nil
}
