package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-swarm/internal/agent"
	"github.com/basket/go-swarm/internal/config"
	"github.com/basket/go-swarm/internal/cron"
	"github.com/basket/go-swarm/internal/directory"
	"github.com/basket/go-swarm/internal/relay"
	"github.com/basket/go-swarm/internal/shared"
	"github.com/basket/go-swarm/internal/telemetry"
)

var (
	runServeRelay  bool
	runTask        string
	runPlan        string
	runTimeout     time.Duration
	runDrain       time.Duration
	runJSON        bool
	runCoordinator string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the configured agents",
	Long: `Start every agent listed in config.yaml together with the maintenance
scheduler and the config watcher. Runs until interrupted.

With --task, submits one task to a coordinator, prints the completion and
exits.`,
	Args: cobra.NoArgs,
	RunE: runAgents,
}

func init() {
	runCmd.Flags().BoolVar(&runServeRelay, "relay", false, "also serve the websocket relay at transport.relay_addr")
	runCmd.Flags().StringVar(&runTask, "task", "", "submit this task once and exit when it finishes")
	runCmd.Flags().StringVar(&runPlan, "plan", "", "named plan to run with --task")
	runCmd.Flags().StringVar(&runCoordinator, "coordinator", "", "coordinator for --task (default: first configured)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 10*time.Minute, "how long --task waits for completion")
	runCmd.Flags().DurationVar(&runDrain, "drain", 10*time.Second, "how long running subtasks get on shutdown")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the --task completion as JSON")
}

func runAgents(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(runTask != "")
	if err != nil {
		return err
	}
	defer s.Close()
	cfg := s.cfg
	logger := s.logger
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "agents", len(cfg.Agents), "transport", cfg.Transport.Kind)
	logEnvOverrides(logger, cfg)

	p, err := openPlumbing(ctx, s, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	if runServeRelay {
		srv := relay.New(relay.Config{
			Token:          cfg.Transport.RelayToken,
			BufferPerAgent: cfg.Transport.RelayBufferPerAgent,
			AllowOrigins:   cfg.Transport.AllowOrigins,
			Logger:         logger,
			Tracer:         p.runtime.Tracer,
		})
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Transport.RelayAddr); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay stopped", "error", err)
			}
		}()
	}

	reg, err := agent.NewRegistry(cfg, p.runtime)
	if err != nil {
		return err
	}
	if err := reg.StartAll(ctx); err != nil {
		return fmt.Errorf("start agents: %w", err)
	}
	defer reg.DrainAll(runDrain)
	logger.Info("startup phase", "phase", "agents_started", "count", len(reg.ListAgents()))

	sched, err := maintenance(cfg, reg, p, logger)
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger, instructionFiles(cfg)...)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go config.Reloader(ctx, watcher, logger, func(next config.Config) {
			if logLevelFlag == "" {
				s.level.Set(telemetry.ParseLevel(next.LogLevel))
			}
			n := reg.ApplyPollBounds(next.Transport.PollMin(), next.Transport.PollMax())
			logger.Info("config applied", "log_level", next.LogLevel, "pollers", n)
		})
	}

	if runTask != "" {
		return runOnce(ctx, cmd, reg, cfg)
	}

	<-ctx.Done()
	logger.Info("shutdown requested")
	return nil
}

func runOnce(ctx context.Context, cmd *cobra.Command, reg *agent.Registry, cfg config.Config) error {
	coordID, err := pickCoordinator(cfg, runCoordinator)
	if err != nil {
		return err
	}
	requester, err := reg.CreateAgent(ctx, config.AgentConfig{AgentID: requesterID(), Role: directory.RoleRequester})
	if err != nil {
		return err
	}
	done, err := submitAndWait(ctx, requester, coordID, runTask, runPlan, runTimeout)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if runJSON {
		return writeJSON(out, done)
	}
	if snap, err := reg.WaitForTask(ctx, done.TaskID, time.Second); err == nil {
		printGraph(out, snap, false)
		fmt.Fprintln(out)
	}
	printCompletion(out, done)
	return nil
}

// maintenance schedules periodic graph snapshots and retention purges.
func maintenance(cfg config.Config, reg *agent.Registry, p *plumbing, logger *slog.Logger) (*cron.Scheduler, error) {
	m := cfg.Maintenance
	sched := cron.NewScheduler(cron.Config{Logger: p.runtime.Logger})
	snapshots := cron.SnapshotJob(m.SnapshotSchedule, func() []cron.Snapshotter {
		coords := reg.Coordinators()
		out := make([]cron.Snapshotter, 0, len(coords))
		for _, c := range coords {
			out = append(out, c)
		}
		return out
	}, p.runtime.Logger)
	if err := sched.Add(snapshots); err != nil {
		return nil, fmt.Errorf("schedule snapshots: %w", err)
	}
	retention := cron.RetentionJob(m.RetentionSchedule, p.store, m.RetentionMessagesDays, m.RetentionTasksDays, p.runtime.Logger, nil)
	if err := sched.Add(retention); err != nil {
		return nil, fmt.Errorf("schedule retention: %w", err)
	}
	logger.Info("maintenance scheduled", "snapshot", m.SnapshotSchedule, "retention", m.RetentionSchedule)
	return sched, nil
}

// logEnvOverrides reports the settings taken from the environment with
// secret values masked.
func logEnvOverrides(logger *slog.Logger, cfg config.Config) {
	for _, name := range cfg.EnvOverrides {
		logger.Info("config env override", "var", name, "value", shared.RedactEnvValue(name, os.Getenv(name)))
	}
}

func instructionFiles(cfg config.Config) []string {
	var files []string
	for _, a := range cfg.Agents {
		if a.InstructionsFile != "" {
			files = append(files, a.InstructionsFile)
		}
	}
	return files
}
