package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/go-swarm/internal/config"
	"github.com/basket/go-swarm/internal/persistence"
	"github.com/basket/go-swarm/internal/telemetry"
)

var (
	homeFlag     string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Collaborative multi-agent task coordination",
	Long: `swarm runs a roster of agents that cooperate on tasks.

A coordinator decomposes each submitted task into a graph of subtasks,
assigns them to worker agents as their dependencies complete, and reports
one aggregated completion back to the requester.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeFlag, "home", "", "swarm home directory (default $SWARM_HOME or ~/.goswarm)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "override log_level from config.yaml")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(relayCmd)
}

// session is the config and logger every subcommand starts from.
type session struct {
	cfg    config.Config
	logger *slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

func (s *session) Close() {
	if s.closer != nil {
		_ = s.closer.Close()
	}
}

func loadConfig() (config.Config, error) {
	home := homeFlag
	if home == "" {
		home = config.HomeDir()
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	return cfg, nil
}

// openSession loads config and opens the log file. Logs are mirrored to
// stdout unless quiet.
func openSession(quiet bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	lv := new(slog.LevelVar)
	lv.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, lv, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)
	return &session{cfg: cfg, logger: logger, level: lv, closer: closer}, nil
}

func openStore(cfg config.Config) (*persistence.Store, error) {
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	return store, nil
}

func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
