// Package main is the entry point for the aiori agent binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aiori-io/aiori/internal/agent/host"
	"github.com/aiori-io/aiori/internal/agent/registry"
	"github.com/aiori-io/aiori/internal/agent/shell"
	"github.com/aiori-io/aiori/internal/common/config"
	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/events/bus"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "aiori-agent",
		Short: "Fleet agent: hosts measurement modules driven over the bus",
		Long: `aiori-agent joins the fleet by publishing heartbeats on NATS and
hosts the modules described by manifests in its modules directory.
Modules are hot-reloaded when their manifests change on disk.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (yaml)")

	cmd.AddCommand(startCmd(&configPath))
	cmd.AddCommand(shellCmd(&configPath))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aiori-agent version %s\n", version)
		},
	})

	return cmd
}

func startCmd(configPath *string) *cobra.Command {
	var modulesDir string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the agent until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(*configPath, modulesDir)
		},
	}
	cmd.Flags().StringVar(&modulesDir, "modules-dir", "", "override the watched modules directory")

	return cmd
}

func shellCmd(configPath *string) *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive REPL against a live agent",
		Long: `shell connects to the bus and targets one agent. Lines of the form
"<module> <json>" publish a request to that module's input subject;
replies and module errors print as they arrive. "exit" or EOF quits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(*configPath, agentID)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id to target (required)")
	_ = cmd.MarkFlagRequired("agent")

	return cmd
}

func runStart(configPath, modulesDir string) error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if modulesDir != "" {
		cfg.Agent.ModulesDir = modulesDir
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	agentID := cfg.Agent.ID
	if agentID == "" {
		agentID = uuid.NewString()
	}
	agentName := cfg.Agent.Name
	if agentName == "" {
		if hostname, err := os.Hostname(); err == nil {
			agentName = hostname
		} else {
			agentName = agentID
		}
	}

	log.Info("Starting aiori agent...",
		zap.String("agent_id", agentID),
		zap.String("agent_name", agentName),
		zap.String("modules_dir", cfg.Agent.ModulesDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, err := connectBus(cfg, log)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	h := host.New(host.Config{
		AgentID:           agentID,
		AgentName:         agentName,
		Tags:              cfg.Agent.Tags,
		ModulesDir:        cfg.Agent.ModulesDir,
		WorkDir:           cfg.Agent.WorkDir,
		HeartbeatInterval: cfg.Agent.HeartbeatIntervalDuration(),
		StopTimeout:       cfg.Agent.StopTimeoutDuration(),
		Debounce:          cfg.Agent.DebounceDuration(),
	}, eventBus, registry.Default(), log)

	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("start module host: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down aiori agent...")

	h.Stop()
	cancel()

	log.Info("aiori agent stopped")
	return nil
}

func runShell(configPath, agentID string) error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// The REPL owns stdout; keep log noise out of it.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     cfg.Logging.Format,
		OutputPath: "stderr",
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()

	eventBus, err := connectBus(cfg, log)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	sh := shell.New(eventBus, agentID, os.Stdin, os.Stdout, log)
	return sh.Run(context.Background())
}

// connectBus picks NATS when a URL is configured, otherwise the
// in-memory bus for single-process runs.
func connectBus(cfg *config.Config, log *logger.Logger) (bus.Bus, error) {
	if cfg.NATS.URL == "" {
		log.Info("Using in-memory bus (no NATS URL configured)")
		return bus.NewMemoryBus(log), nil
	}
	natsBus, err := bus.NewNATSBus(cfg.NATS, log)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return natsBus, nil
}
