// Command ai-bridge coordinates two CLI coding agents through a shared
// message bus and workflow engine, exposing the orchestration over HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wilsonherrera77/ai-bridge-cli/internal/bus"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/config"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/event"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/logging"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/metrics"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/orchestrator"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/registry"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/server"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/workflow"
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
		Use:   "ai-bridge",
		Short: "Orchestrate two CLI coding agents against one objective",
		Long: `ai-bridge spawns two interactive CLI agents (one frontend, one
backend), relays their messages through a validating bus, and drives a
planning/implementation/review workflow until the objective is met.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")

	cmd.AddCommand(newServeCommand(&configPath))
	cmd.AddCommand(newRunCommand(&configPath))
	cmd.AddCommand(newAgentsCommand(&configPath))
	cmd.AddCommand(newSessionsCommand(&configPath))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ai-bridge %s\n", version)
		},
	})
	return cmd
}

type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	counters  *metrics.Registry
	events    *event.Bus[event.Event]
	registry  *registry.Registry
	bus       *bus.Bus
	workflows *workflow.Engine
	orch      *orchestrator.Orchestrator
}

func loadConfig(configPath string) (*config.Config, error) {
	var cfg *config.Config
	if configPath == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	// Environment overrides trump the file for deploy-time settings.
	if addr := os.Getenv("AI_BRIDGE_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if token := os.Getenv("AI_BRIDGE_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}
	if level := os.Getenv("AI_BRIDGE_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

func buildApp(ctx context.Context, configPath string) (*app, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	level, ok := logging.ParseLevel(cfg.LogLevel)
	if !ok {
		level = logging.LevelInfo
	}
	logger := logging.NewLogger(logging.NewLogBuffer(logging.DefaultBufferSize), level)
	counters := metrics.Default

	events := event.NewBus[event.Event](ctx, event.BusOptions{
		Name:     "bridge",
		Registry: counters,
	})

	reg := registry.New(registry.Options{
		Logger:  logger,
		Metrics: counters,
		Events:  events,
	})

	msgBus, err := bus.New(bus.Options{
		PersistDir: cfg.Orchestration.MessageDir,
		Logger:     logger,
		Metrics:    counters,
		Events:     events,
	})
	if err != nil {
		events.Close()
		return nil, nil, fmt.Errorf("message bus: %w", err)
	}

	workflows, err := workflow.NewEngine(workflow.Options{
		SnapshotDir: cfg.Orchestration.WorkflowDir,
		Logger:      logger,
		Metrics:     counters,
		Events:      events,
	})
	if err != nil {
		msgBus.Shutdown()
		events.Close()
		return nil, nil, fmt.Errorf("workflow engine: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Config:    cfg,
		Registry:  reg,
		Bus:       msgBus,
		Workflows: workflows,
		Logger:    logger,
		Metrics:   counters,
		Events:    events,
	})
	if err != nil {
		msgBus.Shutdown()
		events.Close()
		return nil, nil, fmt.Errorf("orchestrator: %w", err)
	}

	cleanup := func() {
		if err := reg.StopAll(); err != nil {
			logger.Warn("transport shutdown", map[string]string{"bridge.error": err.Error()})
		}
		if err := msgBus.Shutdown(); err != nil {
			logger.Warn("bus shutdown", map[string]string{"bridge.error": err.Error()})
		}
		events.Close()
	}
	return &app{
		cfg:       cfg,
		logger:    logger,
		counters:  counters,
		events:    events,
		registry:  reg,
		bus:       msgBus,
		workflows: workflows,
		orch:      orch,
	}, cleanup, nil
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket control server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, cleanup, err := buildApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			srv := server.New(server.Options{
				Addr:           application.cfg.Server.Addr,
				AuthToken:      application.cfg.Server.AuthToken,
				AllowedOrigins: application.cfg.Server.AllowedOrigins,
				Sessions:       application.orch,
				Agents:         application.registry,
				Messages:       application.bus,
				Workflow:       application.workflows,
				Logger:         application.logger,
				Metrics:        application.counters,
				Events:         application.events,
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				return srv.Shutdown(context.Background())
			}
		},
	}
}

func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <objective>",
		Short: "Run one orchestration to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, cleanup, err := buildApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			sessionID, err := application.orch.StartOrchestration(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("session %s started\n", sessionID)

			done := make(chan struct{})
			go func() {
				application.orch.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				if err := application.orch.Stop(sessionID); err != nil {
					return err
				}
			}

			session, err := application.orch.SessionStatus(sessionID)
			if err != nil {
				return err
			}
			fmt.Printf("session %s finished: %s (%d iterations)\n", session.ID, session.State, session.Iteration)
			if session.ErrorMessage != "" {
				fmt.Printf("  note: %s\n", session.ErrorMessage)
			}
			if session.State != orchestrator.SessionCompleted {
				return fmt.Errorf("orchestration ended in state %s", session.State)
			}
			return nil
		},
	}
}

func newAgentsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "Show the configured agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			for _, agent := range cfg.Agents {
				fmt.Printf("%s\trole=%s\tcli=%s\tcommand=%v\tdetector=%s\n",
					agent.ID, agent.Role, agent.CLIType, agent.Command, agent.Detector.Strategy)
			}
			return nil
		},
	}
}

func newSessionsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions [id]",
		Short: "List stored sessions, or show one in full",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			application, cleanup, err := buildApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if len(args) == 1 {
				session, err := application.orch.SessionStatus(args[0])
				if err != nil {
					return err
				}
				encoded, err := json.MarshalIndent(session, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(encoded))
				return nil
			}

			ids, err := application.orch.Sessions()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("no stored sessions")
				return nil
			}
			for _, id := range ids {
				session, err := application.orch.SessionStatus(id)
				if err != nil {
					fmt.Printf("%s\t(unreadable: %v)\n", id, err)
					continue
				}
				fmt.Printf("%s\t%s\t%q\n", session.ID, session.State, session.Objective)
			}
			return nil
		},
	}
}
