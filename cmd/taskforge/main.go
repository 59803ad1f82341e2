// Command taskforge wires the four layers of the task execution engine
// together (Process Manager, Execution Engine, Resilient Executor, Workflow
// Orchestrator) behind a thin cobra CLI, with a rootCmd/subcommand shape
// and signal-driven graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sudocode-ai/taskforge/internal/config"
	"github.com/sudocode-ai/taskforge/internal/logging"
	"github.com/sudocode-ai/taskforge/pkg/checkpoint"
	"github.com/sudocode-ai/taskforge/pkg/engine"
	"github.com/sudocode-ai/taskforge/pkg/jsrunner"
	"github.com/sudocode-ai/taskforge/pkg/procmanager"
	"github.com/sudocode-ai/taskforge/pkg/resilient"
	"github.com/sudocode-ai/taskforge/pkg/workflow"
)

var log = logging.For("cmd")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskforge",
	Short: "Resilient task execution engine",
	Long: `taskforge composes a Process Manager, Execution Engine, Resilient
Executor, and Workflow Orchestrator into a single embeddable stack for
running retried, circuit-broken, multi-step task workflows.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the engine with an in-process JavaScript task runner and status endpoint",
	Run: func(cmd *cobra.Command, args []string) {
		runEngine(useJSRunner)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the engine with the process-manager-backed task runner",
	Run: func(cmd *cobra.Command, args []string) {
		runEngine(useProcessRunner)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print engine configuration and exit",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			log.WithError(err).Fatal("failed to load configuration")
		}
		out, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(out))
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(statusCmd)

	runCmd.Flags().StringP("port", "p", "8080", "Port for the status HTTP surface")
	viper.BindPFlag("server.port", runCmd.Flags().Lookup("port"))
	workerCmd.Flags().StringP("port", "p", "8080", "Port for the status HTTP surface")
	viper.BindPFlag("server.port", workerCmd.Flags().Lookup("port"))
}

type runnerKind int

const (
	useJSRunner runnerKind = iota
	useProcessRunner
)

// engineStack holds every wired layer so the status handler can report on
// them without threading parameters through the whole command tree.
type engineStack struct {
	procManager *procmanager.Manager
	eng         *engine.Engine
	executor    *resilient.Executor
	orchestrator *workflow.Orchestrator
}

func runEngine(kind runnerKind) {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	logging.SetLevel(cfg.LogLevel)

	stack, shutdownFn := buildStack(cfg, kind)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recovered, err := stack.orchestrator.RecoverStalled(2 * time.Minute)
	if err != nil {
		log.WithError(err).Warn("stalled workflow recovery scan failed")
	} else if len(recovered) > 0 {
		log.WithField("count", len(recovered)).Info("resumed stalled workflows")
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Get("/health", healthHandler)
	r.Get("/metrics", metricsHandler(stack))

	port := viper.GetString("server.port")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", port).Info("status endpoint listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("status server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("status server forced to shutdown")
	}

	shutdownFn()
	log.Info("shutdown complete")
}

// buildStack wires the Process Manager, Execution Engine, Resilient
// Executor and Workflow Orchestrator together from configuration, and
// returns a function that tears everything down in dependency order.
func buildStack(cfg *config.Config, kind runnerKind) (*engineStack, func()) {
	procCfg := procmanager.Config{
		GracefulWindow:   cfg.Process.GracefulWindow,
		CleanupRetention: cfg.Process.CleanupRetention,
	}
	manager := procmanager.NewManager(procCfg)

	var runTask engine.RunTaskFunc
	if kind == useProcessRunner {
		taskRunner := procmanager.NewTaskRunner(manager, nil)
		runTask = taskRunner.RunTask
	} else {
		jsRunner := jsrunner.New(30 * time.Second)
		runTask = jsRunner.RunTask
	}

	eng := engine.New(engine.Config{MaxConcurrent: cfg.Engine.MaxConcurrent}, runTask)

	retryPolicy := resilient.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Backoff: resilient.Backoff{
			Type:      resilient.BackoffType(cfg.Retry.BackoffType),
			BaseDelay: cfg.Retry.BaseDelay,
			MaxDelay:  cfg.Retry.MaxDelay,
			Jitter:    cfg.Retry.Jitter,
		},
	}
	breakerCfg := resilient.BreakerConfig{
		FailureThreshold: cfg.Retry.BreakerFailureThreshold,
		SuccessThreshold: cfg.Retry.BreakerSuccessThreshold,
		Timeout:          cfg.Retry.BreakerTimeout,
	}
	executor := resilient.New(eng, retryPolicy, breakerCfg)

	store := buildCheckpointStore(cfg)

	orchestrator := workflow.New(workflow.Config{
		CheckpointInterval: cfg.Workflow.CheckpointInterval,
		WaitTimeout:        cfg.Workflow.WaitTimeout,
	}, executor, store)

	stack := &engineStack{
		procManager:  manager,
		eng:          eng,
		executor:     executor,
		orchestrator: orchestrator,
	}

	shutdown := func() {
		eng.Shutdown()
		manager.Shutdown()
	}
	return stack, shutdown
}

// buildCheckpointStore prefers Postgres when a database URL is configured
// and reachable, falling back to an in-memory store so the engine remains
// usable without external infrastructure.
func buildCheckpointStore(cfg *config.Config) checkpoint.Store {
	if cfg.DatabaseURL == "" {
		return checkpoint.NewMemoryStore()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := checkpoint.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Warn("failed to connect checkpoint store to postgres, falling back to in-memory")
		return checkpoint.NewMemoryStore()
	}
	return store
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `"}`))
}

func metricsHandler(stack *engineStack) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := struct {
			Process procmanager.ManagerMetrics `json:"process"`
			Engine  engine.Metrics             `json:"engine"`
			Retry   resilient.RetryMetrics     `json:"retry"`
		}{
			Process: stack.procManager.GetMetrics(),
			Engine:  stack.eng.GetMetrics(),
			Retry:   stack.executor.GetRetryMetrics(),
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot); err != nil {
			log.WithError(err).Warn("failed to encode metrics response")
		}
	}
}
