package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/rivalwatch/internal/app"
	"github.com/rivalwatch/internal/config"
	"github.com/rivalwatch/internal/models"
	"github.com/rivalwatch/internal/orchestrator"
	"github.com/rivalwatch/internal/tracker"
	"github.com/rivalwatch/pkg/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rivalwatch-scheduler",
		Short: "Background scheduler for rivalwatch",
		Long: `Re-runs the analysis of every monitor on a schedule so change
detection keeps up without anyone opening the client. Runs are started one at a
time; the client follows at most one live stream.`,
		RunE: runScheduler,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runScheduler(cmd *cobra.Command, args []string) error {
	var err error

	// Load config
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	log.Info().Msg("Starting rivalwatch scheduler")

	repo, err := app.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := app.Open(ctx, cfg, repo, log, app.Hooks{})
	if err != nil {
		return err
	}
	defer session.Close()

	exporter, err := tracker.NewSheetsExporter(ctx, cfg.Tracker, session.Limiter, log)
	if err != nil {
		return fmt.Errorf("failed to initialize sheet export: %w", err)
	}

	// Start health check server
	go startHealthServer()

	job := &rerunJob{orch: session.Orchestrator, exporter: exporter, cfg: cfg.Scheduler, log: log.WithComponent("rerun")}

	// Create cron scheduler
	c := cron.New(cron.WithLogger(cronLogger{log}))

	_, err = c.AddFunc(cfg.Scheduler.RerunCron, func() { job.Run(ctx) })
	if err != nil {
		return fmt.Errorf("failed to schedule rerun job: %w", err)
	}
	log.Info().Str("cron", cfg.Scheduler.RerunCron).Msg("Rerun job scheduled")

	// Start scheduler
	c.Start()
	log.Info().Msg("Scheduler started")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info().Msg("Shutting down scheduler")
	<-c.Stop().Done()

	return nil
}

// rerunJob starts a fresh analysis for every active monitor in turn
type rerunJob struct {
	orch     *orchestrator.Orchestrator
	exporter *tracker.SheetsExporter // nil when export is disabled
	cfg      config.SchedulerConfig
	log      *logger.Logger

	running sync.Mutex
}

// Run skips the tick when the previous one is still going
func (j *rerunJob) Run(ctx context.Context) {
	if !j.running.TryLock() {
		j.log.Warn().Msg("Previous rerun still in progress, skipping")
		return
	}
	defer j.running.Unlock()

	j.log.Info().Msg("Running scheduled rerun")

	monitors, err := j.orch.LoadMonitors(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to load monitors")
		return
	}

	var completed, failed int
	for _, m := range monitors {
		if m.Archived() || m.Pending {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if err := j.rerun(ctx, m); err != nil {
			failed++
			j.log.Error().Err(err).Str("monitor_id", m.ID).Msg("Rerun failed")
			continue
		}
		completed++
	}

	j.log.Info().
		Int("completed", completed).
		Int("failed", failed).
		Msg("Scheduled rerun completed")
}

func (j *rerunJob) rerun(ctx context.Context, m models.Monitor) error {
	runCtx, cancel := context.WithTimeout(ctx, j.cfg.RunTimeout)
	defer cancel()

	log := j.log.WithMonitor(m.ID)

	started, err := j.orch.Submit(runCtx, m.URL)
	if err != nil {
		return fmt.Errorf("failed to start analysis: %w", err)
	}
	log.WithTask(started.LatestTaskID).Info().Msg("Analysis started")

	err = j.orch.Wait(runCtx)
	var taskErr *orchestrator.TaskFailedError
	switch {
	case errors.As(err, &taskErr):
		// partial results are still worth exporting
		log.Warn().Str("message", taskErr.Message).Msg("Analysis failed")
	case errors.Is(err, context.DeadlineExceeded):
		if j.orch.Cancel() {
			log.Warn().Msg("Stopped following the run")
		}
		return fmt.Errorf("analysis did not finish within %s", j.cfg.RunTimeout)
	case err != nil:
		return err
	}

	if j.exporter == nil {
		return nil
	}
	w := j.orch.Snapshot(started.ID)
	if _, err := j.exporter.ExportChanges(ctx, started, w.Changes); err != nil {
		return fmt.Errorf("failed to export changes: %w", err)
	}
	return nil
}

// cronLogger adapts our logger for cron
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// startHealthServer starts a simple HTTP server for health checks
func startHealthServer() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "10000"
	}

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("rivalwatch scheduler"))
	})

	log.Info().Str("port", port).Msg("Health check server starting")
	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Error().Err(err).Msg("Health server failed")
	}
}
