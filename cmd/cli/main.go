package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rivalwatch/internal/app"
	"github.com/rivalwatch/internal/brief"
	"github.com/rivalwatch/internal/config"
	"github.com/rivalwatch/internal/events"
	"github.com/rivalwatch/internal/models"
	"github.com/rivalwatch/internal/orchestrator"
	"github.com/rivalwatch/internal/selection"
	"github.com/rivalwatch/internal/storage"
	"github.com/rivalwatch/internal/tracker"
	"github.com/rivalwatch/pkg/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
	repo    storage.Repository
	session *app.Session
	orch    *orchestrator.Orchestrator

	// printProgress is switched on by commands that follow a live run
	printProgress atomic.Bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rivalwatch",
		Short: "Competitor monitoring client",
		Long: `A client for the rivalwatch analysis backend. It starts analysis runs,
follows their live event stream and keeps a local working copy of every
monitor's profile, competitors and detected changes.`,
		PersistentPreRunE:  initializeApp,
		PersistentPostRunE: shutdownApp,
		SilenceUsage:       true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yaml)")

	// Add subcommands
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(monitorsCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(changesCmd())
	rootCmd.AddCommand(archivesCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(briefCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func initializeApp(cmd *cobra.Command, args []string) error {
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

	repo, err = app.OpenStore(cfg)
	if err != nil {
		return err
	}

	session, err = app.Open(cmd.Context(), cfg, repo, log, app.Hooks{OnStatus: reportStatus})
	if err != nil {
		return err
	}
	orch = session.Orchestrator

	return nil
}

func shutdownApp(cmd *cobra.Command, args []string) error {
	if session != nil {
		session.Close()
	}
	if repo != nil {
		return repo.Close()
	}
	return nil
}

// reportStatus prints live progress while a command follows a run
func reportStatus(monitorID string, ev events.StatusEvent) {
	if !printProgress.Load() {
		return
	}
	line := ev.Message
	if line == "" {
		line = ev.Stage
	}
	if ev.Progress != nil {
		fmt.Printf("[%3.0f%%] %s\n", *ev.Progress, line)
		return
	}
	fmt.Printf("       %s\n", line)
}

// syncMonitors refreshes the monitor list, falling back to the cached list
// when the backend can't be reached
func syncMonitors(ctx context.Context) []models.Monitor {
	monitors, err := orch.LoadMonitors(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not refresh monitors, using cached list")
		return orch.Monitors()
	}
	return monitors
}

// requireCurrent returns the current monitor or explains how to pick one
func requireCurrent() (models.Monitor, error) {
	m, ok := orch.Current()
	if !ok {
		return models.Monitor{}, errors.New("no current monitor: run 'rivalwatch monitors use <id>' or 'rivalwatch analyze <url>'")
	}
	return m, nil
}

// signalContext is cancelled on SIGINT/SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// follow waits for the live run and prints how it ended
func follow(ctx context.Context) error {
	monitorID, taskID, ok := orch.Streaming()
	if !ok {
		fmt.Println("No run in progress.")
		return nil
	}

	printProgress.Store(true)
	defer printProgress.Store(false)

	fmt.Printf("Following task %s (Ctrl+C to stop)...\n", taskID)
	err := orch.Wait(ctx)

	var failed *orchestrator.TaskFailedError
	switch {
	case errors.As(err, &failed):
		fmt.Printf("\nAnalysis failed: %s\n", failed.Message)
		fmt.Println("Partial results were kept.")
		return nil
	case errors.Is(err, context.Canceled):
		fmt.Println("\nStopped following; the run continues on the server.")
		return nil
	case err != nil:
		return err
	}

	w := orch.Snapshot(monitorID)
	fmt.Printf("\nAnalysis finished: %d competitors, %d changes\n", len(w.Peers), len(w.Changes))
	return nil
}

// ============ AUTH COMMANDS ============

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Backend session token management",
	}

	cmd.AddCommand(authLoginCmd())
	cmd.AddCommand(authStatusCmd())
	cmd.AddCommand(authLogoutCmd())
	return cmd
}

func authLoginCmd() *cobra.Command {
	var token string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a session token for the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("--token is required")
			}

			st := &models.SessionToken{
				Provider:    storage.TokenProvider,
				AccessToken: token,
				TokenType:   "Bearer",
			}
			if ttl > 0 {
				expires := time.Now().Add(ttl)
				st.ExpiresAt = &expires
			}
			if err := repo.SaveToken(ctx, st); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}
			if err := repo.SetSetting(ctx, storage.SettingHasAccess, "true"); err != nil {
				return err
			}

			fmt.Println("Token saved.")
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Session bearer token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (0 = no expiry)")
	return cmd
}

func authStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check session token status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			token, err := repo.GetToken(ctx, storage.TokenProvider)
			switch {
			case errors.Is(err, storage.ErrNotFound) && cfg.API.Token != "":
				fmt.Println("Status:     Using token from configuration")
			case errors.Is(err, storage.ErrNotFound):
				fmt.Println("Status: Not authenticated")
				fmt.Println("Run 'rivalwatch auth login --token <token>' to authenticate")
				return nil
			case err != nil:
				return err
			default:
				fmt.Printf("Status:     %s\n", map[bool]string{true: "Expired", false: "Valid"}[token.IsExpired()])
				if token.ExpiresAt != nil {
					fmt.Printf("Expires at: %s\n", token.ExpiresAt.Format(time.RFC1123))
				}
			}

			if !orch.HasAccess() {
				fmt.Println("\nThe backend rejected the last request. Run 'rivalwatch auth login' to re-authenticate")
			}
			return nil
		},
	}
}

func authLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := repo.DeleteToken(cmd.Context(), storage.TokenProvider); err != nil {
				return err
			}
			fmt.Println("Token removed.")
			return nil
		},
	}
}

// ============ MONITOR COMMANDS ============

func monitorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "monitors",
		Aliases: []string{"monitor"},
		Short:   "Monitor management",
	}

	cmd.AddCommand(monitorsListCmd())
	cmd.AddCommand(monitorsCreateCmd())
	cmd.AddCommand(monitorsRenameCmd())
	cmd.AddCommand(monitorsDeleteCmd())
	cmd.AddCommand(monitorsUseCmd())
	return cmd
}

func monitorsListCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List monitors",
		RunE: func(cmd *cobra.Command, args []string) error {
			monitors := syncMonitors(cmd.Context())
			current, _ := orch.Current()

			fmt.Printf("\n=== Monitors (%d) ===\n\n", len(monitors))
			for _, m := range monitors {
				if m.Archived() && !all {
					continue
				}
				marker := " "
				if m.ID == current.ID {
					marker = "*"
				}
				fmt.Printf("%s [%s] %s\n", marker, m.ID, m.Name)
				fmt.Printf("    URL: %s | Tracked: %d\n", m.URL, m.TrackedCompetitorCount)
				if m.LatestTaskID != "" {
					fmt.Printf("    Last run: %s (%d%%) | Task: %s\n", m.LatestTaskStatus, m.LatestTaskProgress, m.LatestTaskID)
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include archived monitors")
	return cmd
}

func monitorsCreateCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "create <url>",
		Short: "Create a monitor without starting a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			syncMonitors(ctx)

			m, err := orch.CreateMonitor(ctx, args[0], name)
			if err != nil {
				return err
			}
			fmt.Printf("Monitor [%s] %s (%s)\n", m.ID, m.Name, m.URL)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the host)")
	return cmd
}

func monitorsRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a monitor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			syncMonitors(ctx)

			m, err := orch.Rename(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Monitor [%s] renamed to %q\n", m.ID, m.Name)
			return nil
		},
	}
}

func monitorsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a monitor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			syncMonitors(ctx)

			if err := orch.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Monitor %s deleted.\n", args[0])
			if m, ok := orch.Current(); ok {
				fmt.Printf("Current monitor is now [%s] %s\n", m.ID, m.Name)
			}
			return nil
		},
	}
}

func monitorsUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Make a monitor current and load its latest results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			syncMonitors(ctx)

			if err := orch.SwitchTo(ctx, args[0]); err != nil {
				if !errors.Is(err, orchestrator.ErrValidation) {
					log.Warn().Err(err).Msg("Could not load latest results")
				} else {
					return err
				}
			}
			m, _ := orch.Current()
			fmt.Printf("Current monitor: [%s] %s (%s)\n", m.ID, m.Name, orch.State(m.ID))
			return nil
		},
	}
}

// ============ RUN COMMANDS ============

func analyzeCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "analyze <url>",
		Short: "Start an analysis run for a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			syncMonitors(ctx)

			m, err := orch.Submit(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Analysis started for [%s] %s, task %s\n", m.ID, m.Name, m.LatestTaskID)

			if !watch {
				fmt.Println("Run 'rivalwatch watch' to follow progress.")
				return nil
			}
			return follow(ctx)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Follow the run until it finishes")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the current monitor's run if it is still in progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if _, err := requireCurrent(); err != nil {
				return err
			}
			syncMonitors(ctx)

			if err := orch.Resume(ctx); err != nil {
				return err
			}
			return follow(ctx)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Poll the status of the current monitor's latest task",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := requireCurrent()
			if err != nil {
				return err
			}

			if m.LatestTaskID == "" {
				fmt.Printf("[%s] %s has no analysis run yet.\n", m.ID, m.Name)
				return nil
			}

			task, err := orch.Refresh(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Task:     %s\n", task.ID)
			fmt.Printf("Status:   %s\n", task.Status)
			fmt.Printf("Progress: %d%%\n", task.Progress)
			if task.Message != "" {
				fmt.Printf("Message:  %s\n", task.Message)
			}
			return nil
		},
	}
}

func showCmd() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current monitor's working copy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			m, err := requireCurrent()
			if err != nil {
				return err
			}
			if !offline {
				syncMonitors(ctx)
				if err := orch.SwitchTo(ctx, m.ID); err != nil {
					log.Warn().Err(err).Msg("Showing cached results")
				}
			}

			w := orch.CurrentSnapshot()
			fmt.Printf("\n=== [%s] %s ===\n", m.ID, m.Name)
			fmt.Printf("URL:   %s\n", m.URL)
			fmt.Printf("State: %s\n\n", orch.State(m.ID))

			if p := w.Profile; p != nil {
				fmt.Printf("Company: %s\n", p.Name)
				if p.Description != "" {
					fmt.Printf("  %s\n", p.Description)
				}
				if p.TargetMarket != "" {
					fmt.Printf("  Market: %s\n", p.TargetMarket)
				}
				if len(p.Features) > 0 {
					fmt.Printf("  Features: %s\n", strings.Join(p.Features, ", "))
				}
				fmt.Println()
			}

			printPeers(w.Peers)

			unread := 0
			for _, c := range w.Changes {
				if !c.IsRead() {
					unread++
				}
			}
			fmt.Printf("Changes: %d (%d unread)\n", len(w.Changes), unread)
			return nil
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "Show the cached working copy without contacting the backend")
	return cmd
}

// ============ PEER COMMANDS ============

func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "peers",
		Aliases: []string{"competitors"},
		Short:   "Competitor tracking",
	}

	cmd.AddCommand(peersListCmd())
	cmd.AddCommand(peersTrackCmd())
	cmd.AddCommand(peersUntrackCmd())
	cmd.AddCommand(peersAddCmd())
	return cmd
}

func printPeers(peers []models.Peer) {
	fmt.Printf("Competitors (%d):\n", len(peers))
	for _, p := range peers {
		check := "[ ]"
		if p.Tracked {
			check = "[x]"
		}
		fmt.Printf("  %s %s | %s | %.0f%% (%s)\n", check, p.Name, p.URL, p.Confidence*100, p.Source)
		fmt.Printf("      id: %s\n", p.ID)
	}
	fmt.Println()
}

func peersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the current monitor's competitors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := requireCurrent(); err != nil {
				return err
			}
			printPeers(orch.CurrentSnapshot().Peers)
			return nil
		},
	}
}

func peersTrackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "track <peer-id>",
		Short: "Track a competitor for change detection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := orch.TrackPeer(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Tracking %s\n", args[0])
			return nil
		},
	}
}

func peersUntrackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "untrack <peer-id>",
		Short: "Stop tracking a competitor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := orch.UntrackPeer(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("No longer tracking %s\n", args[0])
			return nil
		},
	}
}

func peersAddCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Add and track a competitor by URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := orch.AddPeer(cmd.Context(), args[0], name)
			if err != nil {
				return err
			}
			fmt.Printf("Added and tracking [%s] %s (%s)\n", p.ID, p.Name, p.URL)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the host)")
	return cmd
}

// ============ CHANGE COMMANDS ============

func changesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Detected competitor changes",
	}

	cmd.AddCommand(changesListCmd())
	cmd.AddCommand(changesReadCmd())
	return cmd
}

func feedFlags(cmd *cobra.Command, f *orchestrator.FeedFilter) {
	cmd.Flags().BoolVar(&f.UnreadOnly, "unread", false, "Only unread changes")
	cmd.Flags().Float64Var(&f.MinThreat, "min-threat", 0, "Minimum threat level (0-10)")
	cmd.Flags().IntVar(&f.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&f.PageSize, "page-size", orchestrator.DefaultPageSize, "Changes per page")
}

func changesListCmd() *cobra.Command {
	var filter orchestrator.FeedFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the current monitor's changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := requireCurrent(); err != nil {
				return err
			}

			page := orch.ChangeFeed(filter)
			fmt.Printf("\n=== Changes (%d, page %d/%d) ===\n\n", page.Total, page.Page, max(page.Pages, 1))
			for _, c := range page.Changes {
				read := "NEW "
				if c.IsRead() {
					read = "    "
				}
				fmt.Printf("%s[%s] threat %.1f | %s | %s\n", read, c.ID, c.ThreatLevel, c.ChangeType, c.URL)
				if c.Content != "" {
					fmt.Printf("    %s\n", truncate(c.Content, 160))
				}
				if c.WhyMatters != "" {
					fmt.Printf("    Why: %s\n", truncate(c.WhyMatters, 160))
				}
				fmt.Println()
			}
			return nil
		},
	}

	feedFlags(cmd, &filter)
	return cmd
}

func changesReadCmd() *cobra.Command {
	var all bool
	var filter orchestrator.FeedFilter

	cmd := &cobra.Command{
		Use:   "read [change-id...]",
		Short: "Mark changes as read",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if _, err := requireCurrent(); err != nil {
				return err
			}

			if !all && len(args) == 1 {
				if err := orch.MarkRead(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Marked %s as read.\n", args[0])
				return nil
			}

			page := orch.ChangeFeed(filter)
			sel := selection.New()
			sel.SetVisible(page.IDs())
			if all {
				sel.SelectAll()
			} else {
				for _, id := range args {
					if !sel.Select(id) {
						return fmt.Errorf("change %s is not on the selected page", id)
					}
				}
			}

			count := len(sel.Selected())
			if err := sel.BulkMarkRead(ctx, orch); err != nil {
				if errors.Is(err, selection.ErrNothingSelected) {
					fmt.Println("Nothing to mark.")
					return nil
				}
				return err
			}
			fmt.Printf("Marked %d changes as read.\n", count)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Mark every change on the filtered page")
	feedFlags(cmd, &filter)
	return cmd
}

// ============ ARCHIVE COMMANDS ============

func archivesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "Saved result archives",
	}

	cmd.AddCommand(archivesListCmd())
	cmd.AddCommand(archivesCreateCmd())
	return cmd
}

func archivesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			archives, err := orch.ListArchives(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Archives (%d) ===\n\n", len(archives))
			for _, a := range archives {
				created := ""
				if a.CreatedAt != nil {
					created = a.CreatedAt.Format("2006-01-02 15:04")
				}
				fmt.Printf("[%s] %s %s\n", a.ID, a.Title, created)
				if a.MonitorID != "" {
					fmt.Printf("    Monitor: %s | Task: %s\n", a.MonitorID, a.TaskID)
				}
			}
			return nil
		},
	}
}

func archivesCreateCmd() *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Archive the current monitor's results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var metadata map[string]any
			if note != "" {
				metadata = map[string]any{"note": note}
			}

			a, err := orch.CreateArchive(cmd.Context(), args[0], metadata)
			if err != nil {
				return err
			}
			fmt.Printf("Archive [%s] %s created.\n", a.ID, a.Title)
			return nil
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "Free-form note stored with the archive")
	return cmd
}

// ============ EXPORT COMMANDS ============

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export the current monitor's changes to Google Sheets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			m, err := requireCurrent()
			if err != nil {
				return err
			}

			exporter, err := tracker.NewSheetsExporter(ctx, cfg.Tracker, session.Limiter, log)
			if err != nil {
				return err
			}
			if exporter == nil {
				return errors.New("sheet export is disabled: set tracker.enabled and tracker.spreadsheet_id")
			}

			result, err := exporter.ExportChanges(ctx, m, orch.CurrentSnapshot().Changes)
			if err != nil {
				return err
			}
			fmt.Printf("Sheet %q: %d added, %d updated\n", result.Sheet, result.Added, result.Updated)
			return nil
		},
	}
}

func briefCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "brief",
		Short: "Summarize the current monitor's unread changes with Claude",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			m, err := requireCurrent()
			if err != nil {
				return err
			}

			client, err := brief.NewClient(cfg.Anthropic, session.Limiter, log)
			if err != nil {
				return err
			}

			d, err := client.Digest(ctx, m, orch.CurrentSnapshot().Changes)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Briefing: %s ===\n\n", m.Name)
			fmt.Println(d.Summary)
			if len(d.Highlights) > 0 {
				fmt.Println("\nHighlights:")
				for _, h := range d.Highlights {
					fmt.Printf("  - [%s] %s\n", h.ChangeID, h.Headline)
				}
			}
			if len(d.Actions) > 0 {
				fmt.Println("\nRecommended actions:")
				for _, a := range d.Actions {
					fmt.Printf("  - %s\n", a)
				}
			}
			return nil
		},
	}
}

func truncate(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if runes := []rune(s); len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return s
}
