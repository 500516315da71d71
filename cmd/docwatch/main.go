package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/docwatch/internal/config"
	"github.com/TobiSchelling/docwatch/internal/database"
	"github.com/TobiSchelling/docwatch/internal/events"
	"github.com/TobiSchelling/docwatch/internal/extract"
	"github.com/TobiSchelling/docwatch/internal/poller"
	"github.com/TobiSchelling/docwatch/internal/server"
	"github.com/TobiSchelling/docwatch/internal/source"
	"github.com/TobiSchelling/docwatch/internal/ui"
	"github.com/TobiSchelling/docwatch/internal/watch"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "docwatch",
	Short:   "Watch an intranet page for new PDF documents",
	Long:    "docwatch scrapes a document listing page on a schedule, serves the result as JSON and notifies clients about new documents.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine.
		_ = godotenv.Load()

		if cmd.Name() == "init" || cmd.Name() == "version" {
			setLogFlags()
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if strings.EqualFold(cfg.Logging.Level, "debug") {
			verbose = true
		}
		setLogFlags()
		return nil
	},
}

func setLogFlags() {
	if verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	} else {
		log.SetFlags(log.LstdFlags)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scrapeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(seenCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("docwatch", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/docwatch/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to set the source page URL and container selector.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run history and cache status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Source: %s\n\n", cfg.Source.URL)
		fmt.Println("Poller runs:")
		fmt.Printf("  Total: %d\n", stats.TotalRuns)
		fmt.Printf("  Successful: %d\n", stats.SuccessfulRuns)
		fmt.Printf("  Failed: %d\n", stats.FailedRuns)

		last, err := db.GetLastSuccessfulRun()
		if err != nil {
			return fmt.Errorf("getting last run: %w", err)
		}
		if last != nil && last.FinishedAt != nil {
			fmt.Printf("  Last success: %s (%d documents)\n", *last.FinishedAt, last.RecordCount)
		}

		runs, err := db.GetRecentRuns(5)
		if err != nil {
			return fmt.Errorf("getting recent runs: %w", err)
		}
		for _, r := range runs {
			started := ""
			if r.StartedAt != nil {
				started = *r.StartedAt
			}
			line := fmt.Sprintf("    [%d] %s %-7s %d", r.ID, started, r.Status, r.RecordCount)
			if r.ErrorMessage != nil {
				line += "  " + *r.ErrorMessage
			}
			fmt.Println(line)
		}

		svc, err := newWatchService(db, ui.NewNotifier(os.Stdout))
		if err != nil {
			return err
		}
		fmt.Println("\nClient cache:")
		fmt.Printf("  Cached documents: %d\n", len(svc.Cached()))
		fmt.Printf("  Seen: %d\n", svc.SeenCount())
		fmt.Printf("  Unseen: %d\n", svc.UnseenCount())
		return nil
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the poller and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		loader, err := source.FromConfig(cfg)
		if err != nil {
			return err
		}
		interval, err := cfg.PollInterval()
		if err != nil {
			return err
		}

		broker := events.NewBroker(0)
		p, err := poller.New(poller.Options{
			Fetcher:   loader,
			Selector:  cfg.Source.Container,
			SourceURL: loader.URL(),
			Interval:  interval,
			Runs:      db,
			Publisher: broker,
			Verbose:   verbose,
		})
		if err != nil {
			return err
		}

		srv, err := server.New(p, broker, db)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p.Start(ctx)
		defer p.Stop()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(port))
		fmt.Printf("Starting server at http://%s\n", addr)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, addr, srv.Handler())
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// --- scrape command ---

var scrapeFile string

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Run the extraction once and print the records as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			records []extract.Record
			err     error
		)
		if scrapeFile != "" {
			records, err = scrapeLocalFile(scrapeFile)
		} else {
			var loader *source.Loader
			loader, err = source.FromConfig(cfg)
			if err != nil {
				return err
			}
			records, err = loader.Records(cmd.Context(), cfg.Source.Container)
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	},
}

func init() {
	scrapeCmd.Flags().StringVarP(&scrapeFile, "file", "f", "", "Parse a saved HTML page instead of fetching the source")
}

func scrapeLocalFile(path string) ([]extract.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var base *url.URL
	if cfg.Source.URL != "" {
		if base, err = url.Parse(cfg.Source.URL); err != nil {
			return nil, fmt.Errorf("invalid source url: %w", err)
		}
	}
	return extract.ParseHTML(f, cfg.Source.Container, base)
}

// --- client commands ---

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the local cache fresh and report new documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		notifier := ui.NewNotifier(os.Stdout)
		svc, err := newWatchService(db, notifier)
		if err != nil {
			return err
		}
		svc.Subscribe(notifier.Signal)

		interval, err := cfg.RefreshInterval()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc.Refresh(ctx, true)

		timer := cron.New(cron.WithLogger(cron.PrintfLogger(log.Default())))
		timer.Schedule(cron.Every(interval), cron.FuncJob(func() { svc.Refresh(ctx, false) }))
		timer.Start()
		defer func() { <-timer.Stop().Done() }()

		go svc.OnRemoteChangeSignal(ctx)

		fmt.Printf("Watching %s, refreshing every %s. Press Ctrl+C to stop.\n", cfg.Client.ServerURL, interval)
		<-ctx.Done()
		return nil
	},
}

var refreshForce bool

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch the server snapshot once into the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		notifier := ui.NewNotifier(os.Stdout)
		svc, err := newWatchService(db, notifier)
		if err != nil {
			return err
		}
		svc.Subscribe(notifier.Signal)
		svc.Refresh(cmd.Context(), refreshForce)
		return nil
	},
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshForce, "force", false, "Announce the refresh before it starts")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		svc, err := newWatchService(db, ui.NewNotifier(os.Stdout))
		if err != nil {
			return err
		}
		ui.RenderRecords(os.Stdout, svc.Cached(), svc.UnseenCount())
		return nil
	},
}

var seenCmd = &cobra.Command{
	Use:   "seen",
	Short: "Mark all cached documents as seen",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		notifier := ui.NewNotifier(os.Stdout)
		svc, err := newWatchService(db, notifier)
		if err != nil {
			return err
		}
		svc.Subscribe(notifier.Signal)
		return svc.MarkSeen()
	},
}

func newWatchService(db *database.DB, notifier watch.Notifier) (*watch.Service, error) {
	return watch.New(watch.Options{
		ServerURL: cfg.Client.ServerURL,
		Timeout:   cfg.ClientTimeout(),
		Store:     db,
		Notifier:  notifier,
	})
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "docwatch.db")
	return database.Open(dbPath)
}
