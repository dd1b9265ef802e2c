package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"safetrail/internal/adapters/storage"
	"safetrail/internal/config"
	"safetrail/internal/domain/safety"
	"safetrail/internal/logging"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg config.Config
	root := &cobra.Command{
		Use:           "safetrail",
		Short:         "Travel sessions, safety checks and SOS escalation for wards and their guardians",
		Version:       version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if cfg, err = config.Load(); err != nil {
				return err
			}
			logging.Init(cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP and live-channel server",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending database migrations and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				db, err := openDB(cfg.DBPath)
				if err != nil {
					return err
				}
				defer db.Close()
				v, err := storage.SchemaVersion(db)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (latest %d)\n", v, storage.LatestSchemaVersion())
				return nil
			},
		},
		newScoreCmd(&cfg),
	)
	return root
}

func newScoreCmd(cfg *config.Config) *cobra.Command {
	var battery, hour, areaRisk int
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Print the safety score for a battery level, hour and area risk",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("hour") {
				hour = time.Now().In(cfg.Location()).Hour()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(safety.Evaluate(battery, hour, areaRisk))
		},
	}
	cmd.Flags().IntVar(&battery, "battery", 100, "battery level 0-100")
	cmd.Flags().IntVar(&hour, "hour", 0, "local hour 0-23 (default: now)")
	cmd.Flags().IntVar(&areaRisk, "area-risk", 0, "area risk 0-100")
	return cmd
}

// openDB opens SQLite with WAL, foreign keys and a busy timeout, then migrates.
func openDB(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	if err := storage.MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}
