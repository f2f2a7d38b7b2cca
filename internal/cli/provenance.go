// provenance.go implements the "nbctl provenance" command for querying
// the execution audit trail.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/config"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/stringutil"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/db"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/db/dialect"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/provenance"
)

var provenanceCmd = &cobra.Command{
	Use:   "provenance",
	Short: "Show recent provenance records",
	Long: `Query the provenance database named by the config and print the
newest execution records, or aggregate them with --stats.`,
	RunE: runProvenance,
}

var (
	provLimit    int
	provNotebook string
	provStatus   string
	provTool     string
	provStats    bool
	provDays     int
)

func init() {
	provenanceCmd.Flags().IntVar(&provLimit, "limit", 20, "Maximum rows to print")
	provenanceCmd.Flags().StringVar(&provNotebook, "notebook", "", "Filter by notebook path (LIKE pattern)")
	provenanceCmd.Flags().StringVar(&provStatus, "status", "", "Filter by status (running, ok, error, cancelled)")
	provenanceCmd.Flags().StringVar(&provTool, "tool", "", "Filter by tool name")
	provenanceCmd.Flags().BoolVar(&provStats, "stats", false, "Print per-tool and per-day aggregates instead of rows")
	provenanceCmd.Flags().IntVar(&provDays, "days", 14, "Day window for the --stats daily counts")
}

func runProvenance(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer log.Sync()

	if !cfg.Provenance.Enabled {
		return fmt.Errorf("provenance is disabled in config (provenance.enabled: false)")
	}

	pool, err := openProvenancePool(cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	store, err := provenance.NewStore(pool, log)
	if err != nil {
		return fmt.Errorf("opening provenance store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if provStats {
		return printStats(ctx, store)
	}
	return printRecent(ctx, store)
}

func printRecent(ctx context.Context, store *provenance.Store) error {
	records, err := store.List(ctx, provenance.ListFilter{
		Notebook: provNotebook,
		Status:   provStatus,
		Tool:     provTool,
		Limit:    provLimit,
	})
	if err != nil {
		return fmt.Errorf("listing provenance: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("no provenance records match")
		return nil
	}

	fmt.Printf("%-19s  %-9s  %-22s  %-4s  %-9s  %s\n",
		"STARTED", "STATUS", "TOOL", "CELL", "DURATION", "NOTEBOOK")
	for _, rec := range records {
		fmt.Printf("%-19s  %-9s  %-22s  %-4s  %-9s  %s\n",
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			rec.Status,
			rec.Tool,
			formatCell(rec.CellIndex),
			formatDuration(rec),
			rec.NotebookPath)
		if rec.Error != "" {
			fmt.Printf("%21s error: %s\n", "", stringutil.TruncateStringWithEllipsis(rec.Error, 100))
		}
	}
	return nil
}

func printStats(ctx context.Context, store *provenance.Store) error {
	tools, err := store.ToolStats(ctx)
	if err != nil {
		return fmt.Errorf("aggregating tool stats: %w", err)
	}
	days, err := store.DailyCounts(ctx, provDays)
	if err != nil {
		return fmt.Errorf("aggregating daily counts: %w", err)
	}

	if len(tools) == 0 {
		fmt.Println("no finished executions recorded")
		return nil
	}

	fmt.Printf("%-22s  %-6s  %-7s  %s\n", "TOOL", "RUNS", "ERRORS", "AVG")
	for _, t := range tools {
		avg := time.Duration(t.AvgMillis * float64(time.Millisecond))
		fmt.Printf("%-22s  %-6d  %-7d  %s\n", t.Tool, t.Runs, t.Errors, avg.Round(time.Millisecond))
	}

	if len(days) > 0 {
		fmt.Println()
		fmt.Printf("%-12s  %-6s  %s\n", "DAY", "RUNS", "ERRORS")
		for _, d := range days {
			fmt.Printf("%-12s  %-6d  %d\n", d.Day, d.Runs, d.Errors)
		}
	}
	return nil
}

// openProvenancePool opens the database named by the config, sqlite by
// default. Opening the sqlite writer alongside a running server is
// safe: schema setup is idempotent and WAL admits concurrent readers.
func openProvenancePool(cfg *config.Config) (*db.Pool, error) {
	if cfg.Provenance.Driver == "postgres" {
		raw, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		sqlxDB := sqlx.NewDb(raw, dialect.PGX)
		return db.NewPool(sqlxDB, sqlxDB), nil
	}

	writer, err := db.OpenSQLite(cfg.Provenance.Path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	reader, err := db.OpenSQLiteReader(cfg.Provenance.Path)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("opening sqlite reader: %w", err)
	}
	return db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3)), nil
}

func formatCell(index int) string {
	if index < 0 {
		return "-"
	}
	return fmt.Sprintf("%d", index)
}

func formatDuration(rec *provenance.Record) string {
	if rec.FinishedAt == nil {
		return "-"
	}
	return (time.Duration(rec.DurationMS) * time.Millisecond).String()
}
