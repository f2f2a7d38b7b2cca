// sessions.go implements the "nbctl sessions" command listing persisted
// kernel records and the liveness of their processes.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/state"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted kernel sessions",
	Long: `Read the session records under state.dir and show each kernel
alongside the liveness of its kernel and owning server processes.`,
	RunE: runSessions,
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := state.NewStore(cfg.State.Dir, log)
	if err != nil {
		return fmt.Errorf("opening state dir: %w", err)
	}

	records, err := store.List()
	if err != nil {
		return fmt.Errorf("listing session records: %w", err)
	}
	if len(records) == 0 {
		fmt.Printf("no persisted sessions under %s\n", store.Dir())
		return nil
	}

	fmt.Printf("%-10s  %-22s  %-6s  %-8s  %-6s  %-10s  %s\n",
		"KERNEL", "RUNTIME", "ALIVE", "SERVER", "ALIVE", "AGE", "NOTEBOOK")

	deadServers := 0
	for _, entry := range records {
		if entry.Err != nil {
			fmt.Printf("%-10s  unreadable record %s: %v\n", "-", entry.Path, entry.Err)
			continue
		}
		rec := entry.Record

		runtime := fmt.Sprintf("pid %d", rec.KernelPID)
		kernelAlive := yesNo(state.PidAlive(rec.KernelPID))
		if rec.ContainerID != "" {
			runtime = "container " + shortID(rec.ContainerID)
			kernelAlive = "-"
		}

		serverAlive := state.PidAlive(rec.ServerPID)
		if !serverAlive {
			deadServers++
		}

		fmt.Printf("%-10s  %-22s  %-6s  %-8d  %-6s  %-10s  %s\n",
			shortID(rec.KernelID),
			runtime,
			kernelAlive,
			rec.ServerPID,
			yesNo(serverAlive),
			formatAge(time.Since(rec.CreatedAt)),
			rec.NotebookPath)
	}

	if deadServers > 0 {
		fmt.Println()
		fmt.Printf("%d session(s) have a dead server; run: nbctl reap\n", deadServers)
	}
	return nil
}

// shortID returns the first eight characters of an identifier, enough
// to tell records apart in a table.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// formatAge renders an age as a coarse duration. Ages over an hour
// drop the seconds.
func formatAge(age time.Duration) string {
	if age < 0 {
		age = 0
	}
	if age >= time.Hour {
		return age.Round(time.Minute).String()
	}
	return age.Round(time.Second).String()
}
