// reap.go implements the "nbctl reap" command: one reconcile pass over
// persisted sessions whose owning server is gone.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/events"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/kernel"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/state"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Reap kernels whose owning server died",
	Long: `Run one reconcile pass: every persisted session whose server
process is gone has its kernel killed (or its container removed), its
connection file deleted, and its record dropped. Sessions with a live
server are never touched.`,
	RunE: runReap,
}

var reapTimeout time.Duration

func init() {
	reapCmd.Flags().DurationVar(&reapTimeout, "timeout", 2*time.Minute, "Abort the pass after this long")
}

func runReap(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := state.NewStore(cfg.State.Dir, log)
	if err != nil {
		return fmt.Errorf("opening state dir: %w", err)
	}

	before, err := store.List()
	if err != nil {
		return fmt.Errorf("listing session records: %w", err)
	}
	if len(before) == 0 {
		fmt.Println("nothing to reap")
		return nil
	}

	kernelMgr, err := kernel.NewManager(cfg.Kernel, cfg.Docker, log)
	if err != nil {
		return fmt.Errorf("initializing kernel manager: %w", err)
	}

	// With NATS configured the kernel.reaped events reach any running
	// server; on the in-process bus they vanish with this command.
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("initializing event bus: %w", err)
	}
	defer busCleanup()

	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()

	reaper := state.NewReaper(store, kernelMgr, eventBus, cfg.State.ReapIntervalDuration(), log)
	reaper.ReconcileZombies(ctx)

	after, err := store.List()
	if err != nil {
		return fmt.Errorf("relisting session records: %w", err)
	}

	reaped := len(before) - len(after)
	if reaped <= 0 {
		fmt.Printf("nothing reaped; %d session(s) remain with live servers\n", len(after))
		return nil
	}
	fmt.Printf("reaped %d stale session(s); %d remain\n", reaped, len(after))
	return nil
}
