package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkarimi23/agentfs/storage"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, cleanup, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		infos, err := store.ListSessions(ctx)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("no sessions")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tRECORDS\tCOMPACTED")
		for _, info := range infos {
			compacted := "-"
			if info.Compacted {
				compacted = "yes"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", info.ID, info.Records, compacted)
		}
		return w.Flush()
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact <session-id>",
	Short: "Force compaction of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		agent, _, cleanup, err := newAgent(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		s, err := agent.Open(ctx, args[0])
		if err != nil {
			return err
		}
		defer s.Close()

		result, err := agent.Compact(ctx, s)
		if err != nil {
			return err
		}
		fmt.Printf("compacted %s: %d -> %d records, ~%d -> ~%d bytes in %s\n",
			args[0], result.OldRecords, result.NewRecords,
			result.OldSize, result.NewSize, result.Duration.Round(time.Millisecond))
		return nil
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair <session-id>",
	Short: "Load a session, repairing any structural damage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		agent, _, cleanup, err := newAgent(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		s, err := agent.Open(ctx, args[0])
		if err != nil {
			return err
		}
		defer s.Close()

		if !s.Repair.Changed() {
			fmt.Printf("%s: nothing to repair\n", args[0])
			return nil
		}
		fmt.Printf("%s: removed %d, merged %d (%d unmergeable adjacencies left)\n",
			args[0], s.Repair.Removed, s.Repair.Merged, s.Repair.Unmergeable)
		return nil
	},
}

var logCmd = &cobra.Command{
	Use:   "log <session-id>",
	Short: "Print a session's compaction summary log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, cleanup, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		log, err := store.ReadSummaryLog(ctx, args[0])
		if err != nil {
			return err
		}
		if log == "" {
			fmt.Println("no compactions recorded")
			return nil
		}
		fmt.Print(log)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and everything stored under it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, cleanup, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := store.DeleteSession(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove crash leftovers: temp files and stale writer locks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, cleanup, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		sweepable, ok := store.(storage.Sweepable)
		if !ok {
			return fmt.Errorf("the %s backend has nothing to sweep", cfg.Store.Backend)
		}
		result, err := sweepable.Sweep(ctx, storage.DefaultLockStaleAfter)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d temp files, broke %d stale locks\n",
			result.TempFilesRemoved, result.StaleLocksBroken)
		return nil
	},
}
