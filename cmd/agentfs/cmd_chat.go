package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/mkarimi23/agentfs"
	"github.com/mkarimi23/agentfs/maintenance"
	"github.com/mkarimi23/agentfs/storage"
)

// newAgent builds an Agent from the loaded configuration. The cleanup
// func releases the store.
func newAgent(ctx context.Context) (*agentfs.Agent, storage.Store, func(), error) {
	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	opts := []agentfs.Option{
		agentfs.WithLogger(newZapAdapter(logger)),
	}
	if cc := cfg.compactionConfig(); cc != nil {
		opts = append(opts, agentfs.WithCompactionConfig(cc))
	}

	client := anthropic.NewClient()
	agent, err := agentfs.New(agentfs.Config{
		Client:       &client,
		Store:        store,
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
	}, opts...)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return agent, store, cleanup, nil
}

// openWithHeartbeat opens a session and, when the backend supports lock
// refresh, keeps the writer lock fresh for the life of ctx.
func openWithHeartbeat(ctx context.Context, agent *agentfs.Agent, store storage.Store, sessionID string) (*agentfs.Session, func(), error) {
	s, err := agent.Open(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	stop := func() { s.Close() }
	if refresher, ok := store.(storage.LockRefresher); ok {
		hb := maintenance.NewHeartbeat(refresher, sessionID, nil)
		if err := hb.Start(ctx); err == nil {
			stop = func() {
				_ = hb.Stop(context.Background())
				s.Close()
			}
		}
	}
	return s, stop, nil
}

var chatCmd = &cobra.Command{
	Use:   "chat [session-id]",
	Short: "Start an interactive conversation in a session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		agent, store, cleanup, err := newAgent(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		sessionID := agentfs.NewSessionID()
		if len(args) == 1 {
			sessionID = args[0]
		}

		s, closeSession, err := openWithHeartbeat(ctx, agent, store, sessionID)
		if err != nil {
			return err
		}
		defer closeSession()

		if s.Repair.Changed() {
			fmt.Printf("session repaired on load: %d removed, %d merged\n",
				s.Repair.Removed, s.Repair.Merged)
		}

		fmt.Printf("session %s, model %s (ctrl-d to exit)\n", sessionID, agent.Model())
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				fmt.Println()
				return scanner.Err()
			}
			prompt := strings.TrimSpace(scanner.Text())
			if prompt == "" {
				continue
			}

			response, err := agent.RunTurn(ctx, s, prompt)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
				continue
			}
			fmt.Println(response.Text)
			if response.Compaction != nil {
				fmt.Printf("[compacted: %d -> %d records]\n",
					response.Compaction.OldRecords, response.Compaction.NewRecords)
			}
		}
	},
}
