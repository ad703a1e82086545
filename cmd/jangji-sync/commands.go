package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jangji/backend/internal/orchestrator"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultProbeInterval = 30 * time.Second

func newStatusCmd(opts *options) *cobra.Command {
	var fromServer bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the reading progress stored on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(defaultProbeInterval)
			if err != nil {
				return err
			}
			defer a.close()

			s, ok := a.session.Current()
			if !ok {
				return orchestrator.ErrNoSession
			}

			if fromServer {
				record, err := a.client.GetProgress(cmd.Context(), s.Token)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), formatRecord(record))
				return nil
			}

			record, err := a.store.Get(cmd.Context(), s.OwnerID)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatRecord(record))
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromServer, "remote", false, "Show the record stored on the server instead")

	return cmd
}

func newReadCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "read <surah> <ayah>",
		Short: "Record the verse you stopped reading at",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			surah, ayah, err := parseVerse(args)
			if err != nil {
				return err
			}

			a, err := opts.open(defaultProbeInterval)
			if err != nil {
				return err
			}
			defer a.close()

			// A reachable server gets the change right away
			a.probe.Check(cmd.Context())
			if err := a.orch.UpdateProgress(cmd.Context(), surah, ayah); err != nil {
				return err
			}
			a.orch.Wait()

			fmt.Fprintf(cmd.OutOrStdout(), "position set to %d:%d\n", surah, ayah)
			return nil
		},
	}
}

func newBookmarkCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "bookmark <surah> <ayah>",
		Short: "Add a bookmark on a verse, or remove the existing one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			surah, ayah, err := parseVerse(args)
			if err != nil {
				return err
			}

			a, err := opts.open(defaultProbeInterval)
			if err != nil {
				return err
			}
			defer a.close()

			a.probe.Check(cmd.Context())
			added, err := a.orch.ToggleBookmark(cmd.Context(), surah, ayah)
			if err != nil {
				return err
			}
			a.orch.Wait()

			if added {
				fmt.Fprintf(cmd.OutOrStdout(), "bookmark added at %d:%d\n", surah, ayah)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "bookmark removed at %d:%d\n", surah, ayah)
			}
			return nil
		},
	}
}

func newSyncCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Synchronize with the server once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(defaultProbeInterval)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.orch.SyncNow(cmd.Context()); err != nil {
				return err
			}

			s, _ := a.session.Current()
			record, err := a.store.Get(cmd.Context(), s.OwnerID)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatRecord(record))
			return nil
		},
	}
}

func newAgentCmd(opts *options) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run in the background and sync whenever the server comes back",
		Long: `Run the sync orchestrator until interrupted.

The agent syncs once at start, then again every time the server becomes
reachable after being offline.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return errors.New("interval must be positive")
			}

			a, err := opts.open(interval)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a.logger.Info("Agent started", zap.String("server", opts.serverURL), zap.Duration("interval", interval))

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.probe.Run(ctx) })
			g.Go(func() error { return a.orch.Run(ctx) })

			err = g.Wait()
			a.logger.Info("Agent stopped")
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", defaultProbeInterval, "How often to probe the server")

	return cmd
}
