package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spcoaching/coachsync/pkg/resource"
	"github.com/spcoaching/coachsync/pkg/types"
	"github.com/spf13/cobra"
)

// Pending commands
var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Inspect writes staged on this device",
}

var pendingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List staged writes, oldest first per resource",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		pending, err := s.Pending()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No staged writes")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RESOURCE\tRECORD\tOPERATION\tQUEUED\tOWNERS")
		for _, sy := range s.Syncers() {
			for _, e := range pending[sy.ResourceType()] {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n",
					e.ResourceType, e.RecordID, e.Operation, e.QueuedAt.Format(time.RFC3339), e.Owners)
			}
		}
		return w.Flush()
	},
}

var pendingClearCmd = &cobra.Command{
	Use:   "clear [RESOURCE]",
	Short: "Discard staged writes of one or every resource",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		targets := s.Syncers()
		if len(args) == 1 {
			rt, err := types.ParseResourceType(args[0])
			if err != nil {
				return err
			}
			sy, ok := s.Syncer(rt)
			if !ok {
				return fmt.Errorf("no service for %s", rt)
			}
			targets = []resource.Syncer{sy}
		}

		for _, sy := range targets {
			if err := sy.ClearPending(); err != nil {
				return fmt.Errorf("%s: %w", sy.ResourceType(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Cleared %s\n", sy.ResourceType())
		}
		return nil
	},
}

func init() {
	pendingCmd.AddCommand(pendingListCmd)
	pendingCmd.AddCommand(pendingClearCmd)
	rootCmd.AddCommand(pendingCmd)
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Send staged writes to the backend now",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		summary, err := s.Replay(cmd.Context())
		if summary != nil {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Replayed: %d  Kept: %d  Discarded: %d  (%s)\n",
				summary.Replayed, summary.Kept, summary.Discarded, summary.Duration.Round(time.Millisecond))
			for _, res := range summary.Results {
				for _, r := range res.Replayed {
					if r.ServerID != "" && r.ServerID != r.RecordID {
						fmt.Fprintf(out, "  %s %s -> %s\n", res.ResourceType, r.RecordID, r.ServerID)
					}
				}
				for _, d := range res.Discarded {
					fmt.Fprintf(out, "  %s %s discarded: %v\n", res.ResourceType, d.RecordID, d.Err)
				}
			}
		}
		return err
	},
}

var signoutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Close subscriptions and erase every staged write on this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		if err := s.SignOut(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Signed out, local data erased")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(signoutCmd)
}
