package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mickaelli/storyctl/internal/api"
	"github.com/mickaelli/storyctl/internal/models"
	"github.com/mickaelli/storyctl/internal/registry"
	"github.com/mickaelli/storyctl/internal/tui"
)

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Inspect and watch tracked operations",
}

var opsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked operations",
	RunE:  runOpsList,
}

var opsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch tracked operations live",
	RunE:  runOpsWatch,
}

var opsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Drop stale operation handles",
	RunE:  runOpsClean,
}

var (
	cleanMaxAge time.Duration
	cleanAll    bool
)

func init() {
	opsCmd.AddCommand(opsListCmd, opsWatchCmd, opsCleanCmd)

	opsCleanCmd.Flags().DurationVar(&cleanMaxAge, "max-age", registry.DefaultMaxAge, "Drop handles older than this")
	opsCleanCmd.Flags().BoolVar(&cleanAll, "all", false, "Drop every tracked handle")
}

func runOpsList(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	refs := a.reg.List()
	if len(refs) == 0 {
		fmt.Println("No tracked operations.")
		return nil
	}

	// One aggregation pass: fetch each tracked id's current status.
	// Handles the server no longer knows about are dropped here too.
	ctx := context.Background()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTORY\tSHOT\tSTATUS\tTRACKED SINCE")
	for _, ref := range refs {
		status := "?"
		op, err := a.client.GetOperation(ctx, ref.ID)
		switch {
		case err == nil:
			status = string(op.Status)
			if op.Status == models.StatusFailed && op.ErrorMsg != "" {
				status += " (" + op.ErrorMsg + ")"
			}
		case errors.Is(err, api.ErrOperationNotFound):
			a.reg.Remove(ref.ID)
			continue
		default:
			a.log.Warn().Err(err).Str("operation_id", ref.ID).Msg("status fetch failed")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ref.ID, ref.Kind, ref.StoryID, ref.ShotID, status,
			ref.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runOpsWatch(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	return tui.NewWatch(a.tracker).Run()
}

func runOpsClean(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	if cleanAll {
		n := a.reg.Len()
		a.reg.Clear()
		fmt.Printf("Dropped %d handle(s)\n", n)
		return nil
	}

	n := a.reg.Cleanup(cleanMaxAge)
	fmt.Printf("Dropped %d stale handle(s)\n", n)
	return nil
}
