package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mickaelli/storyctl/internal/cache"
	"github.com/mickaelli/storyctl/internal/models"
	"github.com/mickaelli/storyctl/internal/registry"
)

var shotCmd = &cobra.Command{
	Use:   "shot",
	Short: "Manage shots within a story",
}

var shotListCmd = &cobra.Command{
	Use:   "list [story-id]",
	Short: "List a story's shots",
	Args:  cobra.ExactArgs(1),
	RunE:  runShotList,
}

var shotShowCmd = &cobra.Command{
	Use:   "show [story-id] [shot-id]",
	Short: "Show shot details",
	Args:  cobra.ExactArgs(2),
	RunE:  runShotShow,
}

var shotUpdateCmd = &cobra.Command{
	Use:   "update [story-id] [shot-id]",
	Short: "Update shot fields",
	Args:  cobra.ExactArgs(2),
	RunE:  runShotUpdate,
}

var shotRegenCmd = &cobra.Command{
	Use:   "regenerate [story-id] [shot-id]",
	Short: "Regenerate a shot's assets",
	Args:  cobra.ExactArgs(2),
	RunE:  runShotRegen,
}

var (
	shotTitle     string
	shotDesc      string
	shotNarration string
	shotDetails   string
	regenDetails  string
	regenAsset    string
	shotWait      bool
)

func init() {
	shotCmd.AddCommand(shotListCmd, shotShowCmd, shotUpdateCmd, shotRegenCmd)

	shotUpdateCmd.Flags().StringVar(&shotTitle, "title", "", "New title")
	shotUpdateCmd.Flags().StringVar(&shotDesc, "description", "", "New description")
	shotUpdateCmd.Flags().StringVar(&shotNarration, "narration", "", "New narration")
	shotUpdateCmd.Flags().StringVar(&shotDetails, "details", "", "New visual details")

	shotRegenCmd.Flags().StringVar(&regenDetails, "details", "", "Override visual details for this regeneration")
	shotRegenCmd.Flags().StringVar(&regenAsset, "asset-type", "", "Asset to regenerate (image, video)")
	shotRegenCmd.Flags().BoolVar(&shotWait, "wait", false, "Block until the operation finishes")
}

func runShotList(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	resp, err := a.listShots(context.Background(), args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tID\tTITLE\tSTATUS")
	for _, s := range resp.Shots {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Sequence, s.ID, s.Title, s.Status)
	}
	return w.Flush()
}

func runShotShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	s, err := a.getShot(context.Background(), args[0], args[1])
	if err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", s.ID)
	fmt.Printf("Story:       %s\n", s.StoryID)
	fmt.Printf("Sequence:    %s\n", s.Sequence)
	fmt.Printf("Title:       %s\n", s.Title)
	fmt.Printf("Status:      %s\n", s.Status)
	if s.Description != "" {
		fmt.Printf("Description: %s\n", s.Description)
	}
	if s.Narration != "" {
		fmt.Printf("Narration:   %s\n", s.Narration)
	}
	if s.Details != "" {
		fmt.Printf("Details:     %s\n", s.Details)
	}
	return nil
}

func runShotUpdate(cmd *cobra.Command, args []string) error {
	fields := map[string]string{}
	if cmd.Flags().Changed("title") {
		fields["title"] = shotTitle
	}
	if cmd.Flags().Changed("description") {
		fields["description"] = shotDesc
	}
	if cmd.Flags().Changed("narration") {
		fields["narration"] = shotNarration
	}
	if cmd.Flags().Changed("details") {
		fields["details"] = shotDetails
	}
	if len(fields) == 0 {
		return fmt.Errorf("nothing to update: pass at least one field flag")
	}

	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	s, err := a.client.UpdateShot(context.Background(), args[0], args[1], &models.UpdateShotRequest{Shot: fields})
	if err != nil {
		return err
	}

	// A field edit invalidates locally cached shot views immediately.
	a.cache.Invalidate(cache.ShotDetailKey(args[0], args[1]))
	a.cache.Invalidate(cache.ShotsListKey(args[0]))
	fmt.Printf("Updated shot %s (%s)\n", s.ID, s.Status)
	return nil
}

func runShotRegen(cmd *cobra.Command, args []string) error {
	a, err := newApp(shotWait)
	if err != nil {
		return err
	}
	defer a.close()

	resp, err := a.client.RegenerateShot(context.Background(), args[0], args[1], &models.RegenerateShotRequest{
		Details:   regenDetails,
		AssetType: regenAsset,
	})
	if err != nil {
		return err
	}

	a.track(resp.OperationName, registry.Meta{
		StoryID: args[0],
		ShotID:  args[1],
		Kind:    models.KindShotRegen,
	})
	fmt.Printf("Submitted: %s (%s)\n", resp.OperationName, resp.State)

	if shotWait {
		return a.waitFor(resp.OperationName)
	}
	fmt.Println("Track progress with: storyctl ops watch")
	return nil
}
