package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mickaelli/storyctl/internal/models"
	"github.com/mickaelli/storyctl/internal/registry"
)

var storyCmd = &cobra.Command{
	Use:   "story",
	Short: "Manage stories",
}

var storyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Submit a new story for generation",
	RunE:  runStoryCreate,
}

var storyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stories",
	RunE:  runStoryList,
}

var storyShowCmd = &cobra.Command{
	Use:   "show [story-id]",
	Short: "Show story details",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoryShow,
}

var storyCompileCmd = &cobra.Command{
	Use:   "compile [story-id]",
	Short: "Compile a story's shots into the final video",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoryCompile,
}

var (
	storyTitle  string
	storyScript string
	scriptFile  string
	storyStyle  string
	waitDone    bool
)

func init() {
	storyCmd.AddCommand(storyCreateCmd, storyListCmd, storyShowCmd, storyCompileCmd)

	storyCreateCmd.Flags().StringVar(&storyTitle, "title", "", "Story title (required)")
	storyCreateCmd.Flags().StringVar(&storyScript, "script", "", "Script text")
	storyCreateCmd.Flags().StringVar(&scriptFile, "script-file", "", "Read the script from a file")
	storyCreateCmd.Flags().StringVar(&storyStyle, "style", string(models.StyleMovie), "Rendering style (movie, animation, realistic)")
	storyCreateCmd.Flags().BoolVar(&waitDone, "wait", false, "Block until the operation finishes")
	storyCreateCmd.MarkFlagRequired("title")

	storyCompileCmd.Flags().BoolVar(&waitDone, "wait", false, "Block until the operation finishes")
}

func runStoryCreate(cmd *cobra.Command, args []string) error {
	script := storyScript
	if scriptFile != "" {
		data, err := os.ReadFile(scriptFile)
		if err != nil {
			return err
		}
		script = string(data)
	}
	if script == "" {
		return fmt.Errorf("provide --script or --script-file")
	}
	style := models.StoryStyle(storyStyle)
	if !style.Valid() {
		return fmt.Errorf("unknown style %q (want movie, animation or realistic)", storyStyle)
	}

	a, err := newApp(waitDone)
	if err != nil {
		return err
	}
	defer a.close()

	resp, err := a.client.CreateStory(context.Background(), &models.CreateStoryRequest{
		DisplayName:   storyTitle,
		ScriptContent: script,
		Style:         style,
	})
	if err != nil {
		return err
	}

	a.track(resp.OperationName, registry.Meta{Kind: models.KindStoryCreate})
	fmt.Printf("Submitted: %s (%s)\n", resp.OperationName, resp.State)

	if waitDone {
		return a.waitFor(resp.OperationName)
	}
	fmt.Println("Track progress with: storyctl ops watch")
	return nil
}

func runStoryList(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	resp, err := a.listStories(context.Background())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTYLE\tSTATUS\tUPDATED")
	for _, s := range resp.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Title, s.Style, s.Status, s.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runStoryShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	s, err := a.getStory(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", s.ID)
	fmt.Printf("Title:    %s\n", s.Title)
	fmt.Printf("Style:    %s\n", s.Style)
	fmt.Printf("Status:   %s\n", s.Status)
	fmt.Printf("Duration: %ds\n", s.Duration)
	if s.CoverURL != "" {
		fmt.Printf("Cover:    %s\n", s.CoverURL)
	}
	if s.Content != "" {
		fmt.Printf("\n%s\n", s.Content)
	}
	return nil
}

func runStoryCompile(cmd *cobra.Command, args []string) error {
	a, err := newApp(waitDone)
	if err != nil {
		return err
	}
	defer a.close()

	resp, err := a.client.CompileStory(context.Background(), args[0])
	if err != nil {
		return err
	}

	a.track(resp.OperationName, registry.Meta{StoryID: args[0], Kind: models.KindVideoRender})
	fmt.Printf("Submitted: %s (%s)\n", resp.OperationName, resp.State)

	if waitDone {
		return a.waitFor(resp.OperationName)
	}
	fmt.Println("Track progress with: storyctl ops watch")
	return nil
}
