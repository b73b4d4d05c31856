package cmd

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/depfetch/depfetch/pkg/project"
)

func newInitCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new depfetch project",
		Long:  "Creates a depfetch.toml manifest and offers to add the cache root and local settings to .gitignore.",
		RunE:  runInit,
	}
	c.Flags().Bool("yes", false, "add .gitignore entries without prompting")
	return c
}

func runInit(cmd *cobra.Command, args []string) error {
	name := project.InferName(ProjectDir)
	if err := project.Init(ProjectDir, name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", project.ManifestFile)

	candidates := project.GitignoreEntries(Settings, ProjectDir)
	selected := candidates
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		var err error
		if selected, err = promptGitignore(candidates); err != nil {
			return err
		}
	}

	added, err := project.EnsureGitignore(ProjectDir, selected)
	if err != nil {
		return err
	}
	for _, entry := range added {
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s to .gitignore\n", entry)
	}
	return nil
}

// promptGitignore uses huh to present a multi-select of .gitignore entries,
// all preselected.
func promptGitignore(entries []string) ([]string, error) {
	options := make([]huh.Option[string], len(entries))
	for i, e := range entries {
		options[i] = huh.NewOption(e, e).Selected(true)
	}

	var selected []string
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Add to .gitignore?").
				Options(options...).
				Value(&selected),
		),
	).Run()
	if err != nil {
		return nil, fmt.Errorf("prompt failed: %w", err)
	}
	return selected, nil
}
