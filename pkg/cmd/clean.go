package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

func newCleanCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "clean [names...]",
		Short: "Remove populated dependencies from the cache root",
		Long:  "Removes the source, build and record directories of the named dependencies, or of every dependency when no names are given.",
		RunE:  runClean,
	}
	c.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")
	return c
}

func runClean(cmd *cobra.Command, args []string) error {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return err
	}

	st := newStore(Settings, ProjectDir)
	names := args
	if len(names) == 0 {
		if names, err = st.Names(); err != nil {
			return err
		}
	}
	if len(names) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to clean")
		return nil
	}

	if !yes {
		confirmed, err := confirmClean(names)
		if err != nil {
			return err
		}
		if !confirmed {
			return nil
		}
	}

	c, err := newCache(Settings, st, false)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := c.Evict(cmd.Context(), name); err != nil {
			return fmt.Errorf("removing %s: %w", name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", name)
	}
	return nil
}

func confirmClean(names []string) (bool, error) {
	var confirmed bool
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Remove %s?", strings.Join(names, ", "))).
				Affirmative("Remove").
				Negative("Cancel").
				Value(&confirmed),
		),
	).Run()
	if err != nil {
		return false, fmt.Errorf("prompt failed: %w", err)
	}
	return confirmed, nil
}
