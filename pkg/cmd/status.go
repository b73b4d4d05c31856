package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/depfetch/depfetch/pkg/store"
)

func newStatusCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "status",
		Short: "Show population records in the cache root",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	c.Flags().StringP("output", "o", "text", "output format: text or yaml")
	return c
}

type statusEntry struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Locator     string    `json:"locator,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Commit      string    `json:"commit,omitempty"`
	Mutable     bool      `json:"mutable,omitempty"`
	Unverified  bool      `json:"unverified,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   string    `json:"errorKind,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	if format != "text" && format != "yaml" {
		return fmt.Errorf("unknown output format %q", format)
	}

	entries, err := collectStatus(newStore(Settings, ProjectDir))
	if err != nil {
		return err
	}

	if format == "yaml" {
		data, err := yaml.Marshal(entries)
		if err != nil {
			return fmt.Errorf("marshaling status: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	return printStatus(cmd.OutOrStdout(), entries)
}

func collectStatus(st store.Store) ([]statusEntry, error) {
	names, err := st.Names()
	if err != nil {
		return nil, err
	}
	entries := make([]statusEntry, 0, len(names))
	for _, name := range names {
		rec, err := st.ReadRecord(name)
		if err != nil {
			entries = append(entries, statusEntry{Name: name, State: "corrupt", Error: err.Error()})
			continue
		}
		if rec == nil {
			entries = append(entries, statusEntry{Name: name, State: string(store.StateEmpty)})
			continue
		}
		entries = append(entries, statusEntry{
			Name:        name,
			State:       string(rec.State),
			Locator:     rec.Locator,
			Fingerprint: rec.Fingerprint,
			Commit:      rec.ResolvedCommit,
			Mutable:     rec.Mutable,
			Unverified:  rec.Unverified,
			Error:       rec.LastError,
			ErrorKind:   rec.ErrorKind,
			UpdatedAt:   rec.UpdatedAt,
		})
	}
	return entries, nil
}

func printStatus(w io.Writer, entries []statusEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No dependencies populated")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tLOCATOR\tDETAIL")
	for _, e := range entries {
		detail := ""
		switch {
		case e.Error != "":
			detail = e.ErrorKind + ": " + e.Error
		case e.Commit != "":
			detail = shortCommit(e.Commit)
			if e.Mutable {
				detail += " (branch)"
			}
		case e.Unverified:
			detail = "unverified"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, e.State, e.Locator, detail)
	}
	return tw.Flush()
}
