package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/depfetch/depfetch/pkg/orchestrator"
	"github.com/depfetch/depfetch/pkg/project"
)

func newConfigureCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "configure [names...]",
		Short: "Fetch and integrate declared dependencies",
		Long: `Runs one configuration pass over the dependencies in depfetch.toml, or the
named subset. Each dependency is fetched at most once per pin; targets are
added to the build graph only when every dependency succeeds.`,
		RunE: runConfigure,
	}
	c.Flags().Bool("refresh", false, "re-resolve branch refs under the explicit refresh policy")
	c.Flags().String("report", "", "write a YAML report of the pass to this file")
	return c
}

func runConfigure(cmd *cobra.Command, args []string) error {
	refresh, err := cmd.Flags().GetBool("refresh")
	if err != nil {
		return err
	}
	reportPath, err := cmd.Flags().GetString("report")
	if err != nil {
		return err
	}

	p, err := project.Load(ProjectDir)
	if err != nil {
		return err
	}
	reqs, err := p.Requests(args, Settings.SourceDirs)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No dependencies declared")
		return nil
	}

	eng, err := newEngine(Settings, ProjectDir, refresh)
	if err != nil {
		return err
	}

	report, runErr := eng.orchestrator.Run(cmd.Context(), reqs)
	printReport(cmd.OutOrStdout(), report)

	if reportPath != "" {
		out := newPassReport(p.Manifest.Project.Name, eng.store.Root(), report, runErr)
		if err := writeYAML(reportPath, out); err != nil {
			return errors.Join(runErr, err)
		}
	}
	return runErr
}

func printReport(w io.Writer, r *orchestrator.Report) {
	if r == nil {
		return
	}
	for _, res := range r.Results {
		state := "fetched"
		switch {
		case res.Overridden:
			state = "local override"
		case res.AlreadyCached:
			state = "cached"
		}
		line := fmt.Sprintf("  %-20s %-14s %s", res.Name, state, res.LocalPath)
		if res.Commit != "" {
			line += " @" + shortCommit(res.Commit)
		}
		if res.Unverified {
			line += " (unverified)"
		}
		fmt.Fprintln(w, line)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %-20s %-14s %v\n", f.Name, "failed", f.Err)
	}
	if len(r.Failures) == 0 {
		targets := 0
		for _, e := range r.Exported {
			targets += len(e.Targets)
		}
		fmt.Fprintf(w, "Configured %d dependencies, %d targets\n", len(r.Exported), targets)
	}
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

// passReport is the --report document.
type passReport struct {
	Project      string          `json:"project,omitempty"`
	CacheRoot    string          `json:"cacheRoot"`
	Succeeded    bool            `json:"succeeded"`
	Dependencies []depReport     `json:"dependencies,omitempty"`
	Failures     []failureReport `json:"failures,omitempty"`
}

type depReport struct {
	Name          string            `json:"name"`
	Fingerprint   string            `json:"fingerprint"`
	Path          string            `json:"path"`
	AlreadyCached bool              `json:"alreadyCached"`
	Unverified    bool              `json:"unverified,omitempty"`
	Overridden    bool              `json:"overridden,omitempty"`
	Commit        string            `json:"commit,omitempty"`
	Attempts      int               `json:"attempts"`
	Duration      string            `json:"duration"`
	Targets       []string          `json:"targets,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
}

type failureReport struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func newPassReport(projectName, cacheRoot string, r *orchestrator.Report, runErr error) passReport {
	out := passReport{Project: projectName, CacheRoot: cacheRoot, Succeeded: runErr == nil}
	if r == nil {
		return out
	}

	exported := make(map[string]int, len(r.Exported))
	for i, e := range r.Exported {
		exported[e.Name] = i
	}
	for _, res := range r.Results {
		d := depReport{
			Name:          res.Name,
			Fingerprint:   string(res.Fingerprint),
			Path:          res.LocalPath,
			AlreadyCached: res.AlreadyCached,
			Unverified:    res.Unverified,
			Overridden:    res.Overridden,
			Commit:        res.Commit,
			Attempts:      res.Attempts,
			Duration:      res.Duration.Round(time.Millisecond).String(),
		}
		if i, ok := exported[res.Name]; ok {
			d.Targets = r.Exported[i].Targets
			d.Variables = r.Exported[i].Variables
		}
		out.Dependencies = append(out.Dependencies, d)
	}
	for _, f := range r.Failures {
		out.Failures = append(out.Failures, failureReport{Name: f.Name, Kind: string(f.Kind), Error: f.Err.Error()})
	}
	return out
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
