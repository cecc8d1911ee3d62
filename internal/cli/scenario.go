package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/settle/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Trace bool
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	File   string              `json:"file"`
	Name   string              `json:"name"`
	Pass   bool                `json:"pass"`
	Errors []string            `json:"errors,omitempty"`
	Trace  []harness.StepTrace `json:"trace,omitempty"`
}

// ScenarioSummary is the output of the scenario command.
type ScenarioSummary struct {
	Total     int              `json:"total"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Scenarios []ScenarioResult `json:"scenarios"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file-or-dir>...",
		Short: "Run scripted scenarios against a throwaway engine",
		Long: `Run YAML scenarios step by step against a fresh in-process engine with
a fake clock and a recording executor. Expectations on each step are
checked, and the log is audited after the last step. The --db flag is not
used: every scenario gets its own temporary store.

Directories are searched for *.yaml files.

Example:
  settle scenario ./scenarios
  settle scenario bridge-transfer.yaml --trace --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "include the step trace of every scenario")

	return cmd
}

func runScenarios(opts *ScenarioOptions, args []string, cmd *cobra.Command) error {
	out := newOutput(cmd, opts.RootOptions)
	ctx := commandContext(cmd)
	log := newLogger(cmd, opts.RootOptions)

	files, err := findScenarioFiles(args)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	if len(files) == 0 {
		return NewExitError(ExitCommandError, "no scenario files found")
	}

	summary := ScenarioSummary{Scenarios: []ScenarioResult{}}
	for _, file := range files {
		out.VerboseLog("running %s", file)
		sc, err := harness.LoadScenario(file)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load scenario "+file, err)
		}
		res, err := harness.Run(ctx, sc, log)
		if err != nil {
			return WrapExitError(ExitCommandError, "scenario "+sc.Name+" could not run", err)
		}

		r := ScenarioResult{File: file, Name: sc.Name, Pass: res.Pass, Errors: res.Errors}
		if opts.Trace {
			r.Trace = res.Trace
		}
		summary.Scenarios = append(summary.Scenarios, r)
		summary.Total++
		if res.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}

	if err := out.Success(summary); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return &ExitError{
			Code:     ExitFailure,
			Message:  fmt.Sprintf("%d of %d scenarios failed", summary.Failed, summary.Total),
			Reported: true,
		}
	}
	return nil
}

// findScenarioFiles expands directories into their *.yaml files, sorted.
func findScenarioFiles(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*.yaml"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	return files, nil
}
