// Package jobs provides commands for inspecting and running download jobs.
package jobs

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentstation/depot/cmd/application"
	"github.com/agentstation/depot/internal/cmd/output"
	"github.com/agentstation/depot/internal/server/filter"
	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
)

// NewCommand creates the jobs command.
func NewCommand(app application.Application) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "jobs",
		Aliases: []string{"job"},
		GroupID: "core",
		Short:   "List, inspect and run download jobs",
		Long: `List the jobs recorded in the state directory.

Listing reads persisted state and does not resume any download. Use
'depot serve' to run the queue in the background, or 'depot jobs submit'
to download a single title in the foreground.`,
		Example: `  depot jobs
  depot jobs --state pending,running
  depot jobs show 3f9c1a2b
  depot jobs submit 440 --platform windows`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd, app)
		},
	}
	addListFlags(cmd)

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd, app)
		},
	}
	addListFlags(list)

	cmd.AddCommand(list, newShowCommand(app), newSubmitCommand(app))
	return cmd
}

func addListFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("state", nil, "Only jobs in these states (pending, running, succeeded, failed, cancelled)")
	cmd.Flags().String("platform", "", "Only jobs for this platform")
	cmd.Flags().String("title", "", "Only jobs for this title ID")
}

// parseFilter reads the list flags.
func parseFilter(cmd *cobra.Command) (filter.JobFilter, error) {
	var f filter.JobFilter
	states, _ := cmd.Flags().GetStringSlice("state")
	for _, s := range states {
		st, err := jobs.ParseState(strings.TrimSpace(s))
		if err != nil {
			return f, err
		}
		f.States = append(f.States, st)
	}
	if p, _ := cmd.Flags().GetString("platform"); p != "" {
		platform, err := jobs.ParsePlatform(p)
		if err != nil {
			return f, err
		}
		f.Platform = platform
	}
	f.TitleID, _ = cmd.Flags().GetString("title")
	return f, nil
}

func runList(cmd *cobra.Command, app application.Application) error {
	f, err := parseFilter(cmd)
	if err != nil {
		return err
	}
	d, err := app.Depot()
	if err != nil {
		return err
	}
	history, err := d.History(cmd.Context())
	if err != nil {
		return err
	}
	return render(cmd, app, f.Apply(history))
}

func newShowCommand(app application.Application) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job",
		Long:  "Show one job. A unique prefix of the job ID is enough.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := app.Depot()
			if err != nil {
				return err
			}
			history, err := d.History(cmd.Context())
			if err != nil {
				return err
			}
			job, err := findJob(history, args[0])
			if err != nil {
				return err
			}
			return render(cmd, app, job)
		},
	}
}

// findJob matches id exactly or as a unique prefix.
func findJob(list []jobs.Job, id string) (jobs.Job, error) {
	var matches []jobs.Job
	for _, j := range list {
		if j.ID == id {
			return j, nil
		}
		if strings.HasPrefix(j.ID, id) {
			matches = append(matches, j)
		}
	}
	switch len(matches) {
	case 0:
		return jobs.Job{}, errors.NewNotFoundError("job", id)
	case 1:
		return matches[0], nil
	default:
		return jobs.Job{}, errors.NewValidationError("job_id", id, fmt.Sprintf("prefix matches %d jobs", len(matches)))
	}
}

func render(cmd *cobra.Command, app application.Application, data any) error {
	format := output.DetectFormat(app.OutputFormat())
	return output.NewFormatter(format).Format(cmd.OutOrStdout(), data)
}
