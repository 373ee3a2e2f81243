// Package check provides the command that verifies depot's external dependencies.
package check

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentstation/depot/cmd/application"
	"github.com/agentstation/depot/internal/cmd/emoji"
	"github.com/agentstation/depot/internal/cmd/output"
	"github.com/agentstation/depot/internal/cmd/table"
	"github.com/agentstation/depot/internal/deps"
	"github.com/agentstation/depot/pkg/errors"
)

// Result pairs a dependency with its status for structured output.
type Result struct {
	Dependency deps.Dependency `json:"dependency" yaml:"dependency"`
	Status     deps.Status     `json:"status" yaml:"status"`
}

// NewCommand creates the check command.
func NewCommand(app application.Application) *cobra.Command {
	return &cobra.Command{
		Use:     "check",
		Aliases: []string{"doctor"},
		GroupID: "management",
		Short:   "Check that SteamCMD and the depot directories are usable",
		Long: `Check the external pieces depot needs before it can download:

  - the SteamCMD executable (configured path, then steamcmd or steamcmd.sh in PATH)
  - a writable download root
  - a writable state directory

Missing directories are created. The command fails if anything is missing.`,
		Example: `  depot check
  depot check -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd, app)
		},
	}
}

// Dependencies lists what depot needs for the given settings.
func Dependencies(s application.Settings) []deps.Dependency {
	return []deps.Dependency{
		deps.SteamCMD(s.SteamCMDPath),
		deps.Directory("download_root", "Download root", s.DownloadRoot),
		deps.Directory("state_dir", "State directory", s.StateDir),
	}
}

func runCheck(cmd *cobra.Command, app application.Application) error {
	list := Dependencies(app.Settings())
	statuses := deps.CheckAll(cmd.Context(), list)

	format := output.DetectFormat(app.OutputFormat())
	out := cmd.OutOrStdout()
	switch format {
	case output.FormatJSON, output.FormatYAML:
		results := make([]Result, 0, len(list))
		for _, d := range list {
			results = append(results, Result{Dependency: d, Status: statuses[d.Name]})
		}
		if err := output.NewFormatter(format).Format(out, results); err != nil {
			return err
		}
	default:
		if err := output.NewFormatter(format).Format(out, table.DepsToTableData(list, statuses)); err != nil {
			return err
		}
		for _, d := range deps.GetMissingDeps(list, statuses) {
			if d.InstallURL != "" {
				fmt.Fprintf(out, "%s Install %s: %s\n", emoji.Info, d.DisplayName, d.InstallURL)
			}
		}
	}

	app.Logger().Debug().Bool("missing", deps.HasMissingDeps(statuses)).Msg("Dependency check finished")
	if deps.HasMissingDeps(statuses) {
		return errors.NewValidationError("dependencies", len(deps.GetMissingDeps(list, statuses)), "required dependencies are missing")
	}
	return nil
}
