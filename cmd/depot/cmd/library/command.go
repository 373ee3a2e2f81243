// Package library provides commands for the installed title library.
package library

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentstation/depot/cmd/application"
	"github.com/agentstation/depot/internal/cmd/emoji"
	"github.com/agentstation/depot/internal/cmd/output"
	"github.com/agentstation/depot/pkg/jobs"
)

// NewCommand creates the library command.
func NewCommand(app application.Application) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "library",
		Aliases: []string{"lib"},
		GroupID: "core",
		Short:   "List and reconcile installed titles",
		Long: `List the titles recorded as installed.

With --reconcile the library is first rebuilt from the download root:
entries whose directory is gone are dropped, sizes are refreshed, finished
jobs missing from the library are verified and recorded, and directories
nothing accounts for are listed as untracked.`,
		Example: `  depot library
  depot library --reconcile
  depot library forget 440 --platform linux`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := app.Depot()
			if err != nil {
				return err
			}
			if reconcile, _ := cmd.Flags().GetBool("reconcile"); reconcile {
				idx, err := d.Reconcile(cmd.Context())
				if err != nil {
					return err
				}
				return render(cmd, app, idx)
			}
			entries, err := d.Library(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, app, entries)
		},
	}
	cmd.Flags().Bool("reconcile", false, "Rebuild the library from disk before listing")

	cmd.AddCommand(newForgetCommand(app), newPlayedCommand(app))
	return cmd
}

func newForgetCommand(app application.Application) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forget <title-id>",
		Short: "Remove a title from the library without deleting its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, err := platformFlag(cmd, app)
			if err != nil {
				return err
			}
			d, err := app.Depot()
			if err != nil {
				return err
			}
			if err := d.Forget(cmd.Context(), args[0], platform); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Forgot %s (%s)\n", emoji.Success, args[0], platform)
			return nil
		},
	}
	cmd.Flags().String("platform", "", "Platform of the install (default from config)")
	return cmd
}

func newPlayedCommand(app application.Application) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "played <title-id>",
		Short: "Record that a title was launched now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, err := platformFlag(cmd, app)
			if err != nil {
				return err
			}
			d, err := app.Depot()
			if err != nil {
				return err
			}
			entry, err := d.MarkPlayed(cmd.Context(), args[0], platform)
			if err != nil {
				return err
			}
			return render(cmd, app, entry)
		},
	}
	cmd.Flags().String("platform", "", "Platform of the install (default from config)")
	return cmd
}

// platformFlag returns --platform, falling back to the configured default.
func platformFlag(cmd *cobra.Command, app application.Application) (jobs.Platform, error) {
	p, _ := cmd.Flags().GetString("platform")
	if p == "" {
		p = app.Settings().DefaultPlatform
	}
	return jobs.ParsePlatform(p)
}

func render(cmd *cobra.Command, app application.Application, data any) error {
	format := output.DetectFormat(app.OutputFormat())
	return output.NewFormatter(format).Format(cmd.OutOrStdout(), data)
}
