package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentstation/depot/cmd/application"
	"github.com/agentstation/depot/internal/cmd/emoji"
	"github.com/agentstation/depot/pkg/jobs"
)

// statusInterval bounds how long a missed update can go unnoticed.
const statusInterval = time.Second

func newSubmitCommand(app application.Application) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <title-id>",
		Short: "Download a title in the foreground",
		Long: `Submit a download and run the queue until it finishes.

Other pending jobs in the state directory also run while the queue is up.
Interrupting the command returns running jobs to pending; they resume on
the next start.`,
		Example: `  depot jobs submit 440
  depot jobs submit 570 --platform windows --destination /mnt/games/dota`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseRequest(cmd, args[0])
			if err != nil {
				return err
			}
			return runSubmit(cmd, app, req)
		},
	}
	cmd.Flags().String("platform", "", "Target platform (windows, linux, macos)")
	cmd.Flags().String("destination", "", "Install directory (default <download_root>/<platform>/<title>)")
	cmd.Flags().String("name", "", "Display name for the title")
	cmd.Flags().Bool("no-validate", false, "Skip SteamCMD file validation")
	return cmd
}

func parseRequest(cmd *cobra.Command, titleID string) (jobs.Request, error) {
	req := jobs.Request{TitleID: titleID}
	if p, _ := cmd.Flags().GetString("platform"); p != "" {
		platform, err := jobs.ParsePlatform(p)
		if err != nil {
			return req, err
		}
		req.Platform = platform
	}
	req.Destination, _ = cmd.Flags().GetString("destination")
	req.Name, _ = cmd.Flags().GetString("name")
	if cmd.Flags().Changed("no-validate") {
		skip, _ := cmd.Flags().GetBool("no-validate")
		validate := !skip
		req.Validate = &validate
	}
	return req, nil
}

func runSubmit(cmd *cobra.Command, app application.Application, req jobs.Request) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := app.Logger()

	d, err := app.Depot()
	if err != nil {
		return err
	}

	updates := make(chan jobs.Job, 64)
	d.OnJobUpdated(func(j jobs.Job) {
		select {
		case updates <- j:
		default:
		}
	})

	if err := d.Start(ctx); err != nil {
		return err
	}
	id, err := d.Submit(ctx, req)
	if err != nil {
		return err
	}
	logger.Info().Str("job_id", id).Str("title_id", req.TitleID).Msg("Waiting for download")

	out := cmd.ErrOrStderr()
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	var last jobs.Job
	for {
		var j jobs.Job
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j = <-updates:
			if j.ID != id {
				continue
			}
		case <-ticker.C:
			if j, err = d.Status(id); err != nil {
				return err
			}
		}

		if j.State != last.State || j.Phase != last.Phase || int(j.Percent) != int(last.Percent) {
			fmt.Fprintf(out, "%s %s %s %.1f%%\n", j.TitleID, j.State, j.Phase, j.Percent)
		}
		last = j
		if j.IsTerminal() {
			return finished(cmd, app, j)
		}
	}
}

// finished prints the final job and turns an unsuccessful outcome into an error.
func finished(cmd *cobra.Command, app application.Application, j jobs.Job) error {
	if err := render(cmd, app, j); err != nil {
		return err
	}
	switch j.State {
	case jobs.StateSucceeded:
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s installed to %s\n", emoji.Success, j.TitleID, j.Destination)
		return nil
	case jobs.StateCancelled:
		return fmt.Errorf("job %s was cancelled", j.ID)
	default:
		if j.Error != nil {
			return j.Error
		}
		return fmt.Errorf("job %s ended in state %s", j.ID, j.State)
	}
}
