package app

import (
	"github.com/spf13/cobra"

	"github.com/agentstation/depot/cmd/depot/cmd/check"
	jobscmd "github.com/agentstation/depot/cmd/depot/cmd/jobs"
	librarycmd "github.com/agentstation/depot/cmd/depot/cmd/library"
	"github.com/agentstation/depot/cmd/depot/cmd/serve"
	"github.com/agentstation/depot/internal/server"
)

// registerCommands registers all subcommands with the root command.
func (a *App) registerCommands(rootCmd *cobra.Command) {
	// Core commands
	rootCmd.AddCommand(serve.NewCommand(a, a.serverConfig))
	rootCmd.AddCommand(jobscmd.NewCommand(a))
	rootCmd.AddCommand(librarycmd.NewCommand(a))

	// Management commands
	rootCmd.AddCommand(check.NewCommand(a))

	// Utility commands
	rootCmd.AddCommand(a.newVersionCommand())
}

// serverConfig maps the loaded configuration onto server defaults. It is
// called when serve runs, after flags and --config are applied.
func (a *App) serverConfig() server.Config {
	cfg := server.DefaultConfig()
	s := a.config.Server
	if s.Host != "" {
		cfg.Host = s.Host
	}
	if s.Port != 0 {
		cfg.Port = s.Port
	}
	cfg.CORSEnabled = s.CORS || len(s.CORSOrigins) > 0
	cfg.CORSOrigins = s.CORSOrigins
	cfg.AuthEnabled = s.Auth
	cfg.AuthToken = s.AuthToken
	cfg.RateLimit = s.RateLimit
	return cfg
}

// newVersionCommand creates the version command.
func (a *App) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("depot %s\n", a.version)
			if a.config.Verbose {
				cmd.Printf("  commit:   %s\n", a.commit)
				cmd.Printf("  built:    %s\n", a.date)
				cmd.Printf("  built by: %s\n", a.builtBy)
			}
		},
	}
}
