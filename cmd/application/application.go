// Package application provides the application interface for depot commands.
//
// The Application interface defines the contract between the application layer and
// command implementations, enabling dependency injection and testability.
//
// Usage in Commands:
//
//	func NewCommand(app application.Application) *cobra.Command {
//	    return &cobra.Command{
//	        RunE: func(cmd *cobra.Command, args []string) error {
//	            d, err := app.Depot()
//	            if err != nil {
//	                return err
//	            }
//	            // ... use d
//	            return nil
//	        },
//	    }
//	}
//
// Testing with Mocks:
//
//	mock := &application.Mock{
//	    DepotFunc: func() (depot.Client, error) {
//	        return testClient, nil
//	    },
//	}
//	cmd := NewCommand(mock)
package application

import (
	"github.com/rs/zerolog"

	"github.com/agentstation/depot"
)

// Application provides the application interface that commands need.
// The App struct from cmd/depot/app implements this interface.
//
// Thread Safety: All methods must be safe for concurrent access.
type Application interface {
	// Depot returns the orchestrator, creating it on first use. The
	// returned client is not started; commands that run downloads call
	// Start themselves.
	Depot() (depot.Client, error)

	// Settings returns the resolved configuration values.
	Settings() Settings

	// Logger returns the configured logger instance.
	Logger() *zerolog.Logger

	// OutputFormat returns the configured output format (json, yaml, table, wide).
	OutputFormat() string

	// Version returns the application version string.
	Version() string

	// Commit returns the git commit hash.
	Commit() string

	// Date returns the build date.
	Date() string

	// BuiltBy returns the build system identifier.
	BuiltBy() string
}

// Settings are the configuration values commands read directly.
type Settings struct {
	DownloadRoot string `json:"download_root" yaml:"download_root"`
	StateDir     string `json:"state_dir" yaml:"state_dir"`
	Store        string `json:"store" yaml:"store"`
	SteamCMDPath string `json:"steamcmd_path" yaml:"steamcmd_path"`
	// DefaultPlatform is used by commands that take an optional --platform.
	DefaultPlatform string `json:"default_platform" yaml:"default_platform"`
	Concurrency     int    `json:"concurrency" yaml:"concurrency"`
}
