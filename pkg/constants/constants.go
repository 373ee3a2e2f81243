// Package constants provides shared constants used throughout the depot codebase.
// This includes timeouts, limits, file permissions, and defaults that
// should be consistent across the orchestrator, the server and the CLI.
package constants

import "time"

// Timeout constants define various timeout durations used in the application
const (
	// DefaultTimeout is the standard timeout for general operations
	DefaultTimeout = 10 * time.Second

	// DefaultStallTimeout is how long SteamCMD may stay silent before a job is considered stalled.
	// Large depots can sit in "preallocating" for a while, so this is generous.
	DefaultStallTimeout = 5 * time.Minute

	// DefaultGracePeriod is how long a process gets after an interrupt before it is killed
	DefaultGracePeriod = 10 * time.Second

	// DefaultTickInterval is how often the queue scheduler runs its housekeeping tick
	DefaultTickInterval = 1 * time.Second

	// DefaultPollInterval bounds how long an idle worker waits before re-checking the queue
	DefaultPollInterval = 250 * time.Millisecond

	// DefaultLivenessWindow is the maximum age of the last successful tick for a healthy queue
	DefaultLivenessWindow = 30 * time.Second

	// ShutdownTimeout bounds graceful server and queue shutdown
	ShutdownTimeout = 30 * time.Second

	// RetryBackoff is the base backoff duration for retries
	RetryBackoff = 1 * time.Second
)

// File permission constants define standard Unix file permissions
const (
	// DirPermissions is the default permission for created directories (rwxr-xr-x)
	DirPermissions = 0755

	// FilePermissions is the default permission for created files (rw-r--r--)
	FilePermissions = 0644

	// SecureFilePermissions is for state files that may reveal account names (rw-------)
	SecureFilePermissions = 0600
)

// Limit constants define various limits and capacities
const (
	// MaxRetries is the maximum number of automatic retries for a retryable job failure
	MaxRetries = 3

	// MaxVerificationRetries is how many times a verification failure is retried
	MaxVerificationRetries = 1

	// DefaultConcurrency is the default number of simultaneous SteamCMD processes.
	// Bandwidth and the tool itself are the bottleneck, not CPU.
	DefaultConcurrency = 2

	// MaxConcurrency caps the configurable worker count
	MaxConcurrency = 16

	// ChannelBufferSize is the default buffer size for channels
	ChannelBufferSize = 100

	// MaxLineLength is the longest single output line the process runner accepts
	MaxLineLength = 64 * 1024

	// MinInstallBytes is the smallest install directory that can pass verification
	MinInstallBytes = 1

	// JournalCompactThreshold is the number of superseded journal records that triggers compaction
	JournalCompactThreshold = 1000
)

// Rate limiting constants
const (
	// DefaultRateLimit is the default requests per minute for the HTTP API
	DefaultRateLimit = 120
)

// Cache constants
const (
	// CacheTTL is the default time-to-live for cached data
	CacheTTL = 1 * time.Minute

	// CacheCleanupInterval is how often to clean expired cache entries
	CacheCleanupInterval = 5 * time.Minute
)

// Default values
const (
	// DefaultPlatform is the platform requested when none is given
	DefaultPlatform = "windows"

	// DefaultSteamCMDPath is where the container image installs SteamCMD
	DefaultSteamCMDPath = "/home/appuser/steamcmd/steamcmd.sh"

	// DefaultDownloadRoot is the default library location
	DefaultDownloadRoot = "~/steam_downloads"

	// DefaultStateDir is where queue and library state are persisted
	DefaultStateDir = "~/.depot"

	// DefaultStoreBackend is the default persistence backend
	DefaultStoreBackend = "journal"

	// AnonymousLogin is the SteamCMD account used when no username is configured
	AnonymousLogin = "anonymous"
)

// Format constants
const (
	// TimeFormatHuman is a human-readable time format
	TimeFormatHuman = "Jan 2, 2006 at 3:04pm MST"
)
