package app

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/agentstation/depot/pkg/constants"
)

// EnvPrefix prefixes every environment variable depot reads.
const EnvPrefix = "DEPOT"

// Config holds the application configuration loaded from various sources
// including config files, environment variables, and .env files.
type Config struct {
	// Global flags
	Verbose bool
	Quiet   bool
	NoColor bool
	Format  string

	// Config file
	ConfigFile string

	// Orchestrator configuration
	DownloadRoot    string
	StateDir        string
	Store           string
	SteamCMDPath    string
	Username        string
	Password        string
	DefaultPlatform string
	Validate        bool
	Concurrency     int
	MaxRetries      int
	StallTimeout    time.Duration
	GracePeriod     time.Duration
	LivenessWindow  time.Duration
	OTelExporter    string

	// HTTP server configuration
	Server ServerConfig

	// Logging configuration
	LogLevel  string
	LogFormat string
	LogOutput string
}

// ServerConfig holds the serve command's settings.
type ServerConfig struct {
	Host        string
	Port        int
	CORS        bool
	CORSOrigins []string
	Auth        bool
	AuthToken   string
	RateLimit   int
}

// LoadConfig loads configuration from all sources in order of precedence:
// 1. Command-line flags (handled by cobra)
// 2. Environment variables (DEPOT_*)
// 3. .env files
// 4. Config file (~/.depot.yaml or --config)
// 5. Defaults
func LoadConfig(configFile string) (*Config, error) {
	// Load .env files first so they are visible to the env binding
	loadEnvFiles()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".depot")
		// A missing default config file is fine
		_ = v.ReadInConfig()
	}

	config := &Config{
		Verbose: v.GetBool("verbose"),
		Quiet:   v.GetBool("quiet"),
		NoColor: v.GetBool("no_color"),
		Format:  v.GetString("format"),

		ConfigFile: v.ConfigFileUsed(),

		DownloadRoot:    v.GetString("download_root"),
		StateDir:        v.GetString("state_dir"),
		Store:           v.GetString("store"),
		SteamCMDPath:    v.GetString("steamcmd.path"),
		Username:        v.GetString("steamcmd.username"),
		Password:        os.Getenv(EnvPrefix + "_STEAMCMD_PASSWORD"),
		DefaultPlatform: v.GetString("default_platform"),
		Validate:        v.GetBool("validate"),
		Concurrency:     v.GetInt("concurrency"),
		MaxRetries:      v.GetInt("max_retries"),
		StallTimeout:    v.GetDuration("stall_timeout"),
		GracePeriod:     v.GetDuration("grace_period"),
		LivenessWindow:  v.GetDuration("liveness_window"),
		OTelExporter:    v.GetString("otel.exporter"),

		Server: ServerConfig{
			Host:        v.GetString("server.host"),
			Port:        v.GetInt("server.port"),
			CORS:        v.GetBool("server.cors"),
			CORSOrigins: v.GetStringSlice("server.cors_origins"),
			Auth:        v.GetBool("server.auth"),
			AuthToken:   v.GetString("server.auth_token"),
			RateLimit:   v.GetInt("server.rate_limit"),
		},

		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
		LogOutput: v.GetString("log.output"),
	}

	return config, nil
}

// setDefaults registers every key so AutomaticEnv can find it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("download_root", constants.DefaultDownloadRoot)
	v.SetDefault("state_dir", constants.DefaultStateDir)
	v.SetDefault("store", constants.DefaultStoreBackend)
	v.SetDefault("steamcmd.path", constants.DefaultSteamCMDPath)
	v.SetDefault("steamcmd.username", "")
	v.SetDefault("default_platform", constants.DefaultPlatform)
	v.SetDefault("validate", true)
	v.SetDefault("concurrency", constants.DefaultConcurrency)
	v.SetDefault("max_retries", constants.MaxRetries)
	v.SetDefault("stall_timeout", constants.DefaultStallTimeout)
	v.SetDefault("grace_period", constants.DefaultGracePeriod)
	v.SetDefault("liveness_window", constants.DefaultLivenessWindow)
	v.SetDefault("otel.exporter", "none")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors", false)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.auth", false)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.rate_limit", constants.DefaultRateLimit)

	v.SetDefault("verbose", false)
	v.SetDefault("quiet", false)
	v.SetDefault("no_color", false)
	v.SetDefault("format", "")
	v.SetDefault("log.level", "")
	v.SetDefault("log.format", "auto")
	v.SetDefault("log.output", "stderr")
}

// UpdateFromFlags updates config values from parsed command flags.
// This should be called after cobra parses flags to ensure flag
// values take precedence over config file and env vars.
func (c *Config) UpdateFromFlags(verbose, quiet, noColor bool, format, logLevel string) {
	c.Verbose = c.Verbose || verbose
	c.Quiet = c.Quiet || quiet
	c.NoColor = c.NoColor || noColor
	if format != "" {
		c.Format = format
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
}

// loadEnvFiles loads environment variables from .env files.
// .env.local overrides .env; real environment variables win over both.
func loadEnvFiles() {
	for _, envFile := range []string{".env.local", ".env"} {
		_ = godotenv.Load(envFile)
	}
}
