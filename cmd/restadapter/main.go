// Package main is the entry point for the restadapter CLI.
//
// The CLI runs the adapter against the embedded broker and serves the
// broker's topic tree over HTTP.
//
// Usage:
//
//	restadapter serve -c adapter.yaml    # Run the adapter
//	restadapter validate -c adapter.yaml # Validate configuration
//	restadapter probe -c adapter.yaml    # Poll every endpoint once
//	restadapter version                  # Show version info
//
// Every flag can also be set through a RESTADAPTER_ environment variable,
// e.g. RESTADAPTER_LISTEN=:9000 or RESTADAPTER_POLL_WORKERS=4.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version information - set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// settings binds flags and RESTADAPTER_* environment variables.
var settings = newSettings()

func newSettings() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("restadapter")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("log-level", "info")
	v.SetDefault("listen", ":8090")
	v.SetDefault("poll-workers", 10)
	return v
}

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "restadapter",
	Short: "Mirror REST endpoints into broker topics",
	Long: `restadapter polls REST services and publishes each endpoint's latest
value to a topic of a publish/subscribe broker.

Quick start:
  1. Create a config file (adapter.yaml)
  2. Run: restadapter serve -c adapter.yaml
  3. Open http://localhost:8090/api/topics

Example config:
  broker:
    host: localhost
    port: 8080
  services:
    - name: weather
      host: api.example.com
      port: 443
      secure: true
      pollPeriod: 5000
      topicPathRoot: weather
      endpoints:
        - name: london
          url: /london
          topicPath: london
          produces: json`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to config file (required)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	_ = settings.BindPFlag("config", flags.Lookup("config"))
	_ = settings.BindPFlag("log-level", flags.Lookup("log-level"))

	rootCmd.AddCommand(versionCmd)
}

// configPath returns the configured config file path.
func configPath() (string, error) {
	path := settings.GetString("config")
	if path == "" {
		return "", errors.New("a config file is required (--config or RESTADAPTER_CONFIG)")
	}
	return path, nil
}

// newLogger creates a JSON logger on w at the configured level.
func newLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(settings.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this restadapter binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "restadapter %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}
