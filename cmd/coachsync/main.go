package main

import (
	"fmt"
	"os"

	"github.com/spcoaching/coachsync/pkg/config"
	"github.com/spcoaching/coachsync/pkg/log"
	"github.com/spcoaching/coachsync/pkg/metrics"
	"github.com/spcoaching/coachsync/pkg/session"
	"github.com/spcoaching/coachsync/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "coachsync",
	Short: "Live sync and offline fallback for the coaching backend",
	Long: `coachsync loads, watches and replays the coaching app's data
(workouts, meal plans, goals, measurements and chats) against its Supabase
backend. Writes made while the backend is unreachable are kept on this
device and replayed once it is back.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"coachsync version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to the YAML config file")
	pf.String("data-dir", "", "Directory of the local fallback store")
	pf.String("store", "", "Local store backend (bolt or sqlite)")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.Bool("log-json", false, "Log as JSON")
	pf.String("token", "", "Supabase access token of the signed-in user")
}

// loadConfig reads the config file and environment, then applies the flags
// the user set explicitly
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.Store.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("store") {
		backend, _ := flags.GetString("store")
		cfg.Store.Backend = storage.Backend(backend)
	}
	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		cfg.Log.Level = log.Level(level)
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON, _ = flags.GetBool("log-json")
	}
	if flags.Changed("token") {
		cfg.Supabase.AccessToken, _ = flags.GetString("token")
	}

	log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON, Output: os.Stderr})
	metrics.SetVersion(Version)
	return cfg, nil
}

// openSession builds the session for a command. Callers close it.
func openSession(cmd *cobra.Command) (*session.Session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return session.Open(cfg)
}
