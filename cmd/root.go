// Package cmd wires the legion CLI: the long-running daemon plus one-shot
// commands for inspecting and mutating the session store.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/legion/internal/config"
	"github.com/zjrosen/legion/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "legion",
	Short: "Multi-minion session orchestrator",
	Long: `Legion orchestrates long-lived AI assistant sessions (minions) grouped
into projects (legions). It manages session lifecycles, persistent message
queues, and inter-minion communication.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/legion/config.yaml)")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "",
		"data directory for session state (default: ~/.legion)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")

	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("data_dir", defaults.DataDir)
	viper.SetDefault("adapter.type", defaults.Adapter.Type)
	viper.SetDefault("adapter.model", defaults.Adapter.Model)
	viper.SetDefault("adapter.permission_mode", defaults.Adapter.PermissionMode)
	viper.SetDefault("queue.poll_interval", defaults.Queue.PollInterval)
	viper.SetDefault("queue.active_timeout", defaults.Queue.ActiveTimeout)
	viper.SetDefault("queue.min_wait_seconds", defaults.Queue.MinWaitSeconds)
	viper.SetDefault("queue.min_idle_seconds", defaults.Queue.MinIdleSeconds)
	viper.SetDefault("container.workspace", defaults.Container.Workspace)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("log.level", defaults.Log.Level)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .legion/config.yaml (current directory)
		// 2. ~/.config/legion/config.yaml (user config)
		if _, err := os.Stat(".legion/config.yaml"); err == nil {
			viper.SetConfigFile(".legion/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "legion"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere: run on defaults.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "warning: could not read config: %v\n", err)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// initLogging sets up the shared logger according to config and flags.
// Returns a cleanup function.
func initLogging() (func(), error) {
	logPath := cfg.Log.FilePath
	if logPath == "" {
		logPath = filepath.Join(cfg.DataDir, "legion.log")
	}

	cleanup, err := log.Init(logPath)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}

	level := cfg.Log.Level
	if debugFlag {
		level = "debug"
	}
	switch level {
	case "debug":
		log.SetMinLevel(log.LevelDebug)
	case "warn":
		log.SetMinLevel(log.LevelWarn)
	case "error":
		log.SetMinLevel(log.LevelError)
	default:
		log.SetMinLevel(log.LevelInfo)
	}

	return cleanup, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
