package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/infirad/hadi/pkg/config"
	"github.com/infirad/hadi/pkg/utils"
)

// Version is set via ldflags.
var Version = "dev"

var (
	configPath string
	logLevel   string
	cfg        *config.AppConfig
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hadi",
		Short:         "Hadi - lead-generation chat agent for INFIRAD",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				utils.GetLogger().Warn("Failed to load .env", "error", err)
			}
			// init writes the file that later commands read
			if cmd.Name() == "init" {
				utils.InitLogger(utils.LogOptions{Level: logLevel})
				return nil
			}
			loaded, err := loadConfig()
			if err != nil {
				return err
			}
			cfg = loaded
			level := cfg.Log.Level
			if logLevel != "" {
				level = logLevel
			}
			utils.InitLogger(utils.LogOptions{Level: level, Format: cfg.Log.Format})
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.hadi/config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newExportCmd(),
		newImportCmd(),
		newStatsCmd(),
		newRequestsCmd(),
	)
	return root
}

func loadConfig() (*config.AppConfig, error) {
	if configPath != "" {
		c, _, err := config.LoadFrom(configPath)
		return c, err
	}
	c, _, err := config.Load()
	return c, err
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		utils.GetLogger().Error("Command failed", "error", err)
		os.Exit(1)
	}
}
