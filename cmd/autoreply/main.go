package main

import (
	"log/slog"
	"os"
	_ "time/tzdata" // lead and location timezones must resolve in minimal images

	"github.com/spf13/cobra"

	"github.com/textualy/autoreply/internal/config"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "autoreply",
		Short:         "AI auto-reply service for CRM lead conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFile, "path to the YAML config file")

	loadConfig := func() (*config.Config, error) {
		return config.LoadFrom(configPath)
	}

	root.AddCommand(
		newServeCmd(loadConfig),
		newMigrateCmd(loadConfig),
		newSealCmd(loadConfig),
		newTokenCmd(loadConfig),
	)
	return root
}
