package main

import (
	"fmt"
	"os"

	"github.com/kass/store-locator/pkg/config"
	"github.com/kass/store-locator/pkg/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	verbose    bool

	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "storelocator",
	Short: "Nearest store lookup service",
	Long:  `Serve, query, index and import store locations ranked by great-circle distance.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return err
		}

		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		log, err = logger.New(level, cfg.Log.Format)
		if err != nil {
			return err
		}
		log.Debug("configuration loaded", zap.Stringer("config", cfg))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync(log)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file path (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(serveCmd, nearestCmd, indexCmd, importCmd, benchCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
