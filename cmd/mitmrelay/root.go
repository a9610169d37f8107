package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mitmrelay/internal/config"
)

var (
	cfgFile      string
	logLevelFlag string
	addrFlag     string
)

var rootCmd = &cobra.Command{
	Use:   "mitmrelay",
	Short: "Interactive CDP-driven HTTP(S) traffic mediation engine",
	Long: `mitmrelay attaches to a Chrome DevTools Protocol target and mediates
its HTTP(S) traffic: every exchange passes through a rewrite engine, an
exclusion filter, and, when armed, a suspend-for-operator-decision step,
before being forwarded, dropped, or fulfilled.`,
}

var cfg config.Config

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/mitmrelay/config.yaml or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "HTTP listen address (overrides config)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logLevelFlag != "" {
			loaded.Logging.Level = logLevelFlag
		}
		if addrFlag != "" {
			loaded.Server.Addr = addrFlag
		}
		cfg = loaded
		return nil
	}
}
