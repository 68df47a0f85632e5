package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pfrazee/vitra-sub000/internal/logger"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vitra",
	Short: "Verifiable contract ledger",
	Long: `vitra runs a contract over an append-only index log that any host can
replay and check.

The host holding the index key executes operations. Every other host
replicates the logs over QUIC and verifies the executor's work.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(cmd); err != nil {
			return err
		}

		logger.Init()

		lvl, err := logger.ParseLevel(viper.GetString("log-level"))
		if err != nil {
			return err
		}
		logger.SetLevel(lvl)

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./vitra.yaml)")
	rootCmd.PersistentFlags().String("data", "./data", "data directory")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")

	rootCmd.AddCommand(initCmd, serveCmd, verifyCmd)
	rootCmd.AddCommand(statusCmd, callCmd, getCmd, proofCmd)
}

// initConfig reads the config file and environment, then binds cmd's flags.
// Flags set on the command line win over VITRA_* variables, which win over the file.
func initConfig(cmd *cobra.Command) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("vitra")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("VITRA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config:\n%w", err)
		}
	}

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags:\n%w", err)
	}

	return nil
}
