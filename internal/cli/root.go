// Package cli provides the command-line interface for excomm.
package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Smellon69/exception-based-comms/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "excomm",
	Short: "Exception-based inter-process communication speed test",
	Long: `excomm measures the throughput of a message channel built on the
host's structured-exception and debugger-attach facilities. Two instances
run the "speed" command: they negotiate roles through a named shared
store, then exchange messages in two rounds with sender and receiver
roles swapped between them.`,
	// Anything but the speed command prints usage and exits cleanly.
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", config.DefaultLogLevel, "log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON instead of text")
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-json", rootCmd.PersistentFlags().Lookup("log-json"))
}

func initConfig() {
	config.SetDefaults()

	viper.SetEnvPrefix("EXCOMM")
	// EXCOMM_SETTLE_DELAY for settle-delay and so on.
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
