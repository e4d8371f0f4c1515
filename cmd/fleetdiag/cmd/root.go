package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	instance  string
	shareRoot string

	// Version info - set via SetVersion()
	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "fleetdiag",
	Short: "Distributed diagnostic sessions over shared storage",
	Long: `fleetdiag coordinates diagnostic sessions across a fleet of instances
that share nothing but a storage location. Every instance runs an agent
that picks up sessions naming it, runs the configured collector and
analyzer, and publishes logs and reports back to shared storage.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// SetVersion injects build information.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: .fleetdiag/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto",
		"log format (auto, text, json)")
	rootCmd.PersistentFlags().StringVar(&instance, "instance", "",
		"instance name (default: hostname)")
	rootCmd.PersistentFlags().StringVar(&shareRoot, "storage-root", "",
		"shared storage root directory")

	// Bind flags to viper (errors are nil when flag exists)
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("instance.name", rootCmd.PersistentFlags().Lookup("instance"))
	_ = viper.BindPFlag("storage.root", rootCmd.PersistentFlags().Lookup("storage-root"))
}
