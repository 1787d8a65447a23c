package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "otad",
	Short: "A/B over-the-air update engine",
	Long:  `Applies signed OTA payloads to the inactive slot, verifies the result, and stages the boot-slot switch.`,
}

// Exit codes: 0 for success (including updated-but-not-active), 1 for
// generic failure; cobra reports usage errors itself.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("prefs-dir", "/var/lib/otad/prefs", "Preferences directory")
	rootCmd.PersistentFlags().String("work-dir", "/var/lib/otad/work", "Working directory")
	rootCmd.PersistentFlags().String("history-db", "/var/lib/otad/history.db", "Attempt history database path")
	rootCmd.PersistentFlags().String("fsm-db-path", "/var/lib/otad/fsm.db", "Workflow database path")
	rootCmd.PersistentFlags().String("bootctl-state", "/var/lib/otad/bootctl", "Boot controller state file")
	rootCmd.PersistentFlags().String("device-dir", "/dev/block/by-name", "Partition device directory")
	rootCmd.PersistentFlags().Int("current-slot", 0, "Currently booted slot")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region for s3:// payload URLs")

	viper.BindPFlag("prefs-dir", rootCmd.PersistentFlags().Lookup("prefs-dir"))
	viper.BindPFlag("work-dir", rootCmd.PersistentFlags().Lookup("work-dir"))
	viper.BindPFlag("history-db", rootCmd.PersistentFlags().Lookup("history-db"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("bootctl-state", rootCmd.PersistentFlags().Lookup("bootctl-state"))
	viper.BindPFlag("device-dir", rootCmd.PersistentFlags().Lookup("device-dir"))
	viper.BindPFlag("current-slot", rootCmd.PersistentFlags().Lookup("current-slot"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
}
