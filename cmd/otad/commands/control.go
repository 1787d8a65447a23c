package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// In-process control verbs. Suspend, resume, and cancel act on the
// attempt driven by this process; reset-status and perf-mode operate on
// durable state.

var suspendCmd = &cobra.Command{
	Use:   "suspend",
	Short: "Pause the running update at the next operation boundary",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.close()
		return eng.attempter.SuspendUpdate()
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an interrupted update from its checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		if err := eng.attempter.ResumeUpdate(); err != nil {
			return err
		}
		code, err := eng.attempter.Wait(cmd.Context())
		if err != nil {
			return err
		}
		if !code.IsSuccess() {
			return fmt.Errorf("resume failed: %s (%d)", code, int(code))
		}
		fmt.Printf("Update applied: %s\n", code)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Abort the running update",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.close()
		return eng.attempter.CancelUpdate()
	},
}

var resetStatusCmd = &cobra.Command{
	Use:   "reset-status",
	Short: "Clear a staged update and return to idle",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.close()
		return eng.attempter.ResetStatus()
	},
}

var perfModeCmd = &cobra.Command{
	Use:   "perf-mode <true|false>",
	Short: "Toggle throughput-over-latency policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		enabled, err := strconv.ParseBool(args[0])
		if err != nil {
			return fmt.Errorf("perf-mode wants true or false, got %q", args[0])
		}
		eng, _, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.close()
		eng.attempter.SetPerformanceMode(enabled)
		return nil
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Finalize a successful update after booting the new slot",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		if err := eng.attempter.CleanupSuccessfulUpdate(); err != nil {
			return err
		}
		fmt.Println("Update finalized")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(suspendCmd, resumeCmd, cancelCmd, resetStatusCmd, perfModeCmd, mergeCmd)
}
