package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	verifyMetadata   string
	allocateMetadata string
	allocateHeaders  string
	switchMetadata   string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check whether a payload applies to this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		ok, err := eng.attempter.VerifyPayloadApplicable(verifyMetadata)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("payload is not applicable to this device")
		}
		fmt.Println("Payload is applicable")
		return nil
	},
}

var allocateCmd = &cobra.Command{
	Use:   "allocate",
	Short: "Preallocate target space for a payload",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		var headers []string
		if allocateHeaders != "" {
			headers = strings.Split(allocateHeaders, "\n")
		}
		shortfall, err := eng.attempter.AllocateSpaceForPayload(allocateMetadata, headers)
		if err != nil {
			return err
		}
		fmt.Printf("Allocated (shortfall=%d)\n", shortfall)
		return nil
	},
}

var switchSlotCmd = &cobra.Command{
	Use:   "switch-slot <true|false>",
	Short: "Stage or revert the boot-slot switch without writing data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		switch args[0] {
		case "true":
			return eng.attempter.SetShouldSwitchSlotOnReboot(switchMetadata)
		case "false":
			return eng.attempter.ResetShouldSwitchSlotOnReboot()
		default:
			return fmt.Errorf("switch-slot wants true or false, got %q", args[0])
		}
	},
}

var triggerPostinstallCmd = &cobra.Command{
	Use:   "trigger-postinstall <partition>",
	Short: "Re-run the postinstall hook for one partition of the staged update",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.close()
		return eng.attempter.TriggerPostinstall(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd, allocateCmd, switchSlotCmd, triggerPostinstallCmd)
	verifyCmd.Flags().StringVar(&verifyMetadata, "metadata", "", "Payload metadata file")
	verifyCmd.MarkFlagRequired("metadata")
	allocateCmd.Flags().StringVar(&allocateMetadata, "metadata", "", "Payload metadata file")
	allocateCmd.Flags().StringVar(&allocateHeaders, "headers", "", "Payload headers, KEY=VALUE lines")
	allocateCmd.MarkFlagRequired("metadata")
	switchSlotCmd.Flags().StringVar(&switchMetadata, "metadata", "", "Payload metadata file")
}
