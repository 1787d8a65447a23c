package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nimbleos/otad/pkg/attempter"
	"github.com/nimbleos/otad/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	updatePayload string
	updateOffset  int64
	updateSize    int64
	updateHeaders string
	updateFollow  bool
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Apply an OTA payload to the inactive slot",
	Long: `Downloads the payload, applies its operations to the inactive slot,
verifies the written partitions, runs postinstall hooks, and stages the
boot-slot switch. Blocks until the attempt terminates.`,
	RunE: runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)
	updateCmd.Flags().StringVar(&updatePayload, "payload", "", "Payload URL (http(s)://, s3://, file:// or path)")
	updateCmd.Flags().Int64Var(&updateOffset, "offset", 0, "Payload offset inside the file")
	updateCmd.Flags().Int64Var(&updateSize, "size", 0, "Payload size in bytes")
	updateCmd.Flags().StringVar(&updateHeaders, "headers", "", "Payload headers, KEY=VALUE lines")
	updateCmd.Flags().BoolVar(&updateFollow, "follow", false, "Print status updates while applying")
	updateCmd.MarkFlagRequired("payload")
}

// followObserver prints status transitions as they happen.
type followObserver struct{}

func (followObserver) OnStatusUpdate(status attempter.UpdateStatus, progress float64) {
	fmt.Printf("%s %.1f%%\n", status, progress*100)
}

func (followObserver) OnPayloadApplicationComplete(code errors.Code) {
	fmt.Printf("terminal: %s (%d)\n", code, int(code))
}

func runUpdate(cmd *cobra.Command, args []string) error {
	eng, _, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	if updateFollow {
		handle := eng.attempter.RegisterObserver(followObserver{})
		defer eng.attempter.UnregisterObserver(handle)
	}

	var headers []string
	if updateHeaders != "" {
		headers = strings.Split(updateHeaders, "\n")
	}

	if err := eng.attempter.ApplyPayload(updatePayload, updateOffset, updateSize, headers); err != nil {
		return err
	}

	code, err := eng.attempter.Wait(context.Background())
	if err != nil {
		return err
	}
	if !code.IsSuccess() {
		return fmt.Errorf("update failed: %s (%d)", code, int(code))
	}

	slog.Info("update_staged", "code", code.String())
	fmt.Printf("Update applied: %s\n", code)
	return nil
}
