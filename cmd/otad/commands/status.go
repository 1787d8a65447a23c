package commands

import (
	"fmt"

	"github.com/nimbleos/otad/internal/config"
	"github.com/nimbleos/otad/pkg/errors"
	"github.com/nimbleos/otad/pkg/history"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the engine status blob",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		fmt.Print(eng.attempter.Status().String())
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded update attempts",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(statusCmd, listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := ensureDirectories(cfg); err != nil {
		return err
	}

	repo, err := history.NewRepository(cfg.HistoryPath)
	if err != nil {
		return errors.Wrap(err, "history init failed")
	}
	defer repo.Close()

	attempts, err := repo.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(attempts) == 0 {
		fmt.Println("No attempts recorded")
		return nil
	}

	fmt.Printf("%-6s %-44s %-8s %-10s %-6s %-12s\n", "ID", "FINGERPRINT", "TYPE", "STATUS", "CODE", "BYTES")
	fmt.Println("--------------------------------------------------------------------------------------------")

	for _, a := range attempts {
		fp := a.Fingerprint
		if len(fp) > 44 {
			fp = fp[:41] + "..."
		}
		typ := a.PayloadType
		if typ == "" {
			typ = "-"
		}
		fmt.Printf("%-6d %-44s %-8s %-10s %-6d %-12d\n",
			a.ID, fp, typ, a.Status, a.ErrorCode, a.BytesTotal)
	}
	return nil
}
