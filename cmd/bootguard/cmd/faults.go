package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/bootguard/pkg/models"
	"github.com/psantana5/bootguard/pkg/store"
)

var (
	faultsDB    string
	faultsLimit int
	faultsBoot  string
)

var faultsCmd = &cobra.Command{
	Use:   "faults",
	Short: "List captured hard fault register snapshots",
	Long: `Reads the register snapshots saved by hard fault capture
(diag.capture_enabled) from the SQLite snapshot database.`,
	RunE: runFaults,
}

func init() {
	rootCmd.AddCommand(faultsCmd)

	faultsCmd.Flags().StringVar(&faultsDB, "db", "", "snapshot database (default diag.snapshot_db)")
	faultsCmd.Flags().IntVar(&faultsLimit, "limit", 20, "maximum snapshots to show, 0 for all")
	faultsCmd.Flags().StringVar(&faultsBoot, "boot", "", "only show snapshots from this boot ID")
}

func runFaults(cmd *cobra.Command, args []string) error {
	path := faultsDB
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Diag.SnapshotDB
	}
	if path == "" {
		return fmt.Errorf("no snapshot database: set diag.snapshot_db or pass --db")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("snapshot database %s: %w", path, err)
	}

	db, err := store.NewSQLiteStore(path)
	if err != nil {
		return err
	}
	defer db.Close()

	var snaps []models.RegisterSnapshot
	if faultsBoot != "" {
		snaps, err = db.ListByBoot(faultsBoot)
	} else {
		snaps, err = db.List(faultsLimit)
	}
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(snaps, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}
	renderSnapshots(os.Stdout, snaps)
	return nil
}

func renderSnapshots(w io.Writer, snaps []models.RegisterSnapshot) {
	if len(snaps) == 0 {
		fmt.Fprintln(w, "No snapshots captured")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Boot", "Captured", "Fault", "Stack", "PC", "LR", "PSR", "Detail")
	for _, s := range snaps {
		table.Append(
			fmt.Sprintf("%d", s.ID),
			shortID(s.BootID),
			s.CapturedAt.Format("2006-01-02 15:04:05"),
			string(s.Fault),
			s.Stack,
			fmt.Sprintf("0x%08x", s.PC),
			fmt.Sprintf("0x%08x", s.LR),
			fmt.Sprintf("0x%08x", s.PSR),
			s.Detail,
		)
	}
	table.Render()
	fmt.Fprintf(w, "\nTotal snapshots: %d\n", len(snaps))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
