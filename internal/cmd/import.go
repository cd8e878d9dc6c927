package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/florasync/florasync/internal/core"
	"github.com/florasync/florasync/internal/core/engine"
	"github.com/florasync/florasync/internal/observability"
	"github.com/florasync/florasync/internal/output"
)

var (
	importRunOutput    string
	importRunMaxItems  int
	importStatusOutput string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Run and inspect the progressive catalog importer",
}

var importRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one bounded import pass",
	Long: `Run one bounded import pass against the external catalog.

The pass resumes from the stored cursor, stops at the item ceiling, and
saves progress after every page. Exit status is non-zero only when the
local store failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(importRunOutput)
		if err != nil {
			return err
		}

		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		importer, err := a.requireImporter()
		if err != nil {
			return err
		}

		report, runErr := importer.Run(cmd.Context())
		if report == nil {
			return runErr
		}
		observability.CLILogger.Debug("Import run finished",
			zap.String("run_id", report.RunID),
			zap.String("status", string(report.Status)))

		if err := output.Write(os.Stdout, format, report, func() *output.Table { return output.Report(report) }); err != nil {
			return err
		}
		return runErr
	},
}

var importStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored import cursors",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(importStatusOutput)
		if err != nil {
			return err
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		cursors, err := db.ListCursors(cmd.Context())
		if err != nil {
			return err
		}
		if cursors == nil {
			cursors = []*core.SyncCursor{}
		}
		return output.Write(os.Stdout, format, cursors, func() *output.Table { return output.Cursors(cursors) })
	},
}

var importResetCmd = &cobra.Command{
	Use:   "reset <collection> <provider>",
	Short: "Delete a cursor so the next run starts from page 1",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		collection, provider := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
		if err := db.DeleteCursor(cmd.Context(), collection, provider); err != nil {
			return err
		}
		fmt.Printf("Cursor %s/%s reset\n", collection, provider)
		return nil
	},
}

func init() {
	importRunCmd.Flags().StringVar(&importRunOutput, "output-format", string(output.FormatTable), "Output format: table|json|markdown")
	importRunCmd.Flags().IntVar(&importRunMaxItems, "max-items", engine.DefaultMaxItemsPerRun, "Item ceiling for this run")
	_ = viper.BindPFlag("importer.max_items_per_run", importRunCmd.Flags().Lookup("max-items"))

	importStatusCmd.Flags().StringVar(&importStatusOutput, "output-format", string(output.FormatTable), "Output format: table|json|markdown")

	importCmd.AddCommand(importRunCmd)
	importCmd.AddCommand(importStatusCmd)
	importCmd.AddCommand(importResetCmd)
	rootCmd.AddCommand(importCmd)
}
