package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/harun/mnemo/internal/daemon"
	"github.com/harun/mnemo/pkg/store"
	"github.com/spf13/cobra"
)

var importMode string

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export all memories as JSONL",
	Long:  `Export every memory as one JSON object per line, to a file or stdout.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import memories from a JSONL snapshot",
	Long: `Import a JSONL snapshot. Merge mode (default) only adds records whose
ids are not present yet; replace mode discards the store first.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&importMode, "mode", "merge", "import mode: merge or replace")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

func openLocalStore(ctx context.Context) (*daemon.Daemon, error) {
	d, err := daemon.New(cfgFile, daemon.WithoutGateway(), daemon.WithSync(false))
	if err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	d, err := openLocalStore(ctx)
	if err != nil {
		return err
	}
	defer d.Stop()

	out := os.Stdout
	if len(args) == 1 {
		f, err := os.OpenFile(args[0], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	count, err := d.Store().ExportJSONL(ctx, out)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		fmt.Fprintf(os.Stderr, "exported %d memories to %s\n", count, args[0])
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	mode := store.ImportMode(importMode)
	if mode != store.ImportMerge && mode != store.ImportReplace {
		return fmt.Errorf("invalid mode %q, use merge or replace", importMode)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	d, err := openLocalStore(ctx)
	if err != nil {
		return err
	}
	defer d.Stop()

	result, err := d.Store().ImportJSONL(ctx, f, mode)
	if err != nil {
		return err
	}

	fmt.Printf("imported %d, skipped %d\n", result.Imported, result.Skipped)
	return nil
}
