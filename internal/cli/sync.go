package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/harun/mnemo/internal/daemon"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	Long: `Run a single pull-merge-push cycle against the configured remote and
print the result. Sync must be enabled and configured.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	d, err := daemon.New(cfgFile, daemon.WithoutGateway(), daemon.WithSync(true))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := d.Start(ctx); err != nil {
		return err
	}
	defer d.Stop()

	engine := d.SyncEngine()
	if engine == nil {
		return fmt.Errorf("sync is not configured, set sync.remote in the config file")
	}

	result, err := engine.Cycle(ctx)
	if err != nil {
		return err
	}

	return json.NewEncoder(os.Stdout).Encode(result)
}
