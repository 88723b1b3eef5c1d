package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/harun/mnemo/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and server status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := daemon.New(cfgFile, daemon.WithoutGateway(), daemon.WithSync(false))
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

	result := d.Registry().Execute(ctx, "config", map[string]interface{}{"action": "status"})
	if !result.Success {
		return fmt.Errorf("status failed: %s", result.Error)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result.Output)
}
