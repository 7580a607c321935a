package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/prepperapp/prepper/internal/catalog"
	"github.com/prepperapp/prepper/internal/devices"
	"github.com/prepperapp/prepper/internal/events"
	"github.com/prepperapp/prepper/internal/logctx"
	"github.com/prepperapp/prepper/internal/placement"
)

var devicesJSON bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List storage devices and the modules they hold",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return listDevices(cmd.Context())
	},
}

var moveCmd = &cobra.Command{
	Use:   "move <module-id> <dest-root>",
	Short: "Move an installed module to another storage location",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return moveModule(cmd.Context(), args[0], args[1])
	},
}

func init() {
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "print devices as JSON")
	devicesCmd.AddCommand(moveCmd)
}

func listDevices(ctx context.Context) error {
	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return err
	}
	defer cat.Close()

	devs, err := devices.NewManager(devices.NewSystemHost(), cat, nil, nil).Devices(ctx)
	if err != nil {
		return err
	}

	if devicesJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(devs)
	}

	for _, d := range devs {
		fmt.Printf("%-12s %-30s %-9s %10s free of %-10s modules=%v\n",
			d.ID, d.Path, d.Kind, humanize.IBytes(d.Available), humanize.IBytes(d.Total), d.Modules)
	}

	return nil
}

// moveModule relocates a module while the service is stopped. A running
// service picks the new path up on its next catalog load.
func moveModule(ctx context.Context, id, destRoot string) error {
	logger := logctx.LoggerFromContext(ctx)

	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return err
	}
	defer cat.Close()

	bus := events.New()
	defer bus.Wait()

	if err := bus.Subscribe(events.TopicPlacementProgress, func(p events.PlacementProgress) {
		logger.Debug("placement progress", "module_id", p.ModuleID,
			"copied", humanize.IBytes(uint64(p.Bytes)), "total", humanize.IBytes(uint64(p.TotalBytes)))
	}); err != nil {
		return err
	}

	devs := devices.NewManager(devices.NewSystemHost(), cat, bus, nil)

	rec, err := placement.New(cat, devs, nil, bus, nil).Place(ctx, id, destRoot)
	if err != nil {
		return fmt.Errorf("failed to move module %s: %w", id, err)
	}

	logger.Info("module moved", "module_id", rec.ID, "path", rec.Path, "device_id", rec.DeviceID)

	return nil
}
