package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/prepperapp/prepper/internal/logctx"
	"github.com/prepperapp/prepper/internal/manifest"
	"github.com/prepperapp/prepper/internal/module"
)

var packageOpts struct {
	out      string
	uri      string
	manifest string
}

var packageCmd = &cobra.Command{
	Use:   "package <module-dir>",
	Short: "Package a sealed module and add it to a manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return packageModule(cmd.Context(), args[0])
	},
}

func init() {
	packageCmd.Flags().StringVarP(&packageOpts.out, "out", "o", "", "package file to write (required)")
	packageCmd.Flags().StringVar(&packageOpts.uri, "uri", "", "download URI recorded in the manifest (defaults to the package file name)")
	packageCmd.Flags().StringVar(&packageOpts.manifest, "manifest", "", "manifest file to add the entry to")
	_ = packageCmd.MarkFlagRequired("out")
}

func packageModule(ctx context.Context, dir string) error {
	logger := logctx.LoggerFromContext(ctx)

	d, err := module.Verify(ctx, dir)
	if err != nil {
		return fmt.Errorf("refusing to package an unverified module: %w", err)
	}

	if err := module.Package(ctx, dir, packageOpts.out); err != nil {
		return err
	}

	uri := packageOpts.uri
	if uri == "" {
		uri = d.ID + ".tar"
	}

	entry, err := manifest.Describe(packageOpts.out, d.ID, d.Version, uri)
	if err != nil {
		return err
	}

	entry.ChunkSize = cfg.Transfer.ChunkSize
	entry.Tiers = d.Tiers
	entry.Description = d.Description

	logger.Info("module packaged", "module_id", d.ID, "out", packageOpts.out, "sha256", entry.Checksum)

	if packageOpts.manifest == "" {
		return nil
	}

	m, err := manifest.Load(packageOpts.manifest)
	if errors.Is(err, fs.ErrNotExist) {
		m, err = &manifest.Manifest{Version: "1"}, nil
	}

	if err != nil {
		return err
	}

	replaced := false

	for i := range m.Modules {
		if m.Modules[i].ID == entry.ID {
			m.Modules[i] = entry
			replaced = true
		}
	}

	if !replaced {
		m.Modules = append(m.Modules, entry)
	}

	if err := m.Validate(); err != nil {
		return err
	}

	return m.Write(packageOpts.manifest)
}
