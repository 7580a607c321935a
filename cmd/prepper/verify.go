package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/prepperapp/prepper/internal/logctx"
	"github.com/prepperapp/prepper/internal/module"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <module-dir>...",
	Short: "Check modules against their descriptors",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := logctx.LoggerFromContext(ctx)

		var errs []error

		for _, dir := range args {
			d, err := module.Verify(ctx, dir)
			if err != nil {
				logger.Error("module failed verification", "path", dir, "err", err)
				errs = append(errs, fmt.Errorf("%s: %w", dir, err))

				continue
			}

			logger.Info("module verified", "module_id", d.ID, "version", d.Version,
				"documents", d.Documents, "size", humanize.IBytes(uint64(d.Bytes)))
		}

		return errors.Join(errs...)
	},
}
