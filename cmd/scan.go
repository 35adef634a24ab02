package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/compliance-scanner/internal/scan"
	"github.com/JakeFAU/compliance-scanner/internal/scanner"
)

// requestFlags overrides the configured scan defaults.
type requestFlags struct {
	limitPerType int
	includeTypes []string
	offset       int
}

func (f *requestFlags) bind(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.limitPerType, "limit-per-type", 0, "targets per content type (0 = all)")
	cmd.Flags().StringSliceVar(&f.includeTypes, "include-types", nil, "only these target types")
	cmd.Flags().IntVar(&f.offset, "offset", 0, "skip this many items per type")
}

func (f *requestFlags) apply(cmd *cobra.Command, req scan.Request) scan.Request {
	if cmd.Flags().Changed("limit-per-type") {
		req.LimitPerType = f.limitPerType
	}
	if cmd.Flags().Changed("include-types") {
		req.IncludeTypes = f.includeTypes
	}
	if cmd.Flags().Changed("offset") {
		req.Offset = f.offset
	}
	return req
}

func newScanCmd() *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Runs one validation pass and prints its summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.RunScan(cmd.Context(), flags.apply(cmd, appInstance.ScanDefaults()))
			if errors.Is(err, scanner.ErrLocked) {
				return fmt.Errorf("another scan is running: %w", err)
			}
			if summary.ID != "" {
				if werr := writeJSON(cmd.OutOrStdout(), summary); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	flags.bind(cmd)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
