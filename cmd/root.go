package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/compliance-scanner/internal/config"
	"github.com/JakeFAU/compliance-scanner/internal/scan"
	"github.com/JakeFAU/compliance-scanner/internal/scanner"
	"github.com/JakeFAU/compliance-scanner/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the commands need from the built application, so tests can
// inject a fake.
type App interface {
	Run(ctx context.Context) error
	ScanDefaults() scan.Request
	Targets(ctx context.Context, req scan.Request) ([]scanner.ScanTarget, error)
	RunScan(ctx context.Context, req scan.Request) (scanner.RunSummary, error)
	Deactivate(ctx context.Context) error
	Close(ctx context.Context) error
}

// appFactory builds the App from loaded configuration.
type appFactory func(ctx context.Context, cfg config.Config) (App, error)

func buildApp(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates the root command with every subcommand attached.
func newRootCmd(factory appFactory) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "scanner",
		Short: "Validates a site's pages and reports template compliance.",
		Long: `scanner picks a representative URL per content type from the site
manifest, validates each page, and keeps per-type validity so regressions
surface per template rather than per page.`,
		SilenceUsage: true,

		// Runs after flags are parsed and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			appInstance, err := factory(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				return appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		newServeCmd(),
		newScanCmd(),
		newTargetsCmd(),
		newDeactivateCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd(buildApp).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
