// Command labcv-admin performs operator tasks against a Lab CV deployment:
// schema migrations, user roles, payment maintenance and prompt seeding.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	app "github.com/labcv/labcv/internal/app"
	"github.com/labcv/labcv/internal/cli"
	"github.com/labcv/labcv/internal/config"
	"github.com/labcv/labcv/internal/logging"
)

var version = "dev"

var (
	jsonOutput bool
	timeout    time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		cli.NewPrinter(os.Stderr).Error("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "labcv-admin",
		Short:         "Operator tooling for Lab CV",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall command timeout")

	root.AddCommand(migrateCmd())
	root.AddCommand(usersCmd())
	root.AddCommand(paymentsCmd())
	root.AddCommand(promptsCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(jobsCmd())
	return root
}

func printer(cmd *cobra.Command) *cli.Printer {
	return cli.NewPrinter(cmd.OutOrStdout()).JSONMode(jsonOutput)
}

// env is a connected application for one command.
type env struct {
	cfg       *config.Config
	app       *app.Application
	resources *app.Resources
}

func (e *env) Close() {
	if e.resources != nil {
		_ = e.resources.Close()
	}
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log, _ := logging.NewFromConfig("labcv-admin", logging.Config{
		Level:  cfg.Logging.Level,
		Format: "text",
	})
	log.SetOutput(os.Stderr)
	return cfg, log, nil
}

// openEnv connects to the configured store and providers without starting
// background workers.
func openEnv(ctx context.Context) (*env, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	deps, resources, err := app.Connect(ctx, cfg, app.ConnectOptions{}, log)
	if err != nil {
		return nil, err
	}
	application, err := app.New(cfg, deps, log)
	if err != nil {
		_ = resources.Close()
		return nil, fmt.Errorf("build application: %w", err)
	}
	return &env{cfg: cfg, app: application, resources: resources}, nil
}
