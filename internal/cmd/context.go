package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/refreshd/refreshd/internal/config"
	"github.com/refreshd/refreshd/internal/logger"
)

// Context carries the loaded configuration and logger-bearing context
// through a command run.
type Context struct {
	context.Context

	Command *cobra.Command
	Config  *config.Config
	Quiet   bool
}

// NewContext loads the environment file, resolves configuration, and
// builds the logger context for a command invocation.
func NewContext(cmd *cobra.Command) (*Context, error) {
	ctx := cmd.Context()

	// A .env in the working directory seeds REFRESHD_* variables before
	// the loader reads them. Absence is not an error.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	var loaderOpts []config.LoaderOption
	if cfgPath, _ := cmd.Flags().GetString("config"); cfgPath != "" {
		loaderOpts = append(loaderOpts, config.WithConfigFile(cfgPath))
	}
	cfg, err := config.Load(loaderOpts...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	quiet, _ := cmd.Flags().GetBool("quiet")
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Log.Level = "debug"
	}

	var opts []logger.Option
	if cfg.Log.Level == "debug" {
		opts = append(opts, logger.WithDebug())
	}
	if quiet || cfg.Log.Quiet {
		opts = append(opts, logger.WithQuiet())
	}
	opts = append(opts, logger.WithFormat(cfg.Log.Format))
	ctx = logger.WithLogger(ctx, logger.NewLogger(opts...))

	return &Context{
		Context: ctx,
		Command: cmd,
		Config:  cfg,
		Quiet:   quiet,
	}, nil
}
