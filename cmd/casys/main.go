// Command casys runs the CASYS planning engine as an MCP server on
// stdio.
//
// The protocol owns stdout, so all logging goes to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/casys-ai/casys/pkg/config"
	"github.com/casys-ai/casys/pkg/mcp"
	"github.com/casys-ai/casys/pkg/planner"
	"github.com/casys-ai/casys/pkg/storage"
)

var version = "0.3.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "casys",
		Short:         "Adaptive workflow planner for tool-using agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())
	return root
}

func serveCmd() *cobra.Command {
	var (
		dataDir     string
		scoringPath string
		alphaPath   string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the planning engine over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := stderrLogger(verbose)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			cfg, err := config.Load(scoringPath, alphaPath)
			if err != nil {
				return err
			}

			db, err := storage.NewBadgerStore(dataDir, log.Named("storage"))
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}

			engine, err := planner.New(planner.Options{
				Config: cfg,
				DB:     db,
				Log:    log,
			})
			if err != nil {
				db.Close() //nolint:errcheck
				return err
			}
			defer engine.Close() //nolint:errcheck

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := engine.Sync(ctx); err != nil {
				return fmt.Errorf("initial sync: %w", err)
			}

			server, err := mcp.NewServer(engine, cfg.Scoring.Limits.InFlight, log.Named("mcp"))
			if err != nil {
				return err
			}
			log.Info("serving MCP on stdio",
				zap.String("version", version),
				zap.String("data_dir", dataDir))
			return server.Serve(ctx, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "storage directory")
	cmd.Flags().StringVar(&scoringPath, "scoring", "", "scoring config file (YAML)")
	cmd.Flags().StringVar(&alphaPath, "alpha", "", "alpha config file (YAML)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

// stderrLogger builds a console logger on stderr; stdout carries the
// protocol.
func stderrLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
