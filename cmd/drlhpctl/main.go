package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"drlhp/internal/logging"
	"drlhp/pkg/drlhp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	logLevel    string
	logFormat   string
	storeKind   string
	dbPath      string
	metricsAddr string
}

type app struct {
	flags  globalFlags
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "drlhpctl",
		Short:         "Learn a reward model from preferences over trajectory segments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.StringVar(&a.flags.logFormat, "log-format", "text", "log format: text or json")
	pf.StringVar(&a.flags.storeKind, "store", "", "store backend: memory or sqlite (default depends on build)")
	pf.StringVar(&a.flags.dbPath, "db-path", "drlhp.db", "sqlite database path")
	pf.StringVar(&a.flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	root.AddCommand(
		a.runCmd(),
		a.runsCmd(),
		a.bufferCmd(),
		a.configCmd(),
	)
	return root
}

func (a *app) logger() (*slog.Logger, error) {
	return logging.New(a.flags.logLevel, a.flags.logFormat, a.stderr)
}

// client opens the configured store. The caller closes it.
func (a *app) client(ctx context.Context, reg *prometheus.Registry) (*drlhp.Client, *slog.Logger, error) {
	logger, err := a.logger()
	if err != nil {
		return nil, nil, err
	}
	client, err := drlhp.New(drlhp.Options{
		StoreKind: a.flags.storeKind,
		DBPath:    a.flags.dbPath,
		Logger:    logger,
		Registry:  reg,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := client.Init(ctx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return client, logger, nil
}

func isInterrupt(err error) bool {
	return errors.Is(err, context.Canceled)
}
