// Package main implements the dataplane binary: it loads configuration,
// builds the transfer dispatcher with its backends, and serves the control
// API until interrupted.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/dataplane/backend/objectstore"
	"github.com/c360/dataplane/dispatcher"
	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/flow"
	"github.com/c360/dataplane/flowstore"
	"github.com/c360/dataplane/transfer"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "dataplane"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand(os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "Data-plane transfer dispatcher",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	addGlobalFlags(root.PersistentFlags())

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher and control API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := resolveCLIConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cli, cmd.OutOrStdout())
		},
	}
	serve.Flags().Duration(flagShutdownTimeout, 30*time.Second,
		"Graceful shutdown timeout (env: DATAPLANE_SHUTDOWN_TIMEOUT)")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, and optionally a flow request, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := resolveCLIConfig(cmd)
			if err != nil {
				return err
			}
			requestPath, _ := cmd.Flags().GetString(flagRequest)
			return runValidate(cli, requestPath, cmd.OutOrStdout())
		},
	}
	validate.Flags().String(flagRequest, "", "Flow request JSON file to validate against the configured backends")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build %s, %s)\n",
				appName, Version, BuildTime, runtime.Version())
		},
	}

	root.AddCommand(serve, validate, version)
	return root
}

func runServe(ctx context.Context, cli *CLIConfig, logOut io.Writer) error {
	logger := setupLogger(cli.LogLevel, cli.LogFormat, logOut)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cli.ConfigPaths)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("Starting dataplane",
		"build_time", BuildTime,
		"config_paths", cli.ConfigPaths,
		"store", cfg.Store.Mode)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		_ = a.shutdown(cli.ShutdownTimeout)
		return err
	}
	logger.Info("Dataplane started", "instance", a.dispatcher.InstanceID())

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	if err := a.shutdown(cli.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("Dataplane shutdown complete")
	return nil
}

// runValidate checks configuration and, when requestPath is set, validates
// the request with the backend the dispatcher would select. No connections
// are opened.
func runValidate(cli *CLIConfig, requestPath string, out io.Writer) error {
	cfg, err := loadConfig(cli.ConfigPaths)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	_, _ = fmt.Fprintln(out, "configuration is valid")

	if requestPath == "" {
		return nil
	}
	data, err := os.ReadFile(requestPath)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	req, err := flow.Decode(data)
	if err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	logger := setupLogger(cli.LogLevel, cli.LogFormat, io.Discard)
	backends, err := buildBackends(cfg, backendDeps{logger: logger, buckets: offlineBuckets{}})
	if err != nil {
		return err
	}
	d, err := dispatcher.New(dispatcherConfig(cfg), flowstore.NewMemoryStore(),
		dispatcher.WithLogger(logger),
		dispatcher.WithRegistry(transfer.NewRegistry(backends...)))
	if err != nil {
		return err
	}

	res := d.Validate(req)
	if res.Failed() {
		for _, m := range res.Messages {
			_, _ = fmt.Fprintln(out, " -", m)
		}
		return fmt.Errorf("request %s is invalid: %s", req.ProcessID(), res.Status)
	}
	_, _ = fmt.Fprintf(out, "request %s is valid\n", req.ProcessID())
	return nil
}

// offlineBuckets lets objectstore factories validate addresses without a
// NATS connection
type offlineBuckets struct{}

func (offlineBuckets) Bucket(context.Context, string, bool) (objectstore.Store, error) {
	return nil, errors.WrapFatal(errors.ErrNoConnection, "validate", "Bucket", "open bucket offline")
}
