package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/docanalyst/internal/api"
	"github.com/aristath/docanalyst/internal/catalog"
	"github.com/aristath/docanalyst/internal/config"
	"github.com/aristath/docanalyst/internal/logging"
)

const version = "dev"

// shutdownTimeout bounds how long in-flight work gets after a signal.
const shutdownTimeout = 10 * time.Second

func main() {
	// Signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var showVersion bool
	var configPath string
	root := flag.NewFlagSet("docanalyst", flag.ContinueOnError)
	root.SetOutput(stderr)
	root.BoolVar(&showVersion, "version", false, "print version and exit")
	root.StringVar(&configPath, "config", filepath.Join(".docanalyst", "config.json"), "project config file")
	if err := root.Parse(args); err != nil {
		return 2
	}

	if showVersion {
		fmt.Fprintf(stdout, "docanalyst %s\n", version)
		return 0
	}

	rest := root.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 2
	}

	switch rest[0] {
	case "init-config":
		return runInitConfig(rest[1:], configPath, stdout, stderr)
	case "jobs":
		return runJobs(stdout)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}
	logger := logging.Setup(stderr, cfg.LogLevel, cfg.LogFormat)

	switch rest[0] {
	case "serve":
		return runServe(ctx, rest[1:], cfg, logger, stderr)
	case "analyze":
		return runAnalyze(ctx, rest[1:], cfg, logger, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", rest[0])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `usage: docanalyst [-config path] <command> [flags]

commands:
  serve         run the HTTP API
  analyze FILE  analyze one document and print the results
  jobs          list the available analysis jobs
  init-config   write the default configuration file`)
}

// loadConfig layers ~/.docanalyst/config.json, the project file and DOCANALYST_* overrides.
func loadConfig(projectPath string) (*config.Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	return config.Load(filepath.Join(homeDir, ".docanalyst", "config.json"), projectPath)
}

func runServe(ctx context.Context, args []string, cfg *config.Config, logger *slog.Logger, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", cfg.ListenAddr, "listen address")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}

	handler := api.NewHandler(app.service, api.HandlerConfig{
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		DefaultJobs:    catalog.DefaultJobs(),
	}, logger)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           api.NewRouter(handler, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", *addr, "backend", cfg.Backend, "store", cfg.Store)
		errChan <- srv.ListenAndServe()
	}()

	code := 0
	select {
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			code = 1
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received, cleaning up")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := app.shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		code = 1
	}

	logger.Info("shutdown complete")
	return code
}

func runJobs(stdout io.Writer) int {
	for _, spec := range catalog.Legal().ListJobs() {
		fmt.Fprintf(stdout, "%-10s %-13s %s\n", spec.ID, spec.Kind, spec.Title)
	}
	return 0
}

func runInitConfig(args []string, configPath string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if _, err := os.Stat(configPath); err == nil && !*force {
		fmt.Fprintf(stderr, "%s already exists (use -force to overwrite)\n", configPath)
		return 1
	}
	if err := config.Save(config.DefaultConfig(), configPath); err != nil {
		fmt.Fprintf(stderr, "Error writing config: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", configPath)
	return 0
}
