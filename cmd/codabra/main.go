package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ChamsBouzaiene/codabra/internal/kv"
	"github.com/ChamsBouzaiene/codabra/internal/logging"
)

type options struct {
	configDir string
	dataDir   string
	storage   string
	watch     bool
	log       logging.Config
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		// stdout carries the protocol
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	logCfg, err := logging.ConfigFromEnv()
	if err != nil {
		return err
	}

	opts := options{log: logCfg}
	fs := flag.NewFlagSet("codabra", flag.ContinueOnError)
	fs.StringVar(&opts.configDir, "config-dir", "", "Directory holding settings.json (default: user config dir)")
	fs.StringVar(&opts.dataDir, "data-dir", "", "Directory holding chat history (default: config dir)")
	fs.StringVar(&opts.storage, "storage", kv.KindSQLite, "Chat storage backend: sqlite, file or memory")
	fs.BoolVar(&opts.watch, "watch", true, "Reload settings when settings.json changes on disk")
	fs.StringVar(&opts.log.Level, "log-level", opts.log.Level, "Log level: debug, info, warn, error")
	fs.StringVar(&opts.log.Format, "log-format", opts.log.Format, "Log format: text or json")
	fs.StringVar(&opts.log.FilePath, "log-file", opts.log.FilePath, "Write logs to this file instead of stderr")
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.log.FilePath != "" {
		opts.log.Output = "file"
	}

	env, err := prepareRuntimeEnv(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to prepare runtime environment: %w", err)
	}
	defer env.Close()

	return runStdIOEngine(ctx, env)
}
