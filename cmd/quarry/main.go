// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// quarry is the operator CLI for job stores: provisioning and
// destroying stores, running graph cleanup (one-shot or on a cron
// schedule), moving content in and out, and draining stats entries.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"

	"github.com/quarryworks/quarry/lib/config"
	"github.com/quarryworks/quarry/lib/driver/s3driver"
	"github.com/quarryworks/quarry/lib/jobstore"
	"github.com/quarryworks/quarry/lib/seal"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch subcommand := os.Args[1]; subcommand {
	case "create":
		return runCreate(os.Args[2:])
	case "destroy":
		return runDestroy(os.Args[2:])
	case "clean":
		return runClean(os.Args[2:])
	case "import":
		return runImport(os.Args[2:])
	case "export":
		return runExport(os.Args[2:])
	case "stats":
		return runStats(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: quarry <subcommand> [flags]

Subcommands:
  create     Provision a new job store
  destroy    Delete a job store and all its contents
  clean      Remove unreachable jobs and orphaned data
  import     Copy content from a URL into the store
  export     Copy a stored file to a URL
  stats      Drain (or inspect) stats/logging entries

Run 'quarry <subcommand> --help' for subcommand flags.
`)
}

// commonFlags are shared by every subcommand: where the store is and
// how to open it.
type commonFlags struct {
	configPath string
	locator    string
	partSize   int64
	keyFile    string
	logLevel   string
}

func (c *commonFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&c.configPath, "config", "", "path to quarry.yaml (default $QUARRY_CONFIG)")
	flags.StringVar(&c.locator, "locator", "", "store locator, e.g. file:/srv/quarry/run7")
	flags.Int64Var(&c.partSize, "part-size", 0, "multipart chunk size in bytes")
	flags.StringVar(&c.keyFile, "key-file", "", "path to the 32-byte encryption key")
	flags.StringVar(&c.logLevel, "log-level", "", "debug, info, warn, or error")
}

// resolve merges the flags over the config file (flags win) and
// builds store options.
func (c *commonFlags) resolve() (*config.Config, jobstore.Options, error) {
	cfg := config.Default()
	switch {
	case c.configPath != "":
		loaded, err := config.LoadFile(c.configPath)
		if err != nil {
			return nil, jobstore.Options{}, err
		}
		cfg = loaded
	case os.Getenv("QUARRY_CONFIG") != "":
		loaded, err := config.Load()
		if err != nil {
			return nil, jobstore.Options{}, err
		}
		cfg = loaded
	}
	if c.locator != "" {
		cfg.Locator = c.locator
	}
	if c.partSize != 0 {
		cfg.PartSize = c.partSize
	}
	if c.keyFile != "" {
		cfg.EncryptionKeyFile = c.keyFile
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, jobstore.Options{}, err
	}
	if cfg.Locator == "" {
		return nil, jobstore.Options{}, fmt.Errorf("no store locator (use --locator or the config file)")
	}

	s3cfg := s3driver.Config{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		UseSSL:    cfg.S3.UseSSL,
	}
	options := jobstore.Options{
		Registry: jobstore.NewDefaultRegistry(s3cfg),
		S3:       s3cfg,
		PartSize: cfg.PartSize,
		Logger:   newLogger(cfg.LogLevel),
	}
	if cfg.EncryptionKeyFile != "" {
		key, err := seal.LoadKeyFile(cfg.EncryptionKeyFile)
		if err != nil {
			return nil, jobstore.Options{}, err
		}
		options.Key = key
	}
	return cfg, options, nil
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCreate(args []string) error {
	flags := pflag.NewFlagSet("create", pflag.ContinueOnError)
	var common commonFlags
	common.register(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, options, err := common.resolve()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	store, err := jobstore.CreateStore(ctx, cfg.Locator, options)
	if err != nil {
		return err
	}
	fmt.Printf("created %s\n", store.Locator())
	return nil
}

func runDestroy(args []string) error {
	flags := pflag.NewFlagSet("destroy", pflag.ContinueOnError)
	var common commonFlags
	common.register(flags)
	force := flags.Bool("force", false, "do not ask for confirmation")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, options, err := common.resolve()
	if err != nil {
		return err
	}
	if !*force {
		fmt.Fprintf(os.Stderr, "destroy %s and all its contents? [y/N] ", cfg.Locator)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			return fmt.Errorf("aborted")
		}
	}
	ctx, cancel := signalContext()
	defer cancel()

	if err := jobstore.DestroyStore(ctx, cfg.Locator, options); err != nil {
		return err
	}
	fmt.Printf("destroyed %s\n", cfg.Locator)
	return nil
}

func runClean(args []string) error {
	flags := pflag.NewFlagSet("clean", pflag.ContinueOnError)
	var common commonFlags
	common.register(flags)
	schedule := flags.String("schedule", "", "cron expression for periodic cleanup (default one-shot)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, options, err := common.resolve()
	if err != nil {
		return err
	}
	if *schedule == "" {
		*schedule = cfg.CleanSchedule
	}
	ctx, cancel := signalContext()
	defer cancel()

	store, err := jobstore.OpenStore(ctx, cfg.Locator, options)
	if err != nil {
		return err
	}

	cleanOnce := func() error {
		stats, err := store.Clean(ctx, nil)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d jobs, %d files, %d dangling refs, %d orphaned parts\n",
			stats.JobsDeleted, stats.FilesDeleted, stats.DanglingRefsPruned, stats.PartsSwept)
		return nil
	}

	if *schedule == "" {
		return cleanOnce()
	}

	logger := newLogger(cfg.LogLevel)
	scheduler := cron.New()
	_, err = scheduler.AddFunc(*schedule, func() {
		if err := cleanOnce(); err != nil {
			logger.Error("scheduled cleanup failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("parsing schedule %q: %w", *schedule, err)
	}
	scheduler.Start()
	logger.Info("cleanup scheduled", "schedule", *schedule)
	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

func runImport(args []string) error {
	flags := pflag.NewFlagSet("import", pflag.ContinueOnError)
	var common commonFlags
	common.register(flags)
	sourceURL := flags.String("url", "", "source URL (file://, http://, https://, ftp://)")
	shared := flags.String("shared", "", "import into this shared file name instead of a new file")
	protected := flags.Bool("protected", false, "seal the shared file with the store key")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *sourceURL == "" {
		return fmt.Errorf("--url is required")
	}
	cfg, options, err := common.resolve()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	store, err := jobstore.OpenStore(ctx, cfg.Locator, options)
	if err != nil {
		return err
	}
	if *shared != "" {
		if err := store.ImportSharedFile(ctx, *sourceURL, *shared, *protected); err != nil {
			return err
		}
		fmt.Printf("imported %s as shared file %q\n", *sourceURL, *shared)
		return nil
	}
	id, err := store.ImportFile(ctx, *sourceURL, "")
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runExport(args []string) error {
	flags := pflag.NewFlagSet("export", pflag.ContinueOnError)
	var common commonFlags
	common.register(flags)
	fileID := flags.String("file", "", "file ID to export")
	targetURL := flags.String("url", "", "destination URL (file://, ftp://)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *fileID == "" || *targetURL == "" {
		return fmt.Errorf("--file and --url are required")
	}
	cfg, options, err := common.resolve()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	store, err := jobstore.OpenStore(ctx, cfg.Locator, options)
	if err != nil {
		return err
	}
	return store.ExportFile(ctx, jobstore.FileID(*fileID), *targetURL)
}

func runStats(args []string) error {
	flags := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	var common commonFlags
	common.register(flags)
	readAll := flags.Bool("read-all", false, "include already-consumed entries, consume nothing")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, options, err := common.resolve()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	store, err := jobstore.OpenStore(ctx, cfg.Locator, options)
	if err != nil {
		return err
	}
	count, err := store.ReadStatsAndLogging(ctx, func(payload []byte) error {
		_, err := os.Stdout.Write(append(payload, '\n'))
		return err
	}, *readAll)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d entries\n", count)
	return nil
}
