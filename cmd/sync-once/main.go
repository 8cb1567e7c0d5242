package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/wolfman30/appointment-sync/cmd/mainconfig"
	"github.com/wolfman30/appointment-sync/internal/app/bootstrap"
	appconfig "github.com/wolfman30/appointment-sync/internal/config"
	"github.com/wolfman30/appointment-sync/internal/syncer"
	"github.com/wolfman30/appointment-sync/pkg/logging"
)

type options struct {
	file        string
	archiveKey  string
	cleanup     bool
	days        int
	healthCheck bool
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("sync-once", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.file, "file", "", "run the pass over a saved informer payload instead of the live feed")
	fs.StringVar(&opts.archiveKey, "archive", "", "replay an archived payload by object key")
	fs.BoolVar(&opts.cleanup, "cleanup", false, "delete old appointments instead of syncing")
	fs.IntVar(&opts.days, "days", 0, "retention override for -cleanup (0 uses RETENTION_DAYS)")
	fs.BoolVar(&opts.healthCheck, "health", false, "probe the feed, database and bot API and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	modes := 0
	for _, set := range []bool{opts.file != "", opts.archiveKey != "", opts.cleanup, opts.healthCheck} {
		if set {
			modes++
		}
	}
	if modes > 1 {
		return opts, errors.New("-file, -archive, -cleanup and -health are mutually exclusive")
	}
	if opts.days < 0 {
		return opts, errors.New("-days must not be negative")
	}
	return opts, nil
}

func main() {
	_ = godotenv.Load()
	opts, err := parseOptions(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg := appconfig.Load()
	logger := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ok, err := run(ctx, cfg, opts, os.Stdout, logger)
	if err != nil {
		logger.Error("sync-once failed", "error", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(1)
	}
}

// run executes the selected mode and writes its result as JSON to out. The
// boolean is false when the operation ran but did not succeed.
func run(ctx context.Context, cfg *appconfig.Config, opts options, out io.Writer, logger *logging.Logger) (bool, error) {
	if cfg.DatabaseURL == "" {
		return false, errors.New("DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return false, fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	var awsCfg *aws.Config
	if mainconfig.AWSNeeded(cfg) {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			return false, fmt.Errorf("load aws config: %w", err)
		}
		awsCfg = &loaded
	}

	comps, err := bootstrap.BuildComponents(cfg, bootstrap.Deps{
		DB:     pool,
		Redis:  redisClient,
		AWS:    awsCfg,
		Logger: logger,
	})
	if err != nil {
		return false, err
	}
	return execute(ctx, comps.Sync, opts, out)
}

// runner is the part of the sync service the CLI drives.
type runner interface {
	RunSync(ctx context.Context) (*syncer.Report, error)
	RunFromFile(ctx context.Context, path string) (*syncer.Report, error)
	RunFromArchive(ctx context.Context, key string) (*syncer.Report, error)
	RunCleanup(ctx context.Context, days int) (int64, error)
	HealthCheck(ctx context.Context) syncer.Health
}

func execute(ctx context.Context, svc runner, opts options, out io.Writer) (bool, error) {
	var (
		result any
		ok     = true
	)
	switch {
	case opts.cleanup:
		deleted, err := svc.RunCleanup(ctx, opts.days)
		if err != nil {
			return false, err
		}
		result = map[string]int64{"deleted": deleted}
	case opts.healthCheck:
		health := svc.HealthCheck(ctx)
		result, ok = health, health.Healthy
	default:
		var (
			report *syncer.Report
			err    error
		)
		switch {
		case opts.file != "":
			report, err = svc.RunFromFile(ctx, opts.file)
		case opts.archiveKey != "":
			report, err = svc.RunFromArchive(ctx, opts.archiveKey)
		default:
			report, err = svc.RunSync(syncer.WithTrigger(ctx, syncer.SourceCLI))
		}
		if err != nil {
			return false, err
		}
		result, ok = report, report.Success
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return false, fmt.Errorf("write result: %w", err)
	}
	return ok, nil
}
