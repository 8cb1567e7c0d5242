package bootstrap

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/appointment-sync/internal/appointments"
	"github.com/wolfman30/appointment-sync/internal/archive"
	"github.com/wolfman30/appointment-sync/internal/cancellation"
	appconfig "github.com/wolfman30/appointment-sync/internal/config"
	"github.com/wolfman30/appointment-sync/internal/directory"
	"github.com/wolfman30/appointment-sync/internal/matching"
	"github.com/wolfman30/appointment-sync/internal/mis"
	"github.com/wolfman30/appointment-sync/internal/notify"
	"github.com/wolfman30/appointment-sync/internal/notify/maxbot"
	"github.com/wolfman30/appointment-sync/internal/observability/metrics"
	"github.com/wolfman30/appointment-sync/internal/scheduler"
	"github.com/wolfman30/appointment-sync/internal/syncer"
	"github.com/wolfman30/appointment-sync/pkg/logging"
)

// DB is the pgx surface shared by the appointment and directory stores.
// *pgxpool.Pool satisfies it.
type DB interface {
	appointments.DB
	directory.DB
}

// Deps are the process-level resources the components are built on.
// Redis and AWS are optional.
type Deps struct {
	DB         DB
	Redis      *redis.Client
	AWS        *aws.Config
	Registerer prometheus.Registerer
	Logger     *logging.Logger
}

// Components is the wired application.
type Components struct {
	Appointments *appointments.Store
	Directory    *directory.Store
	Fetcher      *mis.Client
	Transport    *maxbot.Client
	Notifier     *notify.Notifier
	Archive      *archive.Store
	Alerter      *notify.Alerter
	Sync         *syncer.Service
	Cancel       *cancellation.Service
	Scheduler    *scheduler.Scheduler
}

// BuildComponents wires every component from cfg. Nothing is started.
func BuildComponents(cfg *appconfig.Config, deps Deps) (*Components, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if deps.DB == nil {
		return nil, fmt.Errorf("bootstrap: database is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	loc := cfg.Location()

	window, err := notify.ParseSendWindow(cfg.SendWindowStart, cfg.SendWindowEnd, loc)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: send window: %w", err)
	}

	syncMetrics := metrics.NewSyncMetrics(deps.Registerer)
	notifyMetrics := metrics.NewNotifyMetrics(deps.Registerer)

	c := &Components{
		Appointments: appointments.NewStore(deps.DB, logger).WithCancelWindow(cfg.CancelWindow),
		Directory:    directory.NewStore(deps.DB),
		Fetcher: mis.NewClient(mis.ClientConfig{
			BaseURL:        cfg.MISAPIURL,
			StatusFilter:   cfg.MISStatusFilter,
			RequestTimeout: cfg.MISRequestTimeout,
			MaxRetries:     cfg.MISMaxRetries,
			RetryDelay:     cfg.MISRetryDelay,
			HealthTimeout:  cfg.MISHealthTimeout,
			Location:       loc,
		}, logger),
		Transport: maxbot.NewClient(maxbot.Config{
			BaseURL: cfg.BotAPIURL,
			Token:   cfg.BotToken,
			Timeout: cfg.BotTimeout,
		}, logger),
		Archive: BuildFeedArchive(cfg, deps.AWS, logger),
		Alerter: BuildAlerter(cfg, deps.AWS, logger),
	}
	c.Notifier = notify.NewNotifier(c.Transport, c.Directory, window, loc, logger).
		WithRetryDelays(cfg.SendRetryDelays).
		WithPacing(cfg.SendPacing).
		WithMetrics(notifyMetrics)

	syncCfg := syncer.Config{
		Fetcher:       c.Fetcher,
		Parser:        mis.NewParser(loc, logger),
		Matcher:       matching.NewMatcher(c.Directory, logger),
		Store:         c.Appointments,
		Notifier:      c.Notifier,
		Transport:     c.Transport,
		Metrics:       syncMetrics,
		Location:      loc,
		RetentionDays: cfg.RetentionDays,
		Logger:        logger,
	}
	if c.Archive != nil {
		syncCfg.Archive = c.Archive
	}
	if c.Alerter != nil {
		syncCfg.Alerter = c.Alerter
	}
	syncCfg.Lock, syncCfg.Cache = BuildSyncGuards(deps.Redis, cfg)
	c.Sync = syncer.NewService(syncCfg)

	c.Cancel = cancellation.NewService(cancellation.ServiceConfig{
		Store: c.Appointments,
		SOAP: cancellation.NewSOAPClient(cancellation.SOAPConfig{
			URL:     cfg.SOAPURL,
			Timeout: cfg.SOAPTimeout,
			Reason:  cfg.SOAPCancelReason,
		}, logger),
		Reason: cfg.SOAPCancelReason,
		Window: cfg.CancelWindow,
		Logger: logger,
	})

	c.Scheduler, err = scheduler.New(c.Sync, scheduler.Config{
		SyncSpec:      cfg.SyncCron,
		CleanupSpec:   cfg.CleanupCron,
		HealthSpec:    cfg.HealthCron,
		RetentionDays: cfg.RetentionDays,
		Location:      loc,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: scheduler: %w", err)
	}

	logger.Info("components wired",
		"timezone", loc.String(),
		"mis_configured", c.Fetcher.Configured(),
		"archive_enabled", c.Archive.Enabled(),
		"alerts_enabled", c.Alerter != nil,
		"redis_guard", syncCfg.Lock != nil,
	)
	return c, nil
}
