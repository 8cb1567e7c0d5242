package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/appointment-sync/internal/config"
	"github.com/wolfman30/appointment-sync/internal/scheduler"
	"github.com/wolfman30/appointment-sync/pkg/logging"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Timezone:           "Europe/Moscow",
		MISAPIURL:          "http://mis.local/informer",
		MISMaxRetries:      1,
		BotAPIURL:          "http://bot.local",
		SendWindowStart:    "08:00",
		SendWindowEnd:      "22:00",
		SendRetryDelays:    []time.Duration{0},
		CancelWindow:       3 * time.Hour,
		RetentionDays:      30,
		SyncCron:           "50 8 * * *",
		CleanupCron:        "0 3 * * 0",
		HealthCron:         "0 * * * *",
		SyncLockTTL:        time.Hour,
		SyncReportCacheTTL: time.Hour,
		AlertEmailProvider: "sendgrid",
	}
}

func TestBuildComponents(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	comps, err := BuildComponents(testConfig(), Deps{
		DB:         pool,
		Registerer: prometheus.NewRegistry(),
		Logger:     logging.New("error"),
	})
	require.NoError(t, err)

	assert.NotNil(t, comps.Sync)
	assert.NotNil(t, comps.Cancel)
	assert.True(t, comps.Fetcher.Configured())
	assert.Nil(t, comps.Archive)
	assert.Nil(t, comps.Alerter)
	assert.False(t, comps.Sync.Running())

	status := comps.Scheduler.Status()
	assert.Equal(t, "Europe/Moscow", status.Timezone)
	assert.Len(t, status.Jobs, 3)
	ids := []string{}
	for _, j := range status.Jobs {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{scheduler.JobDailySync, scheduler.JobWeeklyCleanup, scheduler.JobHealthCheck}, ids)
}

func TestBuildComponentsValidation(t *testing.T) {
	_, err := BuildComponents(nil, Deps{})
	assert.Error(t, err)

	_, err = BuildComponents(testConfig(), Deps{})
	assert.Error(t, err)

	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	cfg := testConfig()
	cfg.SendWindowStart = "25:00"
	_, err = BuildComponents(cfg, Deps{DB: pool, Registerer: prometheus.NewRegistry()})
	assert.ErrorContains(t, err, "send window")

	cfg = testConfig()
	cfg.SyncCron = "every day"
	_, err = BuildComponents(cfg, Deps{DB: pool, Registerer: prometheus.NewRegistry()})
	assert.ErrorContains(t, err, "scheduler")
}

func TestBuildRedisClient(t *testing.T) {
	assert.Nil(t, BuildRedisClient(context.Background(), &appconfig.Config{}, nil, true))

	mr := miniredis.RunT(t)
	client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, nil, true)
	require.NotNil(t, client)
	defer client.Close()

	addr := mr.Addr()
	mr.Close()
	assert.Nil(t, BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: addr}, nil, true))
}

func TestBuildSyncGuards(t *testing.T) {
	lock, cache := BuildSyncGuards(nil, testConfig())
	assert.Nil(t, lock)
	assert.Nil(t, cache)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lock, cache = BuildSyncGuards(client, testConfig())
	require.NotNil(t, lock)
	require.NotNil(t, cache)

	release, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, release(context.Background()))
}

func TestBuildEmailSender(t *testing.T) {
	cfg := testConfig()
	assert.Nil(t, BuildEmailSender(cfg, nil, nil))

	cfg.SendGridAPIKey = "SG.key"
	assert.NotNil(t, BuildEmailSender(cfg, nil, nil))

	cfg.AlertEmailProvider = "ses"
	assert.Nil(t, BuildEmailSender(cfg, nil, nil))

	cfg.AlertEmailProvider = "stub"
	assert.NotNil(t, BuildEmailSender(cfg, nil, nil))

	cfg.AlertEmailTo = ""
	assert.Nil(t, BuildAlerter(cfg, nil, nil))
	cfg.AlertEmailTo = "ops@example.com"
	assert.NotNil(t, BuildAlerter(cfg, nil, nil))
}

func TestBuildFeedArchiveNeedsBucketAndAWS(t *testing.T) {
	cfg := testConfig()
	assert.Nil(t, BuildFeedArchive(cfg, nil, nil))
	cfg.FeedArchiveBucket = "feeds"
	assert.Nil(t, BuildFeedArchive(cfg, nil, nil))
}
