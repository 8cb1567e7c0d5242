package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Config holds application configuration
type Config struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string

	DatabaseURL string

	// Timezone used for the "tomorrow" window, the send window and cron specs.
	Timezone string

	// MIS feed
	MISAPIURL         string
	MISStatusFilter   string
	MISRequestTimeout time.Duration
	MISMaxRetries     int
	MISRetryDelay     time.Duration
	MISHealthTimeout  time.Duration

	// MIS SOAP cancellation endpoint
	SOAPURL            string
	SOAPTimeout        time.Duration
	SOAPCancelReason   string
	CancelWindow       time.Duration
	DefaultListLimit   int
	RetentionDays      int
	SyncLockTTL        time.Duration
	SyncReportCacheTTL time.Duration

	// Messenger bot transport
	BotAPIURL       string
	BotToken        string
	BotTimeout      time.Duration
	SendWindowStart string
	SendWindowEnd   string
	SendPacing      time.Duration
	SendRetryDelays []time.Duration

	// Scheduler
	SchedulerEnabled bool
	SyncCron         string
	CleanupCron      string
	HealthCron       string

	// HTTP API auth
	AdminJWTSecret      string
	ServiceJWTSecret    string
	ServiceRateLimit    float64
	ServiceRateBurst    int
	ShutdownTimeout     time.Duration
	HTTPReadTimeout     time.Duration
	HTTPWriteTimeout    time.Duration
	HTTPIdleTimeout     time.Duration
	MetricsEnabled      bool
	RedisAddr           string
	RedisPassword       string
	RedisTLS            bool
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Raw feed archive (S3)
	FeedArchiveBucket string
	FeedArchivePrefix string

	// Sync failure alerts
	AlertEmailTo       string
	AlertEmailFrom     string
	AlertEmailFromName string
	AlertEmailProvider string
	SendGridAPIKey     string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:      getEnv("PORT", "8080"),
		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "json")),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		Timezone:    getEnv("APP_TIMEZONE", "Europe/Moscow"),

		MISAPIURL:         strings.TrimSpace(getEnv("MIS_API_URL", "")),
		MISStatusFilter:   getEnv("MIS_STATUS_FILTER", "1"),
		MISRequestTimeout: getEnvAsDuration("MIS_REQUEST_TIMEOUT", 30*time.Second),
		MISMaxRetries:     getEnvAsInt("MIS_MAX_RETRIES", 10),
		MISRetryDelay:     getEnvAsDuration("MIS_RETRY_DELAY", 10*time.Minute),
		MISHealthTimeout:  getEnvAsDuration("MIS_HEALTH_TIMEOUT", 10*time.Second),

		SOAPURL:            strings.TrimSpace(getEnv("SOAP_URL", "")),
		SOAPTimeout:        getEnvAsDuration("SOAP_TIMEOUT", 30*time.Second),
		SOAPCancelReason:   getEnv("SOAP_CANCEL_REASON", "CANCELED_BY_PATIENT"),
		CancelWindow:       getEnvAsDuration("CANCEL_WINDOW", 3*time.Hour),
		DefaultListLimit:   getEnvAsInt("APPOINTMENTS_LIST_LIMIT", 10),
		RetentionDays:      getEnvAsInt("RETENTION_DAYS", 365),
		SyncLockTTL:        getEnvAsDuration("SYNC_LOCK_TTL", 2*time.Hour),
		SyncReportCacheTTL: getEnvAsDuration("SYNC_REPORT_CACHE_TTL", 7*24*time.Hour),

		BotAPIURL:       strings.TrimSpace(getEnv("BOT_API_URL", "https://platform-api.max.ru")),
		BotToken:        getEnv("BOT_TOKEN", ""),
		BotTimeout:      getEnvAsDuration("BOT_TIMEOUT", 15*time.Second),
		SendWindowStart: getEnv("SEND_WINDOW_START", "08:00"),
		SendWindowEnd:   getEnv("SEND_WINDOW_END", "22:00"),
		SendPacing:      getEnvAsDuration("SEND_PACING", 150*time.Millisecond),
		SendRetryDelays: getEnvAsDurations("SEND_RETRY_DELAYS", []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}),

		SchedulerEnabled: getEnvAsBool("SCHEDULER_ENABLED", true),
		SyncCron:         getEnv("SYNC_CRON", "50 8 * * *"),
		CleanupCron:      getEnv("CLEANUP_CRON", "0 3 * * 0"),
		HealthCron:       getEnv("HEALTH_CRON", "0 * * * *"),

		AdminJWTSecret:      getEnv("ADMIN_JWT_SECRET", ""),
		ServiceJWTSecret:    getEnv("SERVICE_JWT_SECRET", ""),
		ServiceRateLimit:    getEnvAsFloat("SERVICE_RATE_LIMIT", 20),
		ServiceRateBurst:    getEnvAsInt("SERVICE_RATE_BURST", 40),
		ShutdownTimeout:     getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		HTTPReadTimeout:     getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout:    getEnvAsDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:     getEnvAsDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		MetricsEnabled:      getEnvAsBool("METRICS_ENABLED", true),
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisTLS:            getEnvAsBool("REDIS_TLS", false),
		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		FeedArchiveBucket: getEnv("FEED_ARCHIVE_BUCKET", ""),
		FeedArchivePrefix: getEnv("FEED_ARCHIVE_PREFIX", "mis-feed"),

		AlertEmailTo:       getEnv("ALERT_EMAIL_TO", ""),
		AlertEmailFrom:     getEnv("ALERT_EMAIL_FROM", ""),
		AlertEmailFromName: getEnv("ALERT_EMAIL_FROM_NAME", "Appointment Sync"),
		AlertEmailProvider: strings.ToLower(getEnv("ALERT_EMAIL_PROVIDER", "sendgrid")),
		SendGridAPIKey:     getEnv("SENDGRID_API_KEY", ""),
	}
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c == nil || strings.TrimSpace(c.Timezone) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(strings.TrimSpace(c.Timezone))
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDurations parses a comma-separated list such as "2s,4s,8s".
// Any invalid element discards the whole value.
func getEnvAsDurations(key string, defaultValue []time.Duration) []time.Duration {
	valueStr := getEnv(key, "")
	if strings.TrimSpace(valueStr) == "" {
		return defaultValue
	}
	var out []time.Duration
	for _, part := range strings.Split(valueStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil || d < 0 {
			return defaultValue
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
