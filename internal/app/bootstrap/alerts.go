package bootstrap

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/wolfman30/appointment-sync/internal/archive"
	appconfig "github.com/wolfman30/appointment-sync/internal/config"
	"github.com/wolfman30/appointment-sync/internal/notify"
	"github.com/wolfman30/appointment-sync/pkg/logging"
)

// BuildEmailSender picks the alert e-mail provider. It returns nil when the
// selected provider is not configured.
func BuildEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) notify.EmailSender {
	if cfg == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.AlertEmailProvider)) {
	case "ses":
		if awsCfg == nil {
			logger.Warn("ses alerts selected but aws is not configured")
			return nil
		}
		return notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
			FromEmail: cfg.AlertEmailFrom,
			FromName:  cfg.AlertEmailFromName,
		}, logger)
	case "stub", "log":
		return notify.NewStubEmailSender(logger)
	default:
		sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.AlertEmailFrom,
			FromName:  cfg.AlertEmailFromName,
		}, logger)
		if sender == nil {
			return nil
		}
		return sender
	}
}

// BuildAlerter wires sync failure alerts; nil when alerts are disabled.
func BuildAlerter(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) *notify.Alerter {
	sender := BuildEmailSender(cfg, awsCfg, logger)
	if sender == nil {
		return nil
	}
	return notify.NewAlerter(sender, cfg.AlertEmailTo, logger)
}

// BuildFeedArchive returns the S3 feed archive, or nil without a bucket.
func BuildFeedArchive(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) *archive.Store {
	if cfg == nil || awsCfg == nil || strings.TrimSpace(cfg.FeedArchiveBucket) == "" {
		return nil
	}
	client := s3.NewFromConfig(*awsCfg, func(o *s3.Options) {
		// LocalStack and MinIO need path-style addressing.
		o.UsePathStyle = cfg.AWSEndpointOverride != ""
	})
	return archive.NewStore(client, cfg.FeedArchiveBucket, cfg.FeedArchivePrefix, logger)
}
