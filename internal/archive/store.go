// Package archive keeps raw MIS feed payloads in S3 so a sync pass can be
// audited or replayed later.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wolfman30/appointment-sync/pkg/logging"
)

// ErrNotFound is returned when an archived object does not exist.
var ErrNotFound = errors.New("archive: object not found")

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ManifestEntry is one line of the monthly feed manifest.
type ManifestEntry struct {
	RunID      string `json:"run_id"`
	Key        string `json:"key"`
	Bytes      int    `json:"bytes"`
	ArchivedAt string `json:"archived_at"`
}

// Store archives raw feed payloads. With no bucket configured every
// operation is a no-op.
type Store struct {
	bucket   string
	prefix   string
	s3Client S3API
	logger   *logging.Logger
}

// NewStore creates an archive Store writing under prefix in bucket.
func NewStore(s3Client S3API, bucket, prefix string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "mis-feed"
	}
	return &Store{bucket: strings.TrimSpace(bucket), prefix: prefix, s3Client: s3Client, logger: logger}
}

// Enabled returns true if archival is configured.
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// FeedKey returns the object key for the payload fetched by runID at.
func (s *Store) FeedKey(runID string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/v1/by-date/%d/%02d/%02d/%s.json", s.prefix, at.Year(), at.Month(), at.Day(), runID)
}

func (s *Store) manifestKey(at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/v1/manifests/%d-%02d.jsonl", s.prefix, at.Year(), at.Month())
}

// ArchiveFeed stores raw under a date-partitioned key and records it in the
// monthly manifest. It returns the object key, or "" when archiving is disabled.
func (s *Store) ArchiveFeed(ctx context.Context, runID string, at time.Time, raw []byte) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	key := s.FeedKey(runID, at)
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: s3 put %s: %w", key, err)
	}
	s.logger.Info("archive: feed stored", "run_id", runID, "s3_key", key, "bytes", len(raw))

	entry := ManifestEntry{RunID: runID, Key: key, Bytes: len(raw), ArchivedAt: at.UTC().Format(time.RFC3339)}
	if err := s.AppendManifest(ctx, at, entry); err != nil {
		// The payload itself is stored; only the index is behind.
		s.logger.Warn("archive: manifest append failed", "error", err, "run_id", runID)
	}
	return key, nil
}

// LoadFeed returns an archived payload.
func (s *Store) LoadFeed(ctx context.Context, key string) ([]byte, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("archive: not configured")
	}
	return s.get(ctx, strings.TrimPrefix(key, "/"))
}

// AppendManifest appends a JSONL line to the manifest of at's month.
// S3 has no append, so the manifest is read, extended and rewritten.
func (s *Store) AppendManifest(ctx context.Context, at time.Time, entry ManifestEntry) error {
	if !s.Enabled() {
		return nil
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}

	key := s.manifestKey(at)
	existing, err := s.get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put manifest: %w", err)
	}
	return nil
}

// Manifest lists the payloads archived in at's month, oldest first.
func (s *Store) Manifest(ctx context.Context, at time.Time) ([]ManifestEntry, error) {
	if !s.Enabled() {
		return nil, nil
	}
	data, err := s.get(ctx, s.manifestKey(at))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []ManifestEntry
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e ManifestEntry
		if err := json.Unmarshal(line, &e); err != nil {
			s.logger.Warn("archive: skipping malformed manifest line", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("archive: s3 get %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}
	return data, nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "StatusCode: 404")
}
