package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
)

// S3Config contains settings for the batched S3 sink.
type S3Config struct {
	Bucket        string        `yaml:"bucket"`
	Region        string        `yaml:"region"`
	AccessKeyID   string        `yaml:"access_key_id"`
	SecretKey     string        `yaml:"secret_key"`
	Endpoint      string        `yaml:"endpoint"`
	PathPrefix    string        `yaml:"path_prefix"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

// S3Sink batches conversation records into date-partitioned JSONL objects.
// Records accumulate until the batch fills or the flush interval elapses.
type S3Sink struct {
	cfg    S3Config
	client *s3.Client
	logger *slog.Logger

	mu    sync.Mutex
	queue []*ConversationRecord

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewS3Sink creates a batched S3 sink and starts its flush loop.
func NewS3Sink(cfg S3Config, logger *slog.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("telemetry: s3 bucket required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	sink := &S3Sink{
		cfg:    cfg,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		logger: logger,
		queue:  make([]*ConversationRecord, 0, cfg.BatchSize),
		stopCh: make(chan struct{}),
	}

	sink.wg.Add(1)
	go sink.flushLoop()
	return sink, nil
}

// Emit queues one record; a full batch triggers an asynchronous flush.
func (s *S3Sink) Emit(_ context.Context, rec *ConversationRecord) error {
	s.mu.Lock()
	s.queue = append(s.queue, rec)
	full := len(s.queue) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		go s.flush(context.Background())
	}
	return nil
}

// Shutdown stops the flush loop and uploads anything still queued.
func (s *S3Sink) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	return s.flush(ctx)
}

func (s *S3Sink) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.flush(context.Background()); err != nil {
				s.logger.Error("telemetry s3 flush failed", "error", err)
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *S3Sink) flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.queue
	s.queue = make([]*ConversationRecord, 0, s.cfg.BatchSize)
	s.mu.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range batch {
		if err := enc.Encode(rec); err != nil {
			s.logger.Warn("telemetry record encode failed", "request_id", rec.RequestID, "error", err)
		}
	}

	key := s.objectKey(time.Now().UTC())
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("telemetry: upload %s: %w", key, err)
	}
	return nil
}

// objectKey builds a date-partitioned key so downstream query engines can
// prune by time range.
func (s *S3Sink) objectKey(t time.Time) string {
	datePrefix := fmt.Sprintf("year=%d/month=%02d/day=%02d/hour=%02d",
		t.Year(), t.Month(), t.Day(), t.Hour())
	filename := fmt.Sprintf("conversations_%d.jsonl", t.UnixNano())

	if s.cfg.PathPrefix != "" {
		return path.Join(s.cfg.PathPrefix, datePrefix, filename)
	}
	return path.Join(datePrefix, filename)
}
