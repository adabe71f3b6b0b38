// internal/sink/s3.go
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"event-extract/internal/metrics"
	"event-extract/internal/pool"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/rs/zerolog/log"
)

// S3Config 는 S3 sink 설정.
type S3Config struct {
	Region string
	Bucket string
	Prefix string // unit key prefix (예: sword_guild)

	// Endpoint 가 있으면 S3 호환 스토리지(MinIO 등)로 보고 path-style 로 접근한다.
	Endpoint string

	// 정적 credential. 비어 있으면 SDK 기본 체인(env, shared config, IAM role).
	AccessKeyID     string
	SecretAccessKey string

	Timeout time.Duration // PutObject 시도 1회당 timeout
	Retries int           // 애플리케이션 레벨 최대 시도 횟수 (SDK retry 는 항상 끔)

	// 재시도 간격: InitialBackoff 부터 두 배씩, MaxBackoff 에서 고정.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// S3
// ------------------------------------------------------------
// unit 을 parquet 으로 인코딩해서 S3 에 올린다.
//   - key: <prefix>/dt=YYYY-MM-DD/<name>.parquet
//   - 같은 이름의 unit 을 다시 올리면 같은 key 를 덮어쓴다 (PutObject 는 원자적)
//   - 로컬 DLQ 파일 업로드 (UploadFile)
//
// Retry 정책 단일화:
// SDK 기본 retry 와 코드 레벨 retry 가 겹치면 지연이 예측 불가능해지므로
// SDK 쪽은 aws.NopRetryer 로 끄고 재시도 횟수는 Retries 하나로만 관리한다.
type S3 struct {
	cfg     S3Config
	codec   compress.Codec
	metrics *metrics.Metrics
	client  *s3.Client
}

// NewS3 는 AWS SDK Config 를 로드하고 S3 client 를 만든다.
func NewS3(ctx context.Context, cfg S3Config, codec compress.Codec, m *metrics.Metrics) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 sink: empty bucket")
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}

	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("component", "sink").
		Str("bucket", cfg.Bucket).
		Str("prefix", cfg.Prefix).
		Str("endpoint", cfg.Endpoint).
		Msg("s3 sink ready")

	return &S3{cfg: cfg, codec: codec, metrics: m, client: client}, nil
}

func newS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsCfgLib.LoadOptions) error{
		awsCfgLib.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsCfgLib.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.Retryer = aws.NopRetryer{}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Key 는 unit 의 object key.
func (s *S3) Key(u Unit) string {
	return joinKey(s.cfg.Prefix, u.Path())
}

func joinKey(prefix, rest string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return rest
	}
	return prefix + "/" + rest
}

// Write 는 unit 을 인코딩해서 재시도와 함께 업로드한다.
func (s *S3) Write(ctx context.Context, u Unit) error {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	if err := Encode(buf, u.Rows, s.codec); err != nil {
		return fmt.Errorf("encode unit %s: %w", u.Name, err)
	}
	body := buf.Bytes()
	key := s.Key(u)

	// body 는 매 시도마다 reader 를 새로 만들어야 하므로 bytes.NewReader 사용
	err := s.retry(ctx, key, func() error {
		return s.putObject(ctx, key, bytes.NewReader(body), int64(len(body)))
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// UploadFile
// ------------------------------------------------------------
// 로컬 DLQ 에 저장된 파일을 그대로 S3 로 올린다.
//   - io.ReadSeeker 라서 재시도 때 Seek(0) 으로 되감는다
//   - key 는 caller 가 완성해서 넘긴다
func (s *S3) UploadFile(ctx context.Context, key string, f io.ReadSeeker, size int64) error {
	return s.retry(ctx, key, func() error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}
		return s.putObject(ctx, key, f, size)
	})
}

// retry 는 Retries 회까지 exponential backoff 로 op 를 다시 시도한다.
// ctx 가 끝나면 바로 중단.
func (s *S3) retry(ctx context.Context, key string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			err := op()
			if err != nil {
				atomic.AddInt64(&s.metrics.S3PutErrorsTotal, 1)
			}
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.Retries-1)), ctx),
		func(err error, wait time.Duration) {
			log.Warn().
				Str("component", "sink").
				Str("key", key).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Err(err).
				Msg("s3 put failed, retrying")
		},
	)
}

// putObject
// ------------------------------------------------------------
// 실제 PutObject 1회 호출. 재시도는 caller 가 제어한다.
func (s *S3) putObject(ctx context.Context, key string, body io.Reader, size int64) error {
	ctx2, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	_, err := s.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return err
}

func (s *S3) Close() error { return nil }
