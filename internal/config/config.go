// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
)

// Sink 종류.
const (
	SinkLocal = "local"
	SinkS3    = "s3"
)

// Config
//
// 추출 프로세스 실행에 필요한 모든 설정 값.
// 프로세스 시작 시 Load() 로 한 번 채우고 이후에는 읽기만 한다.
type Config struct {

	// ---------------------------
	// 서비스 식별 / 로그
	// ---------------------------

	ServiceName string // 로그 service 필드
	InstanceID  string // 프로세스 고유 ID (hostname, 실패 시 랜덤 hex)
	LogLevel    string
	LogPretty   bool
	LogSampleN  uint32 // Debug/Info 샘플링 (0,1 이면 전부 기록)

	HTTPAddr string // /health /metrics /stats. 비어 있으면 HTTP 서버를 띄우지 않는다

	// ---------------------------
	// Source (Kafka)
	// ---------------------------

	KafkaBrokers []string
	KafkaTopic   string
	StartOffset  string // earliest | latest

	// ---------------------------
	// Cycle
	// ---------------------------

	AcceptedEventTypes []string
	TriggerInterval    time.Duration
	MaxRecordsPerCycle int
	ReadTimeout        time.Duration // source read 상한 (넘으면 빈 cycle)
	CommitTimeout      time.Duration // sink write + checkpoint commit 상한
	DecodeWorkers      int
	SourceAlertAfter   int // 연속 source 실패 N 회부터 error 로그
	SinkMaxFailures    int // 연속 sink 실패 N 회 → 프로세스 종료

	// ---------------------------
	// Checkpoint
	// ---------------------------

	CheckpointBackend string // file | pebble
	CheckpointDir     string

	// ---------------------------
	// Sink
	// ---------------------------

	Sink               string // local | s3
	OutputDir          string
	ParquetCompression string

	// ---------------------------
	// S3
	// ---------------------------
	// SDK retry 는 끄고 (aws.NopRetryer) 재시도 횟수는 S3AppRetries 하나로만 관리한다.

	AWSRegion    string
	S3Bucket     string
	S3Prefix     string
	S3Endpoint   string // MinIO / localstack 용. 비어 있으면 AWS 기본
	S3Timeout    time.Duration
	S3AppRetries int

	// ---------------------------
	// 로컬 DLQ (Dead Letter Queue)
	// ---------------------------

	DLQDir          string
	DLQPrefix       string
	DLQMaxAge       time.Duration
	DLQMaxSizeBytes int64
}

// Load
//
// .env 가 있으면 먼저 읽고 (이미 설정된 환경 변수는 덮어쓰지 않음),
// 환경 변수로 Config 를 채운다. 값이 잘못되면 즉시 종료(fail-fast).
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv 는 .env 를 읽지 않고 현재 환경 변수만 사용한다.
func FromEnv() Config {
	cfg := Config{
		ServiceName: env("SERVICE_NAME", "event-extract"),
		InstanceID:  env("INSTANCE_ID", fallbackInstanceID()),
		LogLevel:    env("LOG_LEVEL", "info"),
		LogPretty:   envBool("LOG_PRETTY", false),
		LogSampleN:  uint32(envInt("LOG_SAMPLE_N", 0)),

		HTTPAddr: os.Getenv("HTTP_ADDR"),

		KafkaBrokers: envList("KAFKA_BROKERS", "kafka:29092"),
		KafkaTopic:   env("KAFKA_TOPIC", "events"),
		StartOffset:  env("START_OFFSET", "earliest"),

		AcceptedEventTypes: envList("ACCEPTED_EVENT_TYPES", "purchase_sword,join_guild"),
		TriggerInterval:    envDur("TRIGGER_INTERVAL", 10*time.Second),
		MaxRecordsPerCycle: envInt("MAX_RECORDS_PER_CYCLE", 10000),
		ReadTimeout:        envDur("READ_TIMEOUT", 5*time.Second),
		CommitTimeout:      envDur("COMMIT_TIMEOUT", 60*time.Second),
		DecodeWorkers:      envInt("DECODE_WORKERS", runtime.NumCPU()),
		SourceAlertAfter:   envInt("SOURCE_ALERT_AFTER", 6),
		SinkMaxFailures:    envInt("SINK_MAX_FAILURES", 30),

		CheckpointBackend: env("CHECKPOINT_BACKEND", "file"),
		CheckpointDir:     env("CHECKPOINT_DIR", "/tmp/checkpoints_for_sword_guild"),

		Sink:               strings.ToLower(env("SINK", SinkLocal)),
		OutputDir:          env("OUTPUT_DIR", "/tmp/sword_guild"),
		ParquetCompression: env("PARQUET_COMPRESSION", "zstd"),

		AWSRegion:    env("AWS_REGION", "ap-northeast-2"),
		S3Prefix:     env("S3_PREFIX", "sword_guild"),
		S3Endpoint:   os.Getenv("S3_ENDPOINT"),
		S3Timeout:    envDur("S3_TIMEOUT", 10*time.Second),
		S3AppRetries: envInt("S3_APP_RETRIES", 3),

		DLQDir:          env("DLQ_DIR", "/tmp/sword_guild_dlq"),
		DLQPrefix:       env("DLQ_PREFIX", "dlq"),
		DLQMaxAge:       envDur("DLQ_MAX_AGE", 168*time.Hour),
		DLQMaxSizeBytes: envBytes("DLQ_MAX_SIZE", "512MB"),
	}

	// HTTP_ADDR 가 아예 없으면 기본 포트, 빈 값으로 명시하면 비활성
	if _, ok := os.LookupEnv("HTTP_ADDR"); !ok {
		cfg.HTTPAddr = ":8080"
	}

	switch cfg.Sink {
	case SinkLocal:
	case SinkS3:
		cfg.S3Bucket = must("S3_BUCKET")
	default:
		log.Fatalf("invalid SINK=%q (want local|s3)", cfg.Sink)
	}
	if len(cfg.KafkaBrokers) == 0 {
		log.Fatalf("KAFKA_BROKERS is empty")
	}
	if cfg.S3AppRetries < 1 {
		log.Fatalf("S3_APP_RETRIES must be >= 1, got %d", cfg.S3AppRetries)
	}
	return cfg
}

// must
//
// 필수 환경변수가 없으면 즉시 로그 출력 후 종료(fail-fast).
func must(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("missing required env: %s", key)
	}
	return v
}

// env / envInt / envBool / envDur / envBytes / envList
//
// 값이 없으면 def, 있는데 형식이 틀리면 종료.
// 잘못된 설정으로 조용히 기본값을 쓰는 것보다 시작 단계에서 죽는 편이 낫다.
func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := env(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func envBool(key string, def bool) bool {
	v := env(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid bool env %s=%q: %v", key, v, err)
	}
	return b
}

func envDur(key string, def time.Duration) time.Duration {
	v := env(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

// envBytes 는 "512MB", "1GiB", "1048576" 같은 값을 받는다.
func envBytes(key, def string) int64 {
	v := env(key, def)
	n, err := humanize.ParseBytes(v)
	if err != nil {
		log.Fatalf("invalid size env %s=%q: %v", key, v, err)
	}
	return int64(n)
}

// envList 는 콤마 구분 목록. 빈 항목은 버린다.
func envList(key, def string) []string {
	var out []string
	for _, s := range strings.Split(env(key, def), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// fallbackInstanceID
//
// 이 프로세스를 식별하는 고유 값.
//   - 기본: hostname (ECS/Fargate 에서는 task-id 형태로 고유)
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
