package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"event-extract/internal/checkpoint"
	"event-extract/internal/config"
	"event-extract/internal/filter"
	"event-extract/internal/logger"
	"event-extract/internal/metrics"
	"event-extract/internal/scheduler"
	"event-extract/internal/server"
	"event-extract/internal/sink"
	"event-extract/internal/source"
	"event-extract/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

func main() {
	os.Exit(run())
}

func run() int {

	// ====================================================================
	// CPU 설정 (Fargate vCPU 특성 대응)
	// ====================================================================
	//
	// decode 는 CPU 를 쓰는 구간이라 GOMAXPROCS 가 곧 DECODE_WORKERS 상한이다.
	// 컨테이너 vCPU 보다 크게 잡으면 스케줄링만 늘어나므로
	// Task Definition 에서 GOMAXPROCS 를 vCPU 수에 맞춰 지정한다.
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	}

	cfg := config.Load()
	logger.Init(cfg)

	m := metrics.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := m.Register("extract", reg); err != nil {
		log.Error().Err(err).Msg("metrics register failed")
		return 1
	}

	// SIGTERM(ECS scale-in / rolling deploy) → 진행 중 cycle 이 끝난 뒤 종료
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ====================================================================
	// 구성 요소
	// ====================================================================
	//
	//  - Source: Kafka partition 직접 소비 (consumer group 없음)
	//  - Sink: local parquet 디렉토리 또는 S3
	//  - Checkpoint: file / pebble
	//  - DLQ: malformed 원본 보관 (S3 sink 면 주기적으로 업로드)
	// ====================================================================
	start, err := source.ParseStartOffset(cfg.StartOffset)
	if err != nil {
		log.Error().Str("component", "config").Err(err).Msg("invalid START_OFFSET")
		return 1
	}
	codec, err := sink.ParseCompression(cfg.ParquetCompression)
	if err != nil {
		log.Error().Str("component", "config").Err(err).Msg("invalid PARQUET_COMPRESSION")
		return 1
	}

	src, err := source.NewKafka(source.KafkaConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		Start:    start,
		ClientID: cfg.ServiceName + "-" + cfg.InstanceID,
	})
	if err != nil {
		log.Error().Str("component", "source").Err(err).Msg("kafka client")
		return 1
	}

	var (
		snk      sink.Sink
		uploader worker.Uploader
	)
	switch cfg.Sink {
	case config.SinkS3:
		s3sink, err := sink.NewS3(ctx, sink.S3Config{
			Region:   cfg.AWSRegion,
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Endpoint: cfg.S3Endpoint,
			Timeout:  cfg.S3Timeout,
			Retries:  cfg.S3AppRetries,
		}, codec, m)
		if err != nil {
			log.Error().Str("component", "sink").Err(err).Msg("s3 sink")
			_ = src.Close()
			return 1
		}
		snk, uploader = s3sink, s3sink
	default:
		local, err := sink.NewLocal(cfg.OutputDir, codec)
		if err != nil {
			log.Error().Str("component", "sink").Err(err).Msg("local sink")
			_ = src.Close()
			return 1
		}
		snk = local
	}

	store, err := checkpoint.Open(cfg.CheckpointBackend, cfg.CheckpointDir, cfg.KafkaTopic)
	if err != nil {
		log.Error().Str("component", "checkpoint").Err(err).Msg("open checkpoint")
		_ = multierr.Combine(src.Close(), snk.Close())
		return 1
	}

	dlq, err := worker.NewDLQ(worker.DLQConfig{
		Dir:          cfg.DLQDir,
		Prefix:       cfg.DLQPrefix,
		InstanceID:   cfg.InstanceID,
		MaxAge:       cfg.DLQMaxAge,
		MaxSizeBytes: cfg.DLQMaxSizeBytes,
	}, m, uploader)
	if err != nil {
		log.Error().Str("component", "dlq").Err(err).Msg("open dlq")
		_ = multierr.Combine(src.Close(), snk.Close(), store.Close())
		return 1
	}

	coord := worker.NewCoordinator(worker.Options{
		Topic:              cfg.KafkaTopic,
		MaxRecordsPerCycle: cfg.MaxRecordsPerCycle,
		ReadTimeout:        cfg.ReadTimeout,
		CommitTimeout:      cfg.CommitTimeout,
		DecodeWorkers:      cfg.DecodeWorkers,
		SourceAlertAfter:   cfg.SourceAlertAfter,
		SinkMaxFailures:    cfg.SinkMaxFailures,
	}, src, filter.New(cfg.AcceptedEventTypes...), snk, store, dlq, m)

	// ====================================================================
	// HTTP (/health /stats /metrics)
	// ====================================================================
	var srv *http.Server
	if cfg.HTTPAddr != "" {
		srv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           server.NewHandler(m, coord, reg).Routes(),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Str("component", "http").Err(err).Msg("http server terminated")
			}
		}()
	}

	log.Info().
		Strs("brokers", cfg.KafkaBrokers).
		Str("topic", cfg.KafkaTopic).
		Strs("accepted_event_types", cfg.AcceptedEventTypes).
		Str("sink", cfg.Sink).
		Str("checkpoint", cfg.CheckpointBackend).
		Dur("interval", cfg.TriggerInterval).
		Str("http", cfg.HTTPAddr).
		Msg("extractor started")

	runErr := coord.Run(ctx, scheduler.New(cfg.TriggerInterval))

	// ====================================================================
	// 종료
	// ====================================================================
	//  1) HTTP 먼저 (health check 가 더 이상 응답하지 않도록)
	//  2) source / sink / checkpoint 순서로 닫는다
	// ====================================================================
	var closeErr error
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		closeErr = multierr.Append(closeErr, srv.Shutdown(sctx))
		cancel()
	}
	closeErr = multierr.Combine(closeErr, src.Close(), snk.Close(), store.Close())
	if closeErr != nil {
		log.Warn().Errs("errors", multierr.Errors(closeErr)).Msg("shutdown close errors")
	}

	var fe *worker.FatalError
	if errors.As(runErr, &fe) {
		log.WithLevel(zerolog.FatalLevel).
			Str("component", fe.Component).
			Err(fe.Err).
			Interface("committed", coord.Committed()).
			Msg("pipeline failed")
		return 1
	}
	if runErr != nil {
		log.Error().Err(runErr).Msg("pipeline stopped")
		return 1
	}

	log.Info().Interface("committed", coord.Committed()).Msg("shutdown complete")
	return 0
}
