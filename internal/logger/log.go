// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"event-extract/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 프로세스 시작 시 한 번만 호출한다.
//
//  1. 포맷: LOG_PRETTY=true 면 콘솔 텍스트, 아니면 JSON (CloudWatch 등 수집용)
//  2. 모든 로그에 service / instance 필드
//  3. LOG_SAMPLE_N > 1 이면 Debug/Info 는 N 개 중 1 개만. Warn/Error 는 전부 기록
//  4. 표준 라이브러리 log 출력도 zerolog 로 돌린다
//
// 사용 예:
//
//	logger.Init(cfg)
//	log.Info().Str("component", "coordinator").Msg("started")
func Init(cfg config.Config) {
	zlog.Logger = New(cfg, os.Stdout)

	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// New 는 Init 이 전역으로 설치하는 logger 를 out 에 대해 만든다.
func New(cfg config.Config, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && l != zerolog.NoLevel {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	w := out
	if cfg.LogPretty {
		// 개발 중엔 날짜 없이 시간만
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	if cfg.LogSampleN > 1 {
		return base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
		})
	}
	return base
}
