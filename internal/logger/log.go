// internal/logger/log.go
package logger

import (
	"io"
	stdlog "log"
	"os"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"triage-ingest/internal/config"
)

// Options 는 로거 구성 값. config.Config 에서 뽑아 쓴다.
type Options struct {
	Level    string
	Pretty   bool
	SampleN  uint32
	Service  string
	Instance string
}

func FromConfig(cfg config.Config) Options {
	return Options{
		Level:    cfg.LogLevel,
		Pretty:   cfg.LogPretty,
		SampleN:  cfg.LogSampleN,
		Service:  cfg.ServiceName,
		Instance: cfg.InstanceID,
	}
}

// Init
//
// 프로세스 시작 시 한 번 호출한다.
//   - LOG_PRETTY=true 면 사람이 보는 콘솔 포맷, 아니면 stdout JSON
//   - 모든 로그에 service / instance 필드
//   - debug/info 는 LOG_SAMPLE_N 개 중 1개만 기록, warn 이상은 전부 기록
//   - 표준 log 패키지 출력도 같은 sink 로 돌린다
//
// 사용 예:
//
//	logger.Init(cfg)
//	log.Info().Str("partition", p).Msg("[INFO] worker started")
func Init(cfg config.Config) {
	opts := FromConfig(cfg)

	var w io.Writer = os.Stdout
	if opts.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	zerolog.SetGlobalLevel(parseLevel(opts.Level))
	zlog.Logger = New(w, opts)

	stdlog.SetFlags(0) // 시간은 zerolog 가 찍는다
	stdlog.SetOutput(zlog.Logger)
}

// New 는 w 로 쓰는 로거를 만든다. 전역 상태는 건드리지 않는다.
func New(w io.Writer, opts Options) zerolog.Logger {
	level := parseLevel(opts.Level)

	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", opts.Service).
		Str("instance", opts.Instance).
		Logger()

	if opts.SampleN <= 1 {
		return base
	}

	// Warn/Error 샘플러는 nil → 샘플링하지 않음
	return base.Sample(&zerolog.LevelSampler{
		DebugSampler: &zerolog.BasicSampler{N: opts.SampleN},
		InfoSampler:  &zerolog.BasicSampler{N: opts.SampleN},
	})
}

func parseLevel(s string) zerolog.Level {
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s))); err == nil && s != "" {
		return l
	}
	return zerolog.InfoLevel
}
