// Package app 은 config 값으로 공용 구성요소(파이프라인 옵션, 임베딩, 저장소)를 만든다.
// server 와 backfill 두 바이너리가 같은 조립을 쓴다.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"triage-ingest/internal/archive"
	"triage-ingest/internal/bundle"
	"triage-ingest/internal/config"
	"triage-ingest/internal/embed"
	"triage-ingest/internal/extract"
	"triage-ingest/internal/metrics"
	"triage-ingest/internal/model"
	"triage-ingest/internal/normalize"
	"triage-ingest/internal/pipeline"
	"triage-ingest/internal/retry"
	"triage-ingest/internal/store"
)

// Policy 는 외부 I/O 공통 재시도 정책에 시도 횟수/timeout 만 바꾼 값.
func Policy(attempts int, perAttempt time.Duration) retry.Policy {
	p := retry.Default()
	if attempts > 0 {
		p.Attempts = attempts
	}
	if perAttempt > 0 {
		p.PerAttempt = perAttempt
	}
	return p
}

// PipelineOptions 는 추출/번들 설정과 실행 모드를 만든다.
func PipelineOptions(cfg config.Config) (pipeline.Options, pipeline.Mode, error) {
	mode, err := pipeline.ParseMode(cfg.PipelineMode)
	if err != nil {
		return pipeline.Options{}, "", err
	}

	minSev, ok := model.ParseSeverityName(cfg.MinSeverity)
	if !ok {
		return pipeline.Options{}, "", fmt.Errorf("invalid MIN_SEVERITY %q", cfg.MinSeverity)
	}

	ext := extract.DefaultOptions()
	if len(cfg.AppRoots) > 0 {
		ext.AppRoots = cfg.AppRoots
	}

	bc := bundle.DefaultConfig()
	bc.MinSeverity = minSev
	bc.AppRoots = ext.AppRoots
	if cfg.BundleWindow > 0 {
		bc.Window = cfg.BundleWindow
	}
	if cfg.BundleMaxLogs > 0 {
		bc.MaxLogsPerBundle = cfg.BundleMaxLogs
	}
	if cfg.BundleBorrowWindow > 0 {
		bc.BorrowWindow = cfg.BundleBorrowWindow
	}

	return pipeline.Options{
		MinSeverity: minSev,
		Normalize:   normalize.Options{AllowedCategories: cfg.AllowedCategories},
		Extract:     ext,
		Bundle:      bc,
	}, mode, nil
}

// Embedder 는 조립된 임베딩 provider 와 정리 함수.
// Provider 가 nil 이면 임베딩 없이 저장한다 (EMBED_PROVIDER=none).
type Embedder struct {
	Provider embed.Provider
	Cached   *embed.CachedProvider
	close    func()
}

func (e Embedder) Close() {
	if e.close != nil {
		e.close()
	}
}

// NewEmbedder
//
//	local : murmur3 feature hashing (외부 호출 없음)
//	http  : EMBED_URL 의 OpenAI 호환 API
//	none  : 임베딩 끔
//
// REDIS_ADDR 가 있으면 L2 캐시를 붙인다. Redis 연결 실패는 L1 만으로 계속한다.
func NewEmbedder(ctx context.Context, cfg config.Config) (Embedder, error) {
	var inner embed.Provider
	switch cfg.EmbedProvider {
	case "none", "off":
		return Embedder{}, nil
	case "", "local":
		inner = embed.NewLocal(cfg.VectorDim)
	case "http":
		if cfg.EmbedURL == "" {
			return Embedder{}, fmt.Errorf("EMBED_PROVIDER=http requires EMBED_URL")
		}
		inner = embed.NewHTTP(embed.HTTPOptions{
			BaseURL: cfg.EmbedURL,
			APIKey:  cfg.EmbedAPIKey,
			Model:   cfg.EmbedModel,
			Dim:     cfg.VectorDim,
			Retry:   Policy(cfg.DBRetries, cfg.DBTimeout),
		})
	default:
		return Embedder{}, fmt.Errorf("unknown EMBED_PROVIDER %q", cfg.EmbedProvider)
	}

	var (
		l2      embed.Cache
		closeFn func()
	)
	if cfg.RedisAddr != "" {
		rdb, err := embed.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("[WARN] redis unavailable, embedding cache is L1 only")
		} else {
			l2 = embed.NewRedisCache(rdb, cfg.EmbedCacheTTL)
			closeFn = func() { _ = rdb.Close() }
		}
	}

	cached, err := embed.NewCached(inner, cfg.EmbedCacheSize, l2)
	if err != nil {
		if closeFn != nil {
			closeFn()
		}
		return Embedder{}, err
	}

	log.Info().Str("provider", cfg.EmbedProvider).Str("model", inner.Model()).Int("dim", inner.Dimension()).
		Bool("redis", l2 != nil).Msg("[INFO] embedding provider ready")
	return Embedder{Provider: cached, Cached: cached, close: closeFn}, nil
}

// OpenStore 는 저장소에 연결하고 스키마를 보장한다.
func OpenStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	st := store.Open(cfg.DatabaseURL, cfg.VectorDim, Policy(cfg.DBRetries, cfg.DBTimeout))

	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("store ping: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}
	return st, nil
}

// Archive 는 S3 client, 이름 규칙, 로컬 DLQ 를 묶은 archive sink 를 만든다.
// 반환된 Clock 은 호출측이 Run 으로 갱신한다.
func Archive(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*archive.Archiver, *archive.Clock, error) {
	if cfg.RawBucket == "" {
		return nil, nil, fmt.Errorf("RAW_BUCKET is required")
	}
	loc, err := time.LoadLocation(cfg.ArchiveTimezone)
	if err != nil {
		return nil, nil, fmt.Errorf("ARCHIVE_TIMEZONE: %w", err)
	}

	client, err := archive.NewS3Client(ctx, cfg.AWSRegion, cfg.S3Endpoint)
	if err != nil {
		return nil, nil, err
	}
	s3store := archive.NewS3Store(client, cfg.RawBucket, Policy(cfg.S3AppRetries, cfg.S3Timeout), m)

	clock := archive.NewClock(loc)
	namer := archive.NewNamer(cfg.InstanceID, clock)

	dlq, err := archive.NewDLQ(archive.DLQOptions{
		Dir:       cfg.DLQDir,
		MaxAge:    cfg.DLQMaxAge,
		MaxBytes:  cfg.DLQMaxSizeBytes,
		RawPrefix: cfg.RawPrefix,
		DLQPrefix: cfg.DLQPrefix,
	}, s3store, namer, m)
	if err != nil {
		return nil, nil, err
	}

	return archive.NewArchiver(s3store, namer, dlq, m, cfg.RawPrefix), clock, nil
}

// ArchiveReader 는 읽기 전용 S3 접근 (backfill). DLQ / namer 는 만들지 않는다.
func ArchiveReader(ctx context.Context, cfg config.Config) (*archive.S3Store, error) {
	if cfg.RawBucket == "" {
		return nil, fmt.Errorf("RAW_BUCKET is required")
	}
	client, err := archive.NewS3Client(ctx, cfg.AWSRegion, cfg.S3Endpoint)
	if err != nil {
		return nil, err
	}
	return archive.NewS3Store(client, cfg.RawBucket, Policy(cfg.S3AppRetries, cfg.S3Timeout), nil), nil
}
