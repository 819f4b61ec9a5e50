// internal/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config
//
// 서비스 실행 시 필요한 모든 환경 변수 값을 보관하는 구조체.
// 프로세스 시작 시점에 Load() 로 한 번 만들어지고 이후에는 값으로만 전달된다.
type Config struct {

	// ---------------------------
	// 서버 식별자 / 네트워크 / 로그
	// ---------------------------

	ServiceName string // 로그 service 필드 (기본 triage-ingest)
	InstanceID  string // 호스트명, 실패 시 랜덤 uuid
	HTTPAddr    string // HTTP bind 주소 (예: ":8080")

	LogLevel   string // debug / info / warn / error
	LogPretty  bool   // true 면 ConsoleWriter
	LogSampleN uint32 // debug/info 를 N 개 중 1 개만 기록 (0,1 이면 전부)

	// ---------------------------
	// 입력 / 배치
	// ---------------------------

	MaxBodySize   int64         // 단일 요청 body 최대 크기 (바이트)
	ChannelSize   int           // 파티션별 큐 크기 (가득 차면 503)
	BatchSize     int           // N 개 모이면 배치 처리
	FlushInterval time.Duration // 시간 기반 flush 주기
	CheckpointDir string        // 파티션별 checkpoint 파일 디렉토리

	// ---------------------------
	// 추출 파이프라인
	// ---------------------------

	PipelineMode      string   // episode / bundle / both
	MinSeverity       string   // 이 미만 인시던트는 버린다
	AllowedCategories []string // 비어 있으면 전부 허용
	AppRoots          []string // 앱 코드로 취급할 경로 prefix

	BundleWindow       time.Duration
	BundleMaxLogs      int
	BundleBorrowWindow time.Duration

	// ---------------------------
	// AWS / S3 archive
	// ---------------------------
	// SDK 자체 retry 는 끄고 S3AppRetries 로만 재시도한다.

	AWSRegion       string
	S3Endpoint      string // 비어 있으면 AWS 기본 endpoint
	RawBucket       string
	RawPrefix       string
	DLQPrefix       string
	ArchiveTimezone string // dt/hr 파티션 기준 (기본 UTC)

	S3Timeout    time.Duration // 시도당 timeout
	S3AppRetries int

	// ---------------------------
	// 로컬 DLQ
	// ---------------------------

	DLQDir          string
	DLQMaxAge       time.Duration
	DLQMaxSizeBytes int64

	// ---------------------------
	// 인시던트 저장소 (Postgres + pgvector)
	// ---------------------------

	DatabaseURL string
	VectorDim   int
	DBTimeout   time.Duration
	DBRetries   int

	// ---------------------------
	// 임베딩
	// ---------------------------

	EmbedProvider  string // local / http / none
	EmbedURL       string
	EmbedAPIKey    string
	EmbedModel     string
	EmbedCacheSize int // L1 LRU 크기

	RedisAddr     string // 비어 있으면 L2 캐시 없음
	RedisPassword string
	RedisDB       int
	EmbedCacheTTL time.Duration
}

// 서버 기동에 반드시 필요한 env.
var serverRequired = []string{"DATABASE_URL", "AWS_REGION", "RAW_BUCKET", "HTTP_ADDR"}

// fatalf 는 테스트에서 교체한다.
var fatalf = log.Fatalf

// Load
//
// 서버용. 필수 env 가 비어 있으면 즉시 종료(fail-fast).
func Load() Config {
	for _, k := range serverRequired {
		must(k)
	}
	return load()
}

// LoadOptional 은 필수 검사 없이 읽는다 (backfill CLI 용, 필요한 값은 호출측이 확인).
func LoadOptional() Config {
	return load()
}

func load() Config {
	return Config{
		ServiceName: get("SERVICE_NAME", "triage-ingest"),
		InstanceID:  get("INSTANCE_ID", fallbackInstanceID()),
		HTTPAddr:    get("HTTP_ADDR", ":8080"),

		LogLevel:   get("LOG_LEVEL", "info"),
		LogPretty:  getBool("LOG_PRETTY", false),
		LogSampleN: uint32(getInt("LOG_SAMPLE_N", 0)),

		MaxBodySize:   getInt64("MAX_BODY_SIZE", 1<<20),
		ChannelSize:   getInt("CHANNEL_SIZE", 1024),
		BatchSize:     getInt("BATCH_SIZE", 500),
		FlushInterval: getDur("FLUSH_INTERVAL", 2*time.Second),
		CheckpointDir: get("CHECKPOINT_DIR", "./data/checkpoints"),

		PipelineMode:      get("PIPELINE_MODE", "episode"),
		MinSeverity:       get("MIN_SEVERITY", "WARNING"),
		AllowedCategories: getList("CATEGORY_ALLOWLIST"),
		AppRoots:          getList("APP_ROOTS"),

		BundleWindow:       getDur("BUNDLE_WINDOW", 60*time.Second),
		BundleMaxLogs:      getInt("BUNDLE_MAX_LOGS", 100),
		BundleBorrowWindow: getDur("BUNDLE_BORROW_WINDOW", 30*time.Second),

		AWSRegion:       get("AWS_REGION", ""),
		S3Endpoint:      get("S3_ENDPOINT", ""),
		RawBucket:       get("RAW_BUCKET", ""),
		RawPrefix:       get("RAW_PREFIX", "raw"),
		DLQPrefix:       get("DLQ_PREFIX", "raw_dlq"),
		ArchiveTimezone: get("ARCHIVE_TIMEZONE", "UTC"),

		S3Timeout:    getDur("S3_TIMEOUT", 5*time.Second),
		S3AppRetries: getInt("S3_APP_RETRIES", 3),

		DLQDir:          get("DLQ_DIR", "./data/dlq"),
		DLQMaxAge:       getDur("DLQ_MAX_AGE", 24*time.Hour),
		DLQMaxSizeBytes: getInt64("DLQ_MAX_SIZE_BYTES", 1<<30),

		DatabaseURL: get("DATABASE_URL", ""),
		VectorDim:   getInt("VECTOR_DIM", 384),
		DBTimeout:   getDur("DB_TIMEOUT", 5*time.Second),
		DBRetries:   getInt("DB_RETRIES", 3),

		EmbedProvider:  strings.ToLower(get("EMBED_PROVIDER", "local")),
		EmbedURL:       get("EMBED_URL", ""),
		EmbedAPIKey:    get("EMBED_API_KEY", ""),
		EmbedModel:     get("EMBED_MODEL", "text-embedding-3-small"),
		EmbedCacheSize: getInt("EMBED_CACHE_SIZE", 4096),

		RedisAddr:     get("REDIS_ADDR", ""),
		RedisPassword: get("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		EmbedCacheTTL: getDur("EMBED_CACHE_TTL", 24*time.Hour),
	}
}

// must
//
// 필수 환경변수가 없으면 즉시 로그 출력 후 종료(fail-fast).
func must(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fatalf("missing required env: %s", key)
	}
	return v
}

// get / getInt / getInt64 / getDur / getBool / getList
//
// 선택 값. 비어 있으면 기본값, 형식이 잘못되면 fail-fast.
func get(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fatalf("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func getInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		fatalf("invalid int64 env %s=%q: %v", key, v, err)
	}
	return n
}

func getDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fatalf("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		fatalf("invalid bool env %s=%q: %v", key, v, err)
	}
	return b
}

// getList 는 콤마 구분 목록. 빈 항목은 버린다.
func getList(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// fallbackInstanceID
//
//   - 기본: hostname (컨테이너에서는 task/pod 단위로 고유)
//   - fallback: 랜덤 uuid 앞 12자리
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
