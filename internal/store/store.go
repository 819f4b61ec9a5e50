// Package store 는 Postgres(pgvector) 인시던트 저장소.
//
// 모든 쓰기는 id 기준 upsert 이고, 같은 입력을 다시 써도 결과가 같다.
// 병합 규칙은 SQL 한 문장 안에서 처리한다 (read-then-write 없음).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"triage-ingest/internal/model"
	"triage-ingest/internal/retry"
)

const (
	displayRefs  = 5
	keptBatchRef = 64
)

type incidentRow struct {
	bun.BaseModel `bun:"table:incidents,alias:inc"`

	ID           string    `bun:"id,pk"`
	Fingerprint  string    `bun:"fingerprint"`
	Source       string    `bun:"source"`
	Service      string    `bun:"service"`
	TraceID      string    `bun:"trace_id"`
	Operation    string    `bun:"operation"`
	Severity     string    `bun:"severity"`
	SeverityRank int       `bun:"severity_rank"`
	Origin       string    `bun:"origin"`
	OriginRank   int       `bun:"origin_rank"`
	Content      string    `bun:"content"`
	Propagation  []string  `bun:"propagation,type:jsonb"`
	Refs         []string  `bun:"refs,array"`
	BatchRefs    []string  `bun:"batch_refs,array"`
	LogCount     int64     `bun:"log_count"`
	FirstTS      time.Time `bun:"first_ts,nullzero"`
	LastTS       time.Time `bun:"last_ts,nullzero"`
	Embedding    Vector    `bun:"embedding"`
	CreatedAt    time.Time `bun:"created_at"`
	UpdatedAt    time.Time `bun:"updated_at"`
}

// ON CONFLICT 갱신 규칙
//   - severity 는 rank 가 높은 쪽
//   - content/origin/fingerprint 는 origin rank 가 더 높을 때만 교체
//   - embedding 은 content 가 바뀌었거나 비어있을 때만 채움
//   - log_count 는 이 batch 가 아직 반영되지 않은 경우에만 합산 (재시도 멱등)
var upsertSet = []string{
	"severity = CASE WHEN EXCLUDED.severity_rank > inc.severity_rank THEN EXCLUDED.severity ELSE inc.severity END",
	"severity_rank = GREATEST(inc.severity_rank, EXCLUDED.severity_rank)",
	"content = CASE WHEN EXCLUDED.origin_rank > inc.origin_rank THEN EXCLUDED.content ELSE inc.content END",
	"fingerprint = CASE WHEN EXCLUDED.origin_rank > inc.origin_rank THEN EXCLUDED.fingerprint ELSE inc.fingerprint END",
	"origin = CASE WHEN EXCLUDED.origin_rank > inc.origin_rank THEN EXCLUDED.origin ELSE inc.origin END",
	"embedding = CASE WHEN EXCLUDED.origin_rank > inc.origin_rank OR inc.embedding IS NULL THEN COALESCE(EXCLUDED.embedding, inc.embedding) ELSE inc.embedding END",
	"origin_rank = GREATEST(inc.origin_rank, EXCLUDED.origin_rank)",
	"log_count = CASE WHEN EXCLUDED.batch_refs[1] = ANY(inc.batch_refs) THEN inc.log_count ELSE inc.log_count + EXCLUDED.log_count END",
	fmt.Sprintf("batch_refs = CASE WHEN EXCLUDED.batch_refs[1] = ANY(inc.batch_refs) THEN inc.batch_refs "+
		"ELSE (inc.batch_refs || EXCLUDED.batch_refs)[GREATEST(cardinality(inc.batch_refs || EXCLUDED.batch_refs) - %d, 1):] END", keptBatchRef-1),
	fmt.Sprintf("refs = ARRAY(SELECT DISTINCT r FROM unnest(inc.refs || EXCLUDED.refs) AS r ORDER BY r LIMIT %d)", displayRefs),
	"first_ts = LEAST(inc.first_ts, EXCLUDED.first_ts)",
	"last_ts = GREATEST(inc.last_ts, EXCLUDED.last_ts)",
	"service = COALESCE(NULLIF(inc.service, ''), EXCLUDED.service)",
	"trace_id = COALESCE(NULLIF(inc.trace_id, ''), EXCLUDED.trace_id)",
	"operation = COALESCE(NULLIF(inc.operation, ''), EXCLUDED.operation)",
	"propagation = COALESCE(inc.propagation, EXCLUDED.propagation)",
	"updated_at = EXCLUDED.updated_at",
}

type Store struct {
	db     *bun.DB
	dim    int
	policy retry.Policy
	now    func() time.Time

	fitted atomic.Int64
}

// Open 은 DSN 으로 pgdriver 커넥션 풀을 만든다. 연결 확인은 하지 않는다.
func Open(dsn string, dim int, policy retry.Policy) *Store {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return New(bun.NewDB(sqldb, pgdialect.New()), dim, policy)
}

func New(db *bun.DB, dim int, policy retry.Policy) *Store {
	return &Store{db: db, dim: dim, policy: policy, now: time.Now}
}

func (s *Store) DB() *bun.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Fitted 는 차원 보정이 일어난 벡터 수.
func (s *Store) Fitted() int64 { return s.fitted.Load() }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema 는 pgvector 확장과 incidents 테이블을 만든다.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS incidents (
	id            text PRIMARY KEY,
	fingerprint   text NOT NULL,
	source        text NOT NULL,
	service       text,
	trace_id      text,
	operation     text,
	severity      text NOT NULL,
	severity_rank smallint NOT NULL,
	origin        text NOT NULL,
	origin_rank   smallint NOT NULL,
	content       text NOT NULL,
	propagation   jsonb,
	refs          text[] NOT NULL DEFAULT '{}',
	batch_refs    text[] NOT NULL DEFAULT '{}',
	log_count     bigint NOT NULL DEFAULT 0,
	first_ts      timestamptz,
	last_ts       timestamptz,
	embedding     vector(%d),
	created_at    timestamptz NOT NULL DEFAULT now(),
	updated_at    timestamptz NOT NULL DEFAULT now()
)`, s.dim),
		"CREATE INDEX IF NOT EXISTS incidents_last_ts_idx ON incidents (last_ts DESC)",
		"CREATE INDEX IF NOT EXISTS incidents_source_idx ON incidents (source)",
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) fit(vec []float32) Vector {
	if vec == nil {
		return nil
	}
	out, changed := FitDimension(vec, s.dim)
	if changed {
		s.fitted.Add(1)
		log.Warn().Int("got", len(vec)).Int("want", s.dim).Msg("[WARN] embedding dimension mismatch, fitted")
	}
	return Vector(out)
}

func (s *Store) toRow(inc model.Incident, vec []float32, batchRef string, now time.Time) incidentRow {
	row := incidentRow{
		ID:           inc.ID,
		Fingerprint:  inc.Fingerprint,
		Source:       inc.Source,
		Service:      inc.Service,
		TraceID:      inc.TraceID,
		Operation:    inc.Operation,
		Severity:     inc.Severity.String(),
		SeverityRank: inc.Severity.Rank(),
		Origin:       string(inc.Origin),
		OriginRank:   inc.Origin.Rank(),
		Content:      inc.Content,
		Propagation:  inc.Propagation,
		Refs:         inc.Refs,
		BatchRefs:    []string{},
		LogCount:     int64(inc.LogCount),
		FirstTS:      inc.FirstTS,
		LastTS:       inc.LastTS,
		Embedding:    s.fit(vec),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if row.Source == "" {
		row.Source = "unknown"
	}
	if row.Origin == "" {
		row.Origin = string(model.OriginDocument)
	}
	if row.Refs == nil {
		row.Refs = []string{}
	}
	if batchRef != "" {
		row.BatchRefs = []string{batchRef}
	}
	if row.LogCount <= 0 {
		row.LogCount = 1
	}
	return row
}

// UpsertIncidents 는 한 트랜잭션 안에서 인시던트마다 upsert 한 문장을 실행한다.
// vecs 는 nil 이거나 incs 와 같은 길이. 실패 시 배치 전체를 재시도한다.
func (s *Store) UpsertIncidents(ctx context.Context, incs []model.Incident, vecs [][]float32, batchRef string) (int, error) {
	if len(incs) == 0 {
		return 0, nil
	}
	if vecs != nil && len(vecs) != len(incs) {
		return 0, fmt.Errorf("upsert: %d vectors for %d incidents", len(vecs), len(incs))
	}

	now := s.now().UTC()
	rows := make([]incidentRow, len(incs))
	for i, inc := range incs {
		var vec []float32
		if vecs != nil {
			vec = vecs[i]
		}
		rows[i] = s.toRow(inc, vec, batchRef, now)
	}

	var written int
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		written = 0
		return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			for i := range rows {
				res, err := upsertQuery(tx.NewInsert().Model(&rows[i])).Exec(ctx)
				if err != nil {
					return fmt.Errorf("upsert %s: %w", rows[i].ID, err)
				}
				if n, err := res.RowsAffected(); err == nil {
					written += int(n)
				}
			}
			return nil
		})
	}, func(err error, attempt int) {
		log.Warn().Err(err).Int("attempt", attempt).Str("batch", batchRef).Msg("[WARN] incident upsert failed")
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func upsertQuery(q *bun.InsertQuery) *bun.InsertQuery {
	q = q.On("CONFLICT (id) DO UPDATE").Returning("NULL")
	for _, set := range upsertSet {
		q = q.Set(set)
	}
	return q
}

// Match 는 검색 결과 한 건.
type Match struct {
	ID       string    `bun:"id" json:"id"`
	Source   string    `bun:"source" json:"source"`
	Service  string    `bun:"service" json:"service,omitempty"`
	Severity string    `bun:"severity" json:"severity"`
	Content  string    `bun:"content" json:"content"`
	LogCount int64     `bun:"log_count" json:"log_count"`
	LastTS   time.Time `bun:"last_ts" json:"last_ts"`
	Score    float64   `bun:"score" json:"score"`
}

// Search 는 cosine 유사도 순 상위 topK.
func (s *Store) Search(ctx context.Context, vec []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 10
	}
	v := s.fit(vec)
	var out []Match
	err := s.db.NewSelect().
		TableExpr("incidents AS inc").
		ColumnExpr("inc.id, inc.source, COALESCE(inc.service, '') AS service, inc.severity, inc.content, inc.log_count, inc.last_ts").
		ColumnExpr("1 - (inc.embedding <=> ?::vector) AS score", v).
		Where("inc.embedding IS NOT NULL").
		OrderExpr("inc.embedding <=> ?::vector", v).
		Limit(topK).
		Scan(ctx, &out)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return out, nil
}

// Pending 은 embedding 이 비어있는 행.
type Pending struct {
	ID      string `bun:"id"`
	Content string `bun:"content"`
}

func (s *Store) MissingEmbeddings(ctx context.Context, limit int) ([]Pending, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Pending
	err := s.db.NewSelect().
		TableExpr("incidents AS inc").
		ColumnExpr("inc.id, inc.content").
		Where("inc.embedding IS NULL").
		OrderExpr("inc.last_ts DESC NULLS LAST").
		Limit(limit).
		Scan(ctx, &out)
	if err != nil {
		return nil, fmt.Errorf("missing embeddings: %w", err)
	}
	return out, nil
}

func (s *Store) SetEmbedding(ctx context.Context, id string, vec []float32) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		_, err := s.db.NewUpdate().
			TableExpr("incidents").
			Set("embedding = ?", s.fit(vec)).
			Set("updated_at = ?", s.now().UTC()).
			Where("id = ?", id).
			Exec(ctx)
		return err
	}, nil)
}
