package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"triage-ingest/internal/model"
	"triage-ingest/internal/retry"
)

var fixedNow = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T, dim int) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqldb, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqldb.Close() })

	s := New(bun.NewDB(sqldb, pgdialect.New()), dim, retry.Policy{Attempts: 1})
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func TestVectorText(t *testing.T) {
	v := Vector{1, -0.5, 0.25}
	assert.Equal(t, "[1,-0.5,0.25]", v.String())

	val, err := v.Value()
	require.NoError(t, err)
	assert.Equal(t, "[1,-0.5,0.25]", val)

	nilVal, err := Vector(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, nilVal)

	var got Vector
	require.NoError(t, got.Scan([]byte("[1, -0.5,0.25]")))
	assert.Equal(t, v, got)
	require.NoError(t, got.Scan(nil))
	assert.Nil(t, got)
	assert.Error(t, got.Scan("1,2"))
	assert.Error(t, got.Scan(42))
}

func TestFitDimension(t *testing.T) {
	out, changed := FitDimension([]float32{1, 2}, 4)
	assert.True(t, changed)
	assert.Equal(t, []float32{1, 2, 0, 0}, out)

	out, changed = FitDimension([]float32{1, 2, 3, 4, 5}, 4)
	assert.True(t, changed)
	assert.Equal(t, []float32{1, 2, 3, 4}, out)

	in := []float32{1, 2, 3, 4}
	out, changed = FitDimension(in, 4)
	assert.False(t, changed)
	assert.Equal(t, in, out)
}

func TestEnsureSchema(t *testing.T) {
	s, mock := newMockStore(t, 384)
	mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS vector").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`(?s)CREATE TABLE IF NOT EXISTS incidents .*embedding\s+vector\(384\)`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("incidents_last_ts_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("incidents_source_idx").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func upsertPattern(id string) string {
	return `INSERT INTO "incidents" .*` + regexp.QuoteMeta("'"+id+"'") +
		`.*ON CONFLICT \(id\) DO UPDATE SET .*` +
		regexp.QuoteMeta("GREATEST(inc.severity_rank, EXCLUDED.severity_rank)") + `.*` +
		regexp.QuoteMeta("EXCLUDED.batch_refs[1] = ANY(inc.batch_refs)")
}

func TestUpsertIncidents(t *testing.T) {
	s, mock := newMockStore(t, 4)
	incs := []model.Incident{
		{ID: "a1", Source: "api", Severity: model.SeverityError, Origin: model.OriginTraceback, Content: "Errors: ValueError", LogCount: 2},
		{ID: "b2", Source: "api", Severity: model.SeverityCritical, Origin: model.OriginHTTP, Content: "HTTP 503 GET /x"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(upsertPattern("a1")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsertPattern("b2")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.UpsertIncidents(context.Background(), incs, [][]float32{{1, 0, 0, 0}, {0, 1}}, "raw/p=0/1.jsonl.gz")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 1, s.Fitted())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertQueryMergeRules(t *testing.T) {
	s, _ := newMockStore(t, 4)
	row := s.toRow(model.Incident{ID: "a1", Source: "api", Severity: model.SeverityError, Origin: model.OriginTraceback}, nil, "p=0/abc", fixedNow)
	sql := upsertQuery(s.db.NewInsert().Model(&row)).String()

	assert.Contains(t, sql, "ON CONFLICT (id) DO UPDATE SET")
	// severity 는 내려가지 않는다
	assert.Contains(t, sql, "severity = CASE WHEN EXCLUDED.severity_rank > inc.severity_rank THEN EXCLUDED.severity ELSE inc.severity END")
	assert.Contains(t, sql, "severity_rank = GREATEST(inc.severity_rank, EXCLUDED.severity_rank)")
	// content 는 origin 이 더 높을 때만 교체
	assert.Contains(t, sql, "content = CASE WHEN EXCLUDED.origin_rank > inc.origin_rank THEN EXCLUDED.content ELSE inc.content END")
	assert.Contains(t, sql, "origin_rank = GREATEST(inc.origin_rank, EXCLUDED.origin_rank)")
	// 같은 batch ref 재전송은 log_count 를 더하지 않는다
	assert.Contains(t, sql, "log_count = CASE WHEN EXCLUDED.batch_refs[1] = ANY(inc.batch_refs) THEN inc.log_count ELSE inc.log_count + EXCLUDED.log_count END")
	assert.Contains(t, sql, "first_ts = LEAST(inc.first_ts, EXCLUDED.first_ts)")
	assert.Contains(t, sql, "last_ts = GREATEST(inc.last_ts, EXCLUDED.last_ts)")
	assert.Contains(t, sql, "p=0/abc")
}

func TestUpsertRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t, 4)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "incidents"`).WillReturnError(errors.New("conn reset"))
	mock.ExpectRollback()

	_, err := s.UpsertIncidents(context.Background(), []model.Incident{{ID: "a1", Content: "x"}}, nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conn reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRejectsVectorCountMismatch(t *testing.T) {
	s, _ := newMockStore(t, 4)
	_, err := s.UpsertIncidents(context.Background(), []model.Incident{{ID: "a"}, {ID: "b"}}, [][]float32{{1}}, "")
	assert.Error(t, err)
}

func TestToRowDefaults(t *testing.T) {
	s, _ := newMockStore(t, 4)
	row := s.toRow(model.Incident{ID: "x", Severity: model.SeverityWarning}, nil, "", fixedNow)
	assert.Equal(t, "unknown", row.Source)
	assert.Equal(t, "document", row.Origin)
	assert.Equal(t, "WARNING", row.Severity)
	assert.Equal(t, 2, row.SeverityRank)
	assert.EqualValues(t, 1, row.LogCount)
	assert.Empty(t, row.BatchRefs)
	assert.Nil(t, row.Embedding)

	row = s.toRow(model.Incident{ID: "x", Origin: model.OriginTraceback}, []float32{1, 2, 3, 4}, "batch-1", fixedNow)
	assert.Equal(t, []string{"batch-1"}, row.BatchRefs)
	assert.Equal(t, 3, row.OriginRank)
	assert.Equal(t, Vector{1, 2, 3, 4}, row.Embedding)
}

func TestSearch(t *testing.T) {
	s, mock := newMockStore(t, 4)
	rows := sqlmock.NewRows([]string{"id", "source", "service", "severity", "content", "log_count", "last_ts", "score"}).
		AddRow("a1", "api", "checkout", "ERROR", "Errors: ValueError", int64(3), fixedNow, 0.91)
	mock.ExpectQuery(regexp.QuoteMeta(`1 - (inc.embedding <=> '[0.5,0.5,0,0]'::vector) AS score`)).WillReturnRows(rows)

	got, err := s.Search(context.Background(), []float32{0.5, 0.5}, 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "checkout", got[0].Service)
	assert.InDelta(t, 0.91, got[0].Score, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMissingAndSetEmbedding(t *testing.T) {
	s, mock := newMockStore(t, 2)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE (inc.embedding IS NULL)")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "content"}).AddRow("a1", "boom"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE incidents SET embedding = '[1,0]'`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	pend, err := s.MissingEmbeddings(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pend, 1)
	assert.Equal(t, "a1", pend[0].ID)

	require.NoError(t, s.SetEmbedding(context.Background(), "a1", []float32{1, 0}))
	require.NoError(t, mock.ExpectationsWereMet())
}
