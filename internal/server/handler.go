package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"triage-ingest/internal/embed"
	"triage-ingest/internal/fingerprint"
	"triage-ingest/internal/metrics"
	"triage-ingest/internal/model"
	"triage-ingest/internal/pipeline"
	"triage-ingest/internal/pool"
	"triage-ingest/internal/severity"
	"triage-ingest/internal/store"
	"triage-ingest/internal/stream"
	"triage-ingest/internal/worker"
)

const (
	defaultTopK = 5
	maxTopK     = 100
)

// Submitter 는 수집 이벤트를 받는 쪽 (worker.Manager).
type Submitter interface {
	Submit(ev *model.Event) error
}

// Forwarder 는 /v1/ingest 문서를 저장한다 (pipeline.Forwarder).
type Forwarder interface {
	Forward(ctx context.Context, ref string, incs []model.Incident) (pipeline.Forwarded, error)
}

// Searcher 는 벡터 검색 (store.Store).
type Searcher interface {
	Search(ctx context.Context, vec []float32, topK int) ([]store.Match, error)
}

// Checkpoints 는 파티션별 checkpoint 조회 (stream.FileCheckpointer).
type Checkpoints interface {
	Snapshot() []stream.Position
}

// Deps 는 Handler 가 쓰는 구성요소. Submitter 와 Sequencer 외에는 nil 가능하고,
// nil 인 기능의 엔드포인트는 503 을 돌려준다.
type Deps struct {
	MaxBodySize int64
	Metrics     *metrics.Metrics
	Worker      Submitter
	Sequencer   *stream.Sequencer
	Forwarder   Forwarder
	Embedder    embed.Provider
	Searcher    Searcher
	Checkpoints Checkpoints
	Refresh     func() // /metrics 렌더 직전에 호출 (캐시 카운터 동기화 등)
	Now         func() time.Time
}

type Handler struct {
	d Deps
}

func NewHandler(d Deps) *Handler {
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.MaxBodySize <= 0 {
		d.MaxBodySize = 1 << 20
	}
	if d.Sequencer == nil {
		d.Sequencer = stream.NewSequencer(nil)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Handler{d: d}
}

// Routes 는 전체 엔드포인트를 묶은 mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/collect", h.HandleCollect)
	mux.HandleFunc("/v1/ingest", h.HandleIngest)
	mux.HandleFunc("/v1/search", h.HandleSearch)
	mux.HandleFunc("/v1/checkpoints", h.HandleCheckpoints)
	mux.HandleFunc("/metrics", h.HandleMetrics)
	mux.HandleFunc("/health", h.HandleHealth)
	return mux
}

// HandleCollect
//
// 입력 스트림의 push 엔드포인트. body 하나 = payload 하나
// (단일 JSON, JSON Lines, 평문 모두 허용).
//
//	X-Partition-Id : 파티션 (없으면 "0")
//	X-Sequence     : producer 가 매긴 번호 (없으면 서버가 파티션별로 매김)
//
// 큐가 가득 차면 503 + Retry-After. producer 는 재전송한다 (at-least-once).
// 응답 헤더 X-Sequence 로 배정된 번호를 돌려준다.
func (h *Handler) HandleCollect(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	atomic.AddInt64(&h.d.Metrics.HTTPRequestsTotal, 1)

	var explicit int64
	if v := strings.TrimSpace(r.Header.Get("X-Sequence")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "invalid X-Sequence", http.StatusBadRequest)
			return
		}
		explicit = n
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	partition := stream.NormalizePartition(r.Header.Get("X-Partition-Id"))
	ev := &model.Event{
		Partition:  partition,
		Seq:        h.d.Sequencer.Next(partition, explicit),
		ReceivedAt: h.d.Now().UTC(),
		Producer:   producerIP(r),
		Body:       body,
	}

	switch err := h.d.Worker.Submit(ev); {
	case err == nil:
		w.Header().Set("X-Sequence", strconv.FormatInt(ev.Seq, 10))
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrStopped):
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		log.Error().Err(err).Str("partition", partition).Msg("[ERROR] submit failed")
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// readBody 는 MaxBodySize 까지만 읽는다. pool 버퍼를 쓰고, 결과는 복사해서 돌려준다.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.d.MaxBodySize)
	defer r.Body.Close()

	buf := pool.GetBody()
	defer pool.PutBody(buf, h.d.MaxBodySize*2)

	if _, err := io.Copy(buf, r.Body); err != nil {
		atomic.AddInt64(&h.d.Metrics.EventsRejectedBodyTooLargeTotal, 1)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return bytes.Clone(buf.Bytes()), true
}

// ---------------------------------------------------------------------------
// /v1/ingest
// ---------------------------------------------------------------------------

type ingestDoc struct {
	ID       string     `json:"id"`
	Source   string     `json:"source"`
	TS       *time.Time `json:"ts"`
	Content  string     `json:"content"`
	Severity string     `json:"severity,omitempty"`
}

type ingestRequest struct {
	Documents []ingestDoc `json:"documents"`
}

// HandleIngest 는 이미 정리된 문서를 그대로 인시던트로 저장한다 (추출 없음).
// id 가 있으면 그대로 primary key 로 쓰고, 없으면 본문 signature 로 만든다.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	atomic.AddInt64(&h.d.Metrics.HTTPRequestsTotal, 1)
	if h.d.Forwarder == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "no documents provided")
		return
	}

	incs := make([]model.Incident, 0, len(req.Documents))
	for i, d := range req.Documents {
		if strings.TrimSpace(d.Content) == "" {
			writeError(w, http.StatusBadRequest, "document "+strconv.Itoa(i)+": empty content")
			return
		}
		incs = append(incs, documentIncident(d))
	}

	res, err := h.d.Forwarder.Forward(r.Context(), ingestRef(req.Documents), incs)
	if err != nil {
		log.Error().Err(err).Int("documents", len(incs)).Msg("[ERROR] ingest upsert failed")
		writeError(w, http.StatusBadGateway, "upsert failed")
		return
	}
	atomic.AddInt64(&h.d.Metrics.IncidentsForwardedTotal, int64(res.Upserted))
	writeJSON(w, http.StatusOK, map[string]int{"upserted": res.Upserted})
}

func documentIncident(d ingestDoc) model.Incident {
	sev, ok := severity.FromString(d.Severity)
	if !ok {
		sev = severity.Infer(d.Content)
	}
	src := strings.TrimSpace(d.Source)
	if src == "" {
		src = "unknown"
	}

	inc := model.Incident{
		Source:   src,
		Severity: sev,
		Origin:   model.OriginDocument,
		Content:  model.Truncate(d.Content, model.MaxContentLen),
		Headline: firstLine(d.Content),
		LogCount: 1,
	}
	if d.TS != nil {
		inc.FirstTS = d.TS.UTC()
		inc.LastTS = inc.FirstTS
	}
	fingerprint.Stamp(&inc)
	if d.ID != "" {
		inc.ID = d.ID
		inc.Refs = []string{d.ID}
	}
	return inc
}

// ingestRef 는 같은 요청 재전송이 같은 batch ref 가 되도록 문서 id/본문에서 만든다.
func ingestRef(docs []ingestDoc) string {
	var sb strings.Builder
	for _, d := range docs {
		sb.WriteString(d.ID)
		sb.WriteByte(0)
		sb.WriteString(d.Content)
		sb.WriteByte(0)
	}
	return "ingest/" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(sb.String())).String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return model.Clip(s, 200)
}

// ---------------------------------------------------------------------------
// /v1/search
// ---------------------------------------------------------------------------

type searchRequest struct {
	Embedding []float32 `json:"embedding"`
	Query     string    `json:"query"`
	TopK      int       `json:"top_k"`
}

// HandleSearch 는 embedding 을 직접 받거나, query 텍스트를 임베딩해서 검색한다.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.d.Searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req searchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	vec := req.Embedding
	if len(vec) == 0 {
		q := strings.TrimSpace(req.Query)
		if q == "" {
			writeError(w, http.StatusBadRequest, "embedding or query is required")
			return
		}
		if h.d.Embedder == nil {
			writeError(w, http.StatusBadRequest, "query search needs an embedding provider")
			return
		}
		vecs, err := h.d.Embedder.Embed(r.Context(), []string{q})
		if err != nil || len(vecs) != 1 {
			atomic.AddInt64(&h.d.Metrics.EmbedErrorsTotal, 1)
			log.Warn().Err(err).Msg("[WARN] query embedding failed")
			writeError(w, http.StatusBadGateway, "embedding failed")
			return
		}
		vec = vecs[0]
	}

	matches, err := h.d.Searcher.Search(r.Context(), vec, topK)
	if err != nil {
		log.Error().Err(err).Msg("[ERROR] search failed")
		writeError(w, http.StatusBadGateway, "search failed")
		return
	}
	if matches == nil {
		matches = []store.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

// ---------------------------------------------------------------------------
// 운영 엔드포인트
// ---------------------------------------------------------------------------

func (h *Handler) HandleCheckpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var cps []stream.Position
	if h.d.Checkpoints != nil {
		cps = h.d.Checkpoints.Snapshot()
	}
	if cps == nil {
		cps = []stream.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": cps})
}

// HandleMetrics 는 name=value 형식 카운터를 출력한다.
func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	if h.d.Refresh != nil {
		h.d.Refresh()
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.d.Metrics.String())
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
