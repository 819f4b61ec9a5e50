// Package backfill 은 archive 에 쌓인 원본을 다시 읽어 batch 모드로 재처리한다.
//
// streaming 경로와 달리 전체 데이터셋을 한 번에 보기 때문에
// trace id 추론과 cross-trace 병합이 더 잘 된다.
package backfill

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"triage-ingest/internal/archive"
	"triage-ingest/internal/embed"
	"triage-ingest/internal/model"
	"triage-ingest/internal/pipeline"
	"triage-ingest/internal/store"
)

// ObjectReader 는 archive 읽기 (archive.S3Store).
type ObjectReader interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

type Forwarder interface {
	Forward(ctx context.Context, ref string, incs []model.Incident) (pipeline.Forwarded, error)
}

// Source 는 읽어온 입력 묶음. Keys 는 batch ref 계산에 쓰인다.
type Source struct {
	Keys     []string
	Payloads [][]byte
	Skipped  int // 깨진 객체 수
}

// Ref 는 같은 입력 집합을 다시 돌려도 같은 값이 되는 batch ref.
// 저장소가 이미 본 ref 는 log_count 를 다시 더하지 않는다.
func (s Source) Ref() string {
	return "backfill/" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.Join(s.Keys, "\n"))).String()
}

// LoadArchive 는 prefix 아래 gzip JSONL 객체를 시간순으로 읽는다.
// limit > 0 이면 앞에서부터 그 개수만 읽는다. 깨진 객체는 건너뛴다.
func LoadArchive(ctx context.Context, r ObjectReader, prefix string, limit int) (Source, error) {
	keys, err := r.List(ctx, prefix)
	if err != nil {
		return Source{}, err
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	var src Source
	for _, key := range keys {
		if !strings.HasSuffix(key, ".jsonl.gz") {
			continue
		}
		data, err := r.Get(ctx, key)
		if err != nil {
			return src, err
		}
		lines, err := archive.Decode(data)
		if err != nil {
			src.Skipped++
			log.Warn().Err(err).Str("key", key).Msg("[WARN] skipping unreadable archive object")
			continue
		}
		src.Keys = append(src.Keys, key)
		src.Payloads = append(src.Payloads, archive.Payloads(lines)...)
	}
	return src, nil
}

// LoadFiles 는 로컬 파일을 읽는다.
// .jsonl.gz 는 archive 형식으로 풀고, 그 외는 파일 전체를 payload 하나로 본다 (JSON Lines).
func LoadFiles(paths []string) (Source, error) {
	var src Source
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return src, fmt.Errorf("read %s: %w", p, err)
		}
		src.Keys = append(src.Keys, p)

		if strings.HasSuffix(p, ".gz") {
			lines, err := archive.Decode(data)
			if err != nil {
				return src, fmt.Errorf("decode %s: %w", p, err)
			}
			src.Payloads = append(src.Payloads, archive.Payloads(lines)...)
			continue
		}
		src.Payloads = append(src.Payloads, data)
	}
	return src, nil
}

// Summary 는 process 한 번의 결과.
type Summary struct {
	Ref            string `json:"ref"`
	Objects        int    `json:"objects"`
	Skipped        int    `json:"skipped"`
	Payloads       int    `json:"payloads"`
	Records        int    `json:"records"`
	Episodes       int    `json:"episodes"`
	DroppedByLevel int    `json:"dropped_by_level"`
	Incidents      int    `json:"incidents"`
	Upserted       int    `json:"upserted"`
}

// Process
//
// src 전체를 하나의 Input 으로 batch 실행한다.
// fwd 가 nil 이면 dry-run: 인시던트를 JSON Lines 로 out 에 쓴다.
func Process(ctx context.Context, proc *pipeline.Processor, mode pipeline.Mode, src Source, fwd Forwarder, out io.Writer) (Summary, error) {
	ref := src.Ref()
	res := proc.Run(pipeline.Input{Ref: ref, Payloads: src.Payloads}, mode)

	sum := Summary{
		Ref:            ref,
		Objects:        len(src.Keys),
		Skipped:        src.Skipped,
		Payloads:       len(src.Payloads),
		Records:        len(res.Records),
		Episodes:       res.Episodes,
		DroppedByLevel: res.DroppedByLevel,
		Incidents:      len(res.Incidents),
	}

	if fwd == nil {
		enc := json.NewEncoder(out)
		for _, inc := range res.Incidents {
			if err := enc.Encode(incidentView(inc)); err != nil {
				return sum, err
			}
		}
		return sum, nil
	}

	fr, err := fwd.Forward(ctx, ref, res.Incidents)
	sum.Upserted = fr.Upserted
	if err != nil {
		return sum, err
	}
	return sum, nil
}

// dry-run 출력용.
type incidentJSON struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Service     string         `json:"service,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
	Severity    model.Severity `json:"severity"`
	Origin      model.Origin   `json:"origin"`
	LogCount    int            `json:"log_count"`
	Propagation []string       `json:"propagation,omitempty"`
	Content     string         `json:"content"`
}

func incidentView(inc model.Incident) incidentJSON {
	return incidentJSON{
		ID:          inc.ID,
		Source:      inc.Source,
		Service:     inc.Service,
		TraceID:     inc.TraceID,
		Severity:    inc.Severity,
		Origin:      inc.Origin,
		LogCount:    inc.LogCount,
		Propagation: inc.Propagation,
		Content:     inc.Content,
	}
}

// EmbeddingStore 는 reembed 대상 저장소 (store.Store).
type EmbeddingStore interface {
	MissingEmbeddings(ctx context.Context, limit int) ([]store.Pending, error)
	SetEmbedding(ctx context.Context, id string, vec []float32) error
}

// Reembed 는 embedding 이 NULL 인 행을 limit 개까지 채운다.
// 임베딩 호출은 batch 단위, 저장은 행 단위로 한다. 채운 개수를 돌려준다.
func Reembed(ctx context.Context, st EmbeddingStore, emb embed.Provider, limit, batch int) (int, error) {
	if emb == nil {
		return 0, fmt.Errorf("reembed requires an embedding provider")
	}
	if batch <= 0 {
		batch = 32
	}

	pending, err := st.MissingEmbeddings(ctx, limit)
	if err != nil {
		return 0, err
	}

	done := 0
	for start := 0; start < len(pending); start += batch {
		end := min(start+batch, len(pending))
		chunk := pending[start:end]

		texts := make([]string, len(chunk))
		for i, p := range chunk {
			texts[i] = p.Content
		}
		vecs, err := emb.Embed(ctx, texts)
		if err != nil {
			return done, fmt.Errorf("embed rows %d-%d: %w", start, end, err)
		}
		for i, p := range chunk {
			if err := st.SetEmbedding(ctx, p.ID, vecs[i]); err != nil {
				return done, err
			}
			done++
		}
		log.Debug().Int("done", done).Int("total", len(pending)).Msg("[DEBUG] reembed progress")
	}
	return done, nil
}
