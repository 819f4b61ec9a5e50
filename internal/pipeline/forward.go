package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"triage-ingest/internal/embed"
	"triage-ingest/internal/fingerprint"
	"triage-ingest/internal/model"
)

// Writer 는 인시던트 저장소 경계. vecs 는 incs 와 같은 길이이거나 nil.
type Writer interface {
	UpsertIncidents(ctx context.Context, incs []model.Incident, vecs [][]float32, batchRef string) (int, error)
}

// Forwarded 는 Forward 한 번의 결과.
type Forwarded struct {
	Upserted int
	EmbedErr error // 임베딩 실패 시 벡터 없이 저장하고 여기에 남긴다
}

// Forwarder 는 인시던트를 임베딩하고 저장소로 upsert 한다.
type Forwarder struct {
	emb embed.Provider
	w   Writer
}

// NewForwarder: emb 가 nil 이면 임베딩 없이 저장한다.
func NewForwarder(emb embed.Provider, w Writer) *Forwarder {
	return &Forwarder{emb: emb, w: w}
}

// Forward
//
// 같은 id 가 한 호출에 두 번 나가면 저장소는 같은 batch ref 의 두 번째 upsert 를
// 재시도로 보고 log_count 를 더하지 않는다. 그래서 먼저 Consolidate 로 합친다.
// 임베딩 실패는 배치를 막지 않는다 (NULL embedding 으로 저장, reembed 가 나중에 채움).
// upsert 실패는 호출측으로 올려 재시도하게 한다.
func (f *Forwarder) Forward(ctx context.Context, ref string, incs []model.Incident) (Forwarded, error) {
	var res Forwarded
	if len(incs) == 0 {
		return res, nil
	}
	incs = fingerprint.Consolidate(incs)

	var vecs [][]float32
	if f.emb != nil {
		texts := make([]string, len(incs))
		for i, inc := range incs {
			texts[i] = inc.Content
		}
		v, err := f.emb.Embed(ctx, texts)
		if err != nil {
			res.EmbedErr = err
			log.Warn().Err(err).Str("batch", ref).Int("incidents", len(incs)).Msg("[WARN] embedding failed, storing without vectors")
		} else {
			vecs = v
		}
	}

	n, err := f.w.UpsertIncidents(ctx, incs, vecs, ref)
	res.Upserted = n
	if err != nil {
		return res, fmt.Errorf("upsert %d incidents: %w", len(incs), err)
	}
	return res, nil
}
