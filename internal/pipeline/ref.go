package pipeline

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"triage-ingest/internal/model"
)

// BatchRef 는 파티션과 payload 순서열로만 정해지는 batch 참조.
//
// producer 가 같은 payload 를 다시 보내면 (seq, 수신 시각, archive key 가 달라도)
// 같은 값이 나오므로 저장소가 log_count 를 다시 더하지 않는다.
func BatchRef(partition string, payloads [][]byte) string {
	h := blake3.New()
	writeField(h, []byte(partition))
	for _, p := range payloads {
		writeField(h, p)
	}
	return "p=" + partition + "/" + hex.EncodeToString(h.Sum(nil)[:16])
}

// BundleRef 는 streaming bundle 묶음의 참조. 같은 trace 가 같은 범위로
// 다시 닫히면 같은 값이 된다.
func BundleRef(partition string, incs []model.Incident) string {
	h := blake3.New()
	writeField(h, []byte(partition))
	for _, inc := range incs {
		writeField(h, []byte(strings.Join([]string{
			inc.ID,
			inc.TraceID,
			strconv.FormatInt(inc.FirstTS.UnixNano(), 10),
			strconv.FormatInt(inc.LastTS.UnixNano(), 10),
			strconv.Itoa(inc.LogCount),
		}, "|")))
	}
	return "bundle/p=" + partition + "/" + hex.EncodeToString(h.Sum(nil)[:16])
}

// 길이 prefix 로 경계가 다른 입력이 같은 바이트열이 되지 않게 한다.
func writeField(w io.Writer, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	_, _ = w.Write(n[:])
	_, _ = w.Write(b)
}
