// backfill 은 archive 원본 재처리와 embedding 보충을 위한 CLI.
//
//	backfill process --prefix raw/p=0/dt=2026-01-01/ --mode both
//	backfill process --file ./dump.jsonl --dry-run
//	backfill reembed --limit 500
//
// 설정은 서버와 같은 env 를 읽는다 (필수 검사는 명령별로 한다).
package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("[ERROR] backfill failed")
		os.Exit(1)
	}
}
