package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"triage-ingest/internal/app"
	"triage-ingest/internal/config"
	"triage-ingest/internal/logger"
	"triage-ingest/internal/metrics"
	"triage-ingest/internal/pipeline"
	"triage-ingest/internal/server"
	"triage-ingest/internal/stream"
	"triage-ingest/internal/worker"
)

func main() {

	// ====================================================================
	// CPU 설정
	// ====================================================================
	//
	// 컨테이너 vCPU 가 호스트 코어 수보다 적으면 Go 런타임이 코어 수만큼
	// P 를 만들어 스케줄링 낭비가 생긴다. GOMAXPROCS env 로 맞추고,
	// 없으면 파티션 worker 수를 감안해 2 를 기본값으로 둔다.
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	} else if runtime.NumCPU() > 2 {
		runtime.GOMAXPROCS(2)
	}

	// ====================================================================
	// Config / Logger / Metrics
	// ====================================================================
	cfg := config.Load()
	logger.Init(cfg)
	m := metrics.New()

	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	pipeOpts, mode, err := app.PipelineOptions(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("[FATAL] invalid pipeline config")
	}

	// ====================================================================
	// Archive (S3 + 로컬 DLQ)
	// ====================================================================
	//
	// 업로드 실패 배치는 DLQ 로 내려가고, worker 의 idle tick 에서
	// 같은 key 로 재업로드된다. Clock 은 dt/hr 캐시를 1초마다 갱신한다.
	// ====================================================================
	arch, clock, err := app.Archive(rootCtx, cfg, m)
	if err != nil {
		log.Fatal().Err(err).Msg("[FATAL] archive init failed")
	}
	go clock.Run(rootCtx)

	// ====================================================================
	// Checkpoint / Sequence
	// ====================================================================
	cp, err := stream.NewFileCheckpointer(cfg.CheckpointDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.CheckpointDir).Msg("[FATAL] checkpoint init failed")
	}
	seq := stream.NewSequencer(cp)

	// ====================================================================
	// 저장소 / 임베딩
	// ====================================================================
	st, err := app.OpenStore(rootCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("[FATAL] store init failed")
	}
	defer st.Close()

	emb, err := app.NewEmbedder(rootCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("[FATAL] embedder init failed")
	}
	defer emb.Close()

	fwd := pipeline.NewForwarder(emb.Provider, st)

	// ====================================================================
	// 파티션 worker
	// ====================================================================
	mgr := worker.NewManager(worker.Options{
		ChannelSize:   cfg.ChannelSize,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		Mode:          mode,
		Pipeline:      pipeOpts,
	}, m, arch, fwd, cp)

	// ====================================================================
	// HTTP
	// ====================================================================
	//
	//  - /collect        : 입력 스트림 push (핵심)
	//  - /v1/ingest      : 정리된 문서 직접 저장
	//  - /v1/search      : 유사 인시던트 검색
	//  - /v1/checkpoints : 파티션별 처리 위치
	//  - /metrics        : 운영 지표
	//  - /health         : LB health check
	// ====================================================================
	h := server.NewHandler(server.Deps{
		MaxBodySize: cfg.MaxBodySize,
		Metrics:     m,
		Worker:      mgr,
		Sequencer:   seq,
		Forwarder:   fwd,
		Embedder:    emb.Provider,
		Searcher:    st,
		Checkpoints: cp,
		Refresh: func() {
			if emb.Cached != nil {
				s := emb.Cached.Stats()
				m.SetEmbedCache(s.Hits, s.Misses)
			}
			atomic.StoreInt64(&m.VectorsFittedTotal, st.Fitted())
		},
	})

	// 검색/ingest 는 임베딩 호출이 있어 collect 보다 길게 잡는다.
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      h.Routes(),
		ReadTimeout:  8 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ====================================================================
	// Graceful Shutdown
	// ====================================================================
	//
	// SIGTERM 수신 시:
	//   1) HTTP 서버를 먼저 멈춰 새 이벤트를 받지 않는다
	//   2) 파티션 큐에 남은 이벤트를 배치 처리 + archive + checkpoint
	//   3) deadline 을 넘기면 진행 중 I/O 를 취소한다
	//      (업로드 중이던 배치는 DLQ 로 내려가 다음 기동 때 재업로드된다)
	// ====================================================================
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("[INFO] shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("[ERROR] http shutdown")
		}
		cancel()

		log.Info().Msg("[INFO] stopping partition workers...")
		ctx, cancel = context.WithTimeout(context.Background(), 20*time.Second)
		mgr.Shutdown(ctx)
		cancel()
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Str("mode", string(mode)).Msg("[INFO] ingest server listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("[FATAL] http server terminated")
	}

	<-done
	stopBackground()
	log.Info().Msg("[INFO] shutdown complete")
}
