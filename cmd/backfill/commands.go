package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"triage-ingest/internal/app"
	"triage-ingest/internal/backfill"
	"triage-ingest/internal/config"
	"triage-ingest/internal/logger"
	"triage-ingest/internal/pipeline"
)

func newRootCommand() *cobra.Command {
	var cfg config.Config

	cmd := &cobra.Command{
		Use:          "backfill",
		Short:        "reprocess archived payloads and fill missing embeddings",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			cfg = config.LoadOptional()
			logger.Init(cfg)
		},
	}

	cmd.AddCommand(
		newProcessCommand(&cfg),
		newReembedCommand(&cfg),
	)
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newProcessCommand(cfg *config.Config) *cobra.Command {
	var (
		prefix string
		files  []string
		mode   string
		dryRun bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "run batch extraction over archived objects or local files",
		Example: `backfill process --prefix raw/p=0/dt=2026-01-01/ --mode both
backfill process --file ./app.jsonl --file ./worker.jsonl --dry-run`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (prefix == "") == (len(files) == 0) {
				return errors.New("exactly one of --prefix or --file is required")
			}

			ctx, cancel := signalContext()
			defer cancel()

			opts, cfgMode, err := app.PipelineOptions(*cfg)
			if err != nil {
				return err
			}
			if cmd.Flag("mode").Changed {
				if cfgMode, err = pipeline.ParseMode(mode); err != nil {
					return err
				}
			}

			var src backfill.Source
			if prefix != "" {
				reader, err := app.ArchiveReader(ctx, *cfg)
				if err != nil {
					return err
				}
				src, err = backfill.LoadArchive(ctx, reader, prefix, limit)
				if err != nil {
					return err
				}
			} else {
				if src, err = backfill.LoadFiles(files); err != nil {
					return err
				}
			}
			log.Info().Int("objects", len(src.Keys)).Int("payloads", len(src.Payloads)).
				Int("skipped", src.Skipped).Msg("[INFO] input loaded")

			var fwd backfill.Forwarder
			if !dryRun {
				st, err := app.OpenStore(ctx, *cfg)
				if err != nil {
					return err
				}
				defer st.Close()

				emb, err := app.NewEmbedder(ctx, *cfg)
				if err != nil {
					return err
				}
				defer emb.Close()
				fwd = pipeline.NewForwarder(emb.Provider, st)
			}

			sum, err := backfill.Process(ctx, pipeline.New(opts), cfgMode, src, fwd, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			log.Info().Str("ref", sum.Ref).Int("incidents", sum.Incidents).Int("upserted", sum.Upserted).
				Int("dropped_by_level", sum.DroppedByLevel).Msg("[INFO] backfill done")

			if !dryRun {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(sum)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "S3 key prefix of archived objects")
	cmd.Flags().StringArrayVar(&files, "file", nil, "local JSONL or .jsonl.gz file (repeatable)")
	cmd.Flags().StringVar(&mode, "mode", "", "episode, bundle or both (default PIPELINE_MODE)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print incidents as JSON lines instead of writing them")
	cmd.Flags().IntVar(&limit, "limit", 0, "max archive objects to read (0 = all)")
	return cmd
}

func newReembedCommand(cfg *config.Config) *cobra.Command {
	var (
		limit int
		batch int
	)

	cmd := &cobra.Command{
		Use:   "reembed",
		Short: "fill incidents whose embedding is NULL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			st, err := app.OpenStore(ctx, *cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			emb, err := app.NewEmbedder(ctx, *cfg)
			if err != nil {
				return err
			}
			defer emb.Close()

			n, err := backfill.Reembed(ctx, st, emb.Provider, limit, batch)
			if n > 0 {
				log.Info().Int("rows", n).Msg("[INFO] embeddings filled")
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "reembedded=%d\n", n)
			return err
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "max rows to fill")
	cmd.Flags().IntVar(&batch, "batch", 32, "texts per embedding call")
	return cmd
}
