package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
	"github.com/mohammad-safakhou/deepresearch/tools/embedding"
	"github.com/mohammad-safakhou/deepresearch/tools/extract"
)

func ingestCMD() *cobra.Command {
	var cfgPath string
	var sourceType string
	var chunkChars int

	cmd := &cobra.Command{
		Use:   "ingest [url...]",
		Short: "Fetch pages and add them to the research corpus",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if err := cfg.Store.Postgres.Validate(); err != nil {
				return fmt.Errorf("postgres not configured: %w", err)
			}

			ctx := context.Background()
			pg, err := store.NewPostgres(ctx, cfg.Store.Postgres)
			if err != nil {
				return err
			}
			defer pg.Close()

			extractor := extract.New(cfg.Sources.Extract.Timeout, 0)

			for _, url := range args {
				page, err := extractor.Extract(ctx, url)
				if err != nil {
					return fmt.Errorf("extracting %s: %w", url, err)
				}

				docID := uuid.New().String()
				pieces := embedding.ChunkText(page.Text, chunkChars)
				chunks := make([]store.Chunk, len(pieces))
				for i, text := range pieces {
					chunks[i] = store.Chunk{
						DocID:      docID,
						ChunkID:    fmt.Sprintf("%d", i),
						ChunkIndex: i,
						Text:       text,
					}
				}

				doc := store.Document{ID: docID, Title: page.Title, Source: url, SourceType: sourceType}
				if err := pg.InsertDocument(ctx, doc, chunks); err != nil {
					return fmt.Errorf("storing %s: %w", url, err)
				}
				fmt.Printf("ingested %s: %d chunks (%s)\n", url, len(chunks), docID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "path to config file")
	cmd.Flags().StringVar(&sourceType, "source-type", "web", "source type label for filtering")
	cmd.Flags().IntVar(&chunkChars, "chunk-chars", 1500, "max characters per chunk")
	return cmd
}
