package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"memoire/internal/bootstrap"
	"memoire/internal/models"
)

var (
	ingestText   string
	ingestID     string
	ingestSource string
	ingestWatch  string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Add documents to the knowledge base",
	Long: `Embeds documents and writes them to the vector index, creating the index
if it does not exist. Files may be .txt, .md, .pdf, .docx, .pptx or spreadsheets.
Use --text for a single inline document and --watch to follow a directory.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestText, "text", "", "inline document text")
	ingestCmd.Flags().StringVar(&ingestID, "id", "", "document id for --text (generated when empty)")
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "source metadata for --text")
	ingestCmd.Flags().StringVarP(&ingestWatch, "watch", "w", "", "directory to ingest and keep watching")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestText == "" && ingestWatch == "" && len(args) == 0 {
		return errors.New("nothing to ingest: pass files, --text or --watch")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	in, store, err := bootstrap.NewIngestor(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if ingestText != "" {
		doc := models.Document{ID: ingestID, Text: ingestText}
		if ingestSource != "" {
			doc.Metadata = map[string]any{"source": ingestSource}
		}
		id, err := in.IngestText(ctx, doc)
		if err != nil {
			return err
		}
		cmd.Printf("Ingested document %s\n", id)
	}

	var failed int
	for _, path := range args {
		ids, err := in.IngestFile(ctx, path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("Ingesting file failed")
			failed++
			continue
		}
		cmd.Printf("Ingested %s (%d chunks)\n", path, len(ids))
	}

	if ingestWatch != "" {
		return in.Watch(ctx, ingestWatch)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(args))
	}
	return nil
}
