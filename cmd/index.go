package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"memoire/internal/bootstrap"
)

var errUnsupportedBackend = errors.New("operation not supported by this vector store backend")

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the vector index",
}

var indexCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the configured index if it does not exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := bootstrap.OpenStore(context.Background(), cfg.VectorStore, true)
		if err != nil {
			return err
		}
		defer store.Close()
		cmd.Printf("Index %q ready (%s, %d dimensions)\n", cfg.VectorStore.Index, cfg.VectorStore.Backend, store.Dimension())
		return nil
	},
}

var indexDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Delete the configured index and every document in it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := context.Background()
		switch cfg.VectorStore.Backend {
		case "chromem":
			m, err := bootstrap.OpenChromem(cfg.VectorStore, false)
			if err != nil {
				return err
			}
			if err := m.DeleteCollection(); err != nil {
				return err
			}
		case "pgvector":
			s, err := bootstrap.OpenPostgres(ctx, cfg.VectorStore, false)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.DropIndex(ctx); err != nil {
				return err
			}
		default:
			return fmt.Errorf("drop %s: %w", cfg.VectorStore.Backend, errUnsupportedBackend)
		}
		cmd.Printf("Index %q dropped\n", cfg.VectorStore.Index)
		return nil
	},
}

var indexExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write an encrypted snapshot of a chromem index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.VectorStore.Backend != "chromem" {
			return fmt.Errorf("export %s: %w", cfg.VectorStore.Backend, errUnsupportedBackend)
		}
		m, err := bootstrap.OpenChromem(cfg.VectorStore, false)
		if err != nil {
			return err
		}
		if err := m.Export(context.Background()); err != nil {
			return err
		}
		cmd.Printf("Exported %d documents to %s\n", m.Count(), m.FilePath())
		return nil
	},
}

var indexImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Restore a chromem index from its encrypted snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.VectorStore.Backend != "chromem" {
			return fmt.Errorf("import %s: %w", cfg.VectorStore.Backend, errUnsupportedBackend)
		}
		m, err := bootstrap.OpenChromem(cfg.VectorStore, true)
		if err != nil {
			return err
		}
		if err := m.Import(context.Background()); err != nil {
			return err
		}
		cmd.Printf("Imported %d documents from %s\n", m.Count(), m.FilePath())
		return nil
	},
}

func init() {
	indexCmd.AddCommand(indexCreateCmd, indexDropCmd, indexExportCmd, indexImportCmd)
	rootCmd.AddCommand(indexCmd)
}
