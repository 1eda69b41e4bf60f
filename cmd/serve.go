package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"memoire/internal/bootstrap"
	"memoire/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the assistant over HTTP",
	Long: `Starts an HTTP server with POST /ask, POST /documents and GET /health.
A failed start-up of the index or model is retried on the next request.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, sessions, err := bootstrap.NewEngine(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer sessions.Close()
	defer engine.Close()

	if err := engine.Init(ctx); err != nil {
		log.Warn().Err(err).Msg("Starting without a ready engine")
	}

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	handler := server.NewHandler(engine, bootstrap.IngestOptions(cfg.Ingest, log.Logger), log.Logger)
	return server.ListenAndServe(ctx, handler, server.Options{
		Addr:         addr,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
	})
}
