package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ragpipe/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Serve ingestion, retrieval and chat over HTTP.

Endpoints:
  POST /api/documents   ingest JSON documents
  POST /api/upload      ingest uploaded .txt, .md or .pdf files
  POST /api/query       retrieve context for a question
  POST /api/chat        stream an answer grounded in retrieved context
  GET  /api/health      liveness and uptime
  GET  /api/models      accepted chat models`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	log := GetLogger()

	p, err := openPipeline(cfg, GetRootDir(), false, log)
	if err != nil {
		return err
	}
	defer p.Close()

	srvCfg := cfg.Server
	if serveAddr != "" {
		srvCfg.Addr = serveAddr
	}

	srv := server.NewServer(server.Deps{
		Index:     p.index,
		Ingest:    p.ingest,
		Retrieve:  p.retrieve,
		Chat:      p.chat,
		Generator: cfg.GeneratorProvider(),
	}, srvCfg, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	return p.stamp()
}
