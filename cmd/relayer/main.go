package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainhooks/relayer/internal/api"
	"github.com/chainhooks/relayer/internal/audit"
	"github.com/chainhooks/relayer/internal/chainrpc"
	"github.com/chainhooks/relayer/internal/config"
	"github.com/chainhooks/relayer/internal/relayer"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var auditSink *audit.Sink
	if cfg.AuditDSN != "" {
		sink, err := audit.New(ctx, cfg.AuditDSN)
		if err != nil {
			log.Printf("audit sink unavailable: %v — continuing without audit trail", err)
		} else {
			auditSink = sink
			defer auditSink.Close()
		}
	}

	logs := make(chan chainrpc.UserLog, cfg.CommandBufferSize)
	registry := chainrpc.NewRegistry(cfg.CommandBufferSize, logs)

	for _, c := range cfg.SupportedChains {
		if c.WSURL == "" {
			log.Printf("no websocket URL configured for chain %d — chain disabled until set", c.ChainID)
			continue
		}
		registry.RegisterChain(c.ChainID, c.WSURL)
		log.Printf("chain %d registered with ws url", c.ChainID)
	}

	var recorder relayer.AuditRecorder
	if auditSink != nil {
		recorder = auditSink
	}

	handler := relayer.NewHandler(registry, recorder, logs, cfg.CommandBufferSize)
	go handler.Run(ctx)

	router := api.NewRouter(handler, registry, cfg)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	go func() {
		log.Printf("relayer listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
	cancel()
	log.Println("server stopped")
}
