package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arqonbus/arqonbus/internal/bus"
	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/httpapi"
	"github.com/arqonbus/arqonbus/internal/metrics"
	"github.com/arqonbus/arqonbus/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("ARQONBUS_CONFIG"), "path to yaml config file")
	flag.Parse()

	// Local .env is optional; environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	backend, err := storage.New(ctx, storage.Config{
		Backend:      cfg.Storage.Backend,
		Mode:         cfg.Storage.Mode,
		MaxSize:      cfg.Storage.MaxSize,
		RedisURL:     cfg.Storage.RedisURL,
		PostgresURL:  cfg.Storage.PostgresURL,
		StreamPrefix: cfg.Storage.StreamPrefix,
		HistoryLimit: cfg.Storage.HistoryLimit,
	})
	cancel()
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}

	server, err := bus.NewServer(cfg, backend, m)
	if err != nil {
		log.Fatalf("bus init failed: %v", err)
	}
	if err := server.ValidateStartup(); err != nil {
		log.Fatalf("startup validation failed: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	api := httpapi.NewAPIServer(server.Registry(), m, registry, cfg.HTTP.APIKey, func(action string) {
		log.Printf("admin %s requested, shutting down", action)
		stop <- syscall.SIGTERM
	})

	wsSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: server.Handler(),
	}
	apiSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.HTTP.Port),
		Handler: api.Router(),
	}

	go func() {
		log.Printf("websocket bus listening on %s", wsSrv.Addr)
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("websocket server failed: %v", err)
		}
	}()
	go func() {
		log.Printf("http facade listening on %s", apiSrv.Addr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	<-stop
	log.Println("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	wsSrv.Shutdown(shutdownCtx)
	apiSrv.Shutdown(shutdownCtx)
	server.Shutdown(shutdownCtx)
}
