package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"slidecast/internal/app"
	"slidecast/internal/config"
	"slidecast/internal/hub"
	"slidecast/internal/session"
	"slidecast/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis session cache")
		cache, err := session.NewRedisCache(cfg.RedisURL, cfg.InactivityThreshold)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer cache.Close()
		service = app.NewWithSessionCache(cfg, dataStore, cache)
	} else {
		log.Printf("Session cache disabled, resolving connections from the database")
		service = app.New(cfg, dataStore)
	}

	presentationHub := hub.New(service)

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go presentationHub.RunJanitor(janitorCtx, cfg.SweepInterval)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	root := http.NewServeMux()
	root.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(presentationHub, w, r)
	})
	root.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Slidecast API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopJanitor()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
