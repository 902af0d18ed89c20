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

	"ghostwriter/api/internal/app"
	"ghostwriter/api/internal/config"
	"ghostwriter/api/internal/export"
	"ghostwriter/api/internal/gitrepo"
	"ghostwriter/api/internal/presence"
	"ghostwriter/api/internal/search"
	"ghostwriter/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBConnectTries)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	log.Printf("applied %d migrations", len(applied))

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)
	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	var archive export.Archiver
	if strings.TrimSpace(cfg.MinIO.Endpoint) != "" {
		archiveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		objectStore, err := export.NewArchive(archiveCtx, export.ArchiveConfig{
			Endpoint:   cfg.MinIO.Endpoint,
			AccessKey:  cfg.MinIO.AccessKey,
			SecretKey:  cfg.MinIO.SecretKey,
			Bucket:     cfg.MinIO.Bucket,
			UseSSL:     cfg.MinIO.UseSSL,
			LinkExpiry: cfg.MinIO.LinkTTL,
		})
		cancel()
		if err != nil {
			log.Printf("WARNING: export archive disabled: %v", err)
		} else {
			log.Printf("Archiving exports to bucket %s", cfg.MinIO.Bucket)
			archive = objectStore
		}
	}

	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for presence")
		redisStore, err := presence.NewRedisStore(cfg.RedisURL, cfg.PresenceTimeout)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		service = app.New(cfg, dataStore, redisStore, gitService, searchService, archive)
	} else {
		log.Printf("Using PostgreSQL for presence")
		service = app.New(cfg, dataStore, dataStore, gitService, searchService, archive)
	}

	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("GhostWriter API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		log.Printf("pending index updates failed: %v", err)
	}
}
