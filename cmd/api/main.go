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

	"atlas/api/internal/app"
	"atlas/api/internal/config"
	"atlas/api/internal/export"
	"atlas/api/internal/mapcache"
	"atlas/api/internal/objstore"
	"atlas/api/internal/search"
	"atlas/api/internal/store"
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

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	searchService.ReindexAllFromPG(ctx)

	var styleCache *mapcache.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		styleCache, err = mapcache.NewRedisStore(ctx, cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer styleCache.Close()
		log.Printf("Using Redis style document cache")
	}

	var objects *objstore.Store
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		objects, err = objstore.New(ctx, objstore.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Fatalf("object store connection failed: %v", err)
		}
		log.Printf("Using object storage at %s", cfg.S3Endpoint)
	}

	// The interface-typed arguments must stay nil when the backends are not
	// configured; a typed nil pointer would not compare equal to nil.
	service := newService(dataStore, searchService, styleCache, objects)

	httpServer := app.NewHTTPServer(service, export.NewService(), cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Atlas API listening on %s", cfg.Addr)
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
}

func newService(dataStore *store.PostgresStore, searchService *search.Service, styleCache *mapcache.RedisStore, objects *objstore.Store) *app.Service {
	switch {
	case styleCache == nil && objects == nil:
		return app.New(dataStore, searchService, nil, nil)
	case styleCache == nil:
		return app.New(dataStore, searchService, nil, objects)
	case objects == nil:
		return app.New(dataStore, searchService, styleCache, nil)
	default:
		return app.New(dataStore, searchService, styleCache, objects)
	}
}
