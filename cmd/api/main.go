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

	"github.com/joho/godotenv"

	"mindloom/api/internal/app"
	"mindloom/api/internal/assets"
	"mindloom/api/internal/collector"
	"mindloom/api/internal/config"
	"mindloom/api/internal/documents"
	"mindloom/api/internal/store"
	"mindloom/api/internal/vectordb"
)

func main() {
	_ = godotenv.Load()
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

	embedder := vectordb.NewHTTPEmbedder(cfg.EmbedderURL, cfg.EmbedderModel)
	meiliClient := vectordb.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, embedder)
	defer meiliClient.Close()

	objects, err := assets.NewObjectStore(ctx, assets.ObjectStoreConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("object storage connection failed: %v", err)
	}

	var cache assets.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for the asset cache")
		redisCache, err := assets.NewRedisCache(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisCache.Close()
		cache = redisCache
	} else {
		log.Printf("Using the in-memory asset cache")
		cache = assets.NewMemoryCache()
	}

	coll := collector.New(cfg.CollectorURL, cfg.CollectorToken)
	pipeline := documents.NewPipeline(documents.NewSQLStore(dataStore), meiliClient, objects, coll)

	var service *app.Service
	if strings.TrimSpace(cfg.TTSURL) != "" {
		service = app.New(cfg, dataStore, pipeline, meiliClient, cache, objects, assets.NewTTSClient(cfg.TTSURL))
	} else {
		log.Printf("TTS_URL not set, speech synthesis disabled")
		service = app.New(cfg, dataStore, pipeline, meiliClient, cache, objects, nil)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Mindloom API listening on %s", cfg.Addr)
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
