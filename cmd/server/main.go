package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/lesion-api/internal/config"
	"github.com/Brownie44l1/lesion-api/internal/handlers"
	"github.com/Brownie44l1/lesion-api/internal/labels"
	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/Brownie44l1/lesion-api/internal/uploads"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func main() {
	if err := config.LoadEnvFile(flag.CommandLine, os.Args[1:]); err != nil {
		log.Fatalf("%v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}
	cfg.SetupLogging()

	manifest, err := labels.Load(cfg.LabelsPath)
	if err != nil {
		log.Fatalf("Failed to load labels: %v", err)
	}

	slog.Info("loading model", "path", cfg.ModelPath, "device", cfg.Device)
	modelServer, err := model.NewServer(cfg.Model(), manifest)
	if err != nil {
		log.Fatalf("Failed to initialize model server: %v", err)
	}
	defer modelServer.Close()

	store, err := uploads.NewStore(cfg.UploadDir, cfg.MaxUploadBytes, cfg.ThumbnailWidth, cfg.ThumbnailHeight)
	if err != nil {
		log.Fatalf("Failed to initialize upload store: %v", err)
	}

	handler, err := handlers.NewHandler(modelServer, manifest, store, modelServer.Device)
	if err != nil {
		log.Fatalf("Failed to initialize handlers: %v", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	handler.AddRoutes(r)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
	}()

	slog.Info("server starting",
		"port", cfg.Port,
		"model", cfg.ModelPath,
		"device", modelServer.Device,
		"labels_version", manifest.Version,
		"classes", manifest.Codes())
	slog.Info("endpoints",
		"GET /", "upload form",
		"POST /", "upload and classify",
		"POST /predict", "raw tensor prediction",
		"POST /predict/image", "predict from image upload",
		"GET /result/{filename}/{label}", "result page",
		"GET /static/uploads/{name}", "stored upload",
		"GET /labels", "label manifest",
		"GET /health", "health check")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
	slog.Info("server stopped")
}
