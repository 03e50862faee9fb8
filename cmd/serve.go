package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/satriahrh/rapat/adapters/llm"
	"github.com/satriahrh/rapat/adapters/memory"
	"github.com/satriahrh/rapat/adapters/mongo"
	"github.com/satriahrh/rapat/adapters/stt"
	"github.com/satriahrh/rapat/domain/repositories"
	"github.com/satriahrh/rapat/internal/api"
	"github.com/satriahrh/rapat/internal/arbiter"
	"github.com/satriahrh/rapat/internal/config"
	"github.com/satriahrh/rapat/internal/logging"
	"github.com/satriahrh/rapat/internal/metrics"
	"github.com/satriahrh/rapat/internal/session"
	"github.com/satriahrh/rapat/internal/transcript"
	"github.com/satriahrh/rapat/internal/websocket"
	"github.com/satriahrh/rapat/usecase"
)

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	printBanner()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize adapters
	recognizer, closeRecognizer, err := newRecognizer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRecognizer()

	repo, directory, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	summarizer, err := newSummarizer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Core components
	log := transcript.NewLog()
	hub := websocket.NewHub(log, websocket.Options{
		SendBuffer:     cfg.Hub.SendBuffer,
		AllowedOrigins: cfg.Hub.AllowedOrigins,
	}, m, logger)
	arb := arbiter.New(cfg.Arbiter.GracePeriod, hub, logger)
	registry := session.NewRegistry(recognizer, arb, session.Config{
		BufferChunks:    cfg.Session.BufferChunks,
		CarryoverWindow: cfg.Session.CarryoverWindow,
		StreamLimit:     cfg.STT.StreamLimit,
		RestartBackoff:  cfg.Session.RestartBackoff,
	}, m, logger)

	meetings := usecase.NewMeetingService(repo, directory, summarizer, log, hub, logger)
	checkpoints := usecase.NewCheckpointService(meetings, cfg.Transcript.CheckpointInterval, logger)
	checkpoints.Start()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, api.Dependencies{
		Meetings:      meetings,
		Hub:           hub,
		Sessions:      registry,
		AudioDefaults: cfg.STT.AudioDefaults(),
		Metrics:       m,
		Gatherer:      reg,
		Logger:        logger,
	})
	go hub.Run()

	port := strconv.Itoa(cfg.Server.Port)
	serverErr := make(chan error, 1)
	go func() {
		if err := e.Start(":" + port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("Server started",
		zap.String("port", port),
		zap.String("sttProvider", cfg.STT.Provider),
		zap.Duration("gracePeriod", cfg.Arbiter.GracePeriod))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		logger.Error("Server failed", zap.Error(err))
	}

	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := registry.CloseAll(shutdownCtx); err != nil {
		logger.Warn("Audio sessions did not stop in time", zap.Error(err))
	}
	checkpoints.Stop()
	hub.Stop()

	logger.Info("Server exited")
	return nil
}

func newRecognizer(ctx context.Context, cfg config.Config, logger *zap.Logger) (repositories.SpeechToText, func(), error) {
	switch cfg.STT.Provider {
	case "google":
		g, err := stt.NewGoogleSpeechToText(ctx, logger)
		if err != nil {
			return nil, nil, err
		}
		return g, func() { g.Close() }, nil
	case "deepgram":
		d, err := stt.NewDeepgramSpeechToText(stt.DeepgramConfig{
			APIKey: cfg.STT.Deepgram.APIKey,
			Model:  cfg.STT.Deepgram.Model,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return d, func() {}, nil
	default:
		logger.Warn("Using mock speech recognizer")
		return stt.NewMockSpeechToText(logger), func() {}, nil
	}
}

func newStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repositories.MeetingRepository, repositories.SpeakerDirectory, func(), error) {
	if cfg.Mongo.URI == "" {
		logger.Warn("No MongoDB configured, meetings are kept in memory")
		repo := memory.NewMeetingRepository()
		return repo, repo, func() {}, nil
	}

	client, err := mongo.NewClient(ctx, mongo.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database}, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	repo := mongo.NewMeetingRepository(client.Database, logger)
	return repo, repo, func() { client.Close(context.Background()) }, nil
}

func newSummarizer(ctx context.Context, cfg config.Config, logger *zap.Logger) (repositories.Summarizer, error) {
	if cfg.Gemini.APIKey == "" {
		logger.Warn("No Gemini API key configured, using mock summarizer")
		return llm.NewMockSummarizer(), nil
	}

	s, err := llm.NewGeminiSummarizer(ctx, llm.GeminiConfig{
		APIKey: cfg.Gemini.APIKey,
		Model:  cfg.Gemini.Model,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create summarizer: %w", err)
	}
	return s, nil
}
