package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"

	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/sjawhar/milo/internal/artifact"
	"github.com/sjawhar/milo/internal/audio"
	"github.com/sjawhar/milo/internal/bus"
	"github.com/sjawhar/milo/internal/config"
	"github.com/sjawhar/milo/internal/gdrive"
	"github.com/sjawhar/milo/internal/llm"
	"github.com/sjawhar/milo/internal/metrics"
	"github.com/sjawhar/milo/internal/pipeline"
	"github.com/sjawhar/milo/internal/server"
	"github.com/sjawhar/milo/internal/session"
	"github.com/sjawhar/milo/internal/speech"
	"github.com/sjawhar/milo/internal/storage"
	"github.com/sjawhar/milo/internal/summary"
	"github.com/sjawhar/milo/internal/transcribe"
)

type app struct {
	cfg         config.Config
	coordinator *session.Coordinator
	handler     http.Handler
	closers     []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("warning: shutdown: %v", err)
		}
	}
}

func build(ctx context.Context, cfg config.Config, warnings []string) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	logger := slog.Default()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	files, err := artifact.NewStore(cfg.StagingDir())
	if err != nil {
		return nil, fmt.Errorf("staging init: %w", err)
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("storage init: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	b, err := newBus(ctx, cfg, m, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, b.Close)

	transcriber, err := newTranscriber(cfg)
	if err != nil {
		return nil, err
	}
	synth, err := newSynthesizer(cfg)
	if err != nil {
		return nil, err
	}
	prompts, err := pipeline.LoadPrompts(cfg.SummaryPromptFile, cfg.PersonaFile)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	hub := server.NewHub()
	factory := llmFactory(cfg)

	deps := pipeline.Deps{
		Store:       files,
		Bus:         b,
		Converter:   audio.NewFFmpeg(cfg.FFmpegPath),
		Transcriber: transcriber,
		Summarizer:  summary.New(cfg.SummaryModel, factory),
		Responder:   summary.New(cfg.ResponseModel, factory),
		Synthesizer: synth,
		Events:      hub,
		Ledger:      store,
		Prompts:     prompts,
		Metrics:     m,
		Logger:      logger,
	}
	if cfg.GDriveFolderID != "" {
		syncer, err := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if err != nil {
			log.Printf("warning: gdrive sync disabled: %v", err)
			warnings = append(warnings, "Google Drive archive upload disabled: "+err.Error())
		} else {
			deps.Uploader = syncer
		}
	}

	p, err := pipeline.New(deps)
	if err != nil {
		return nil, err
	}

	coordinator, err := session.New(session.Deps{
		Store:    files,
		Bus:      b,
		BusName:  cfg.Bus,
		Pipeline: p,
		Ledger:   store,
		Events:   hub,
		Metrics:  m,
		Logger:   logger,
		Warnings: warnings,
	})
	if err != nil {
		return nil, err
	}
	a.coordinator = coordinator

	handler, err := server.Handler(server.Deps{
		Hub:      hub,
		Flows:    coordinator,
		Store:    store,
		Files:    files,
		Metrics:  m,
		Gatherer: registry,
	})
	if err != nil {
		return nil, fmt.Errorf("build http handler: %w", err)
	}
	a.handler = handler

	ok = true
	return a, nil
}

func newBus(ctx context.Context, cfg config.Config, m *metrics.Pipeline, logger *slog.Logger) (bus.Bus, error) {
	opts := []bus.Option{bus.WithLogger(logger), bus.WithObserver(m)}

	switch cfg.Bus {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		return bus.NewRedis(rdb, opts...), nil
	default:
		return bus.NewMemory(opts...), nil
	}
}

func newTranscriber(cfg config.Config) (*transcribe.Transcriber, error) {
	switch cfg.Transcriber {
	case "deepgram":
		client.Init(client.InitLib{LogLevel: client.LogLevelDefault})
		return transcribe.New(transcribe.NewDeepgram(cfg.DeepgramAPIKey, transcribe.DeepgramOptions{
			Model:    cfg.TranscriberModel,
			Language: cfg.Language,
		})), nil
	case "openai":
		return transcribe.New(transcribe.NewOpenAI(cfg.OpenAIAPIKey, cfg.TranscriberModel, cfg.Language)), nil
	default:
		return nil, fmt.Errorf("unknown transcriber %q", cfg.Transcriber)
	}
}

func newSynthesizer(cfg config.Config) (pipeline.Synthesizer, error) {
	switch cfg.Synthesizer {
	case "command":
		cmd, err := speech.NewCommand(cfg.TTSCommand)
		if err != nil {
			return nil, err
		}
		return cmd, nil
	case "openai":
		return speech.NewOpenAI(cfg.OpenAIAPIKey, cfg.TTSModel, cfg.TTSVoice), nil
	default:
		return nil, fmt.Errorf("unknown synthesizer %q", cfg.Synthesizer)
	}
}

func llmFactory(cfg config.Config) summary.ClientFactory {
	return func(provider, model string) (llm.Client, error) {
		var opts []llm.Option
		if provider == "ollama" && cfg.OllamaURL != "" {
			opts = append(opts, llm.WithBaseURL(cfg.OllamaURL))
		}
		key := cfg.APIKeyFor(provider)
		if key == "" && provider != "ollama" {
			return nil, errors.New(provider + " API key not configured")
		}
		return llm.NewClient(provider, key, model, opts...)
	}
}
