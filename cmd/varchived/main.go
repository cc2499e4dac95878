package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/varchive/varchive/config"
	"github.com/varchive/varchive/internal/adapter/fetcher/httpfetch"
	sqlitestore "github.com/varchive/varchive/internal/adapter/storage/sqlite"
	"github.com/varchive/varchive/internal/domain"
	"github.com/varchive/varchive/internal/infrastructure/logger"
	qmetrics "github.com/varchive/varchive/internal/metrics"
	"github.com/varchive/varchive/internal/port"
	"github.com/varchive/varchive/internal/progress"
	"github.com/varchive/varchive/internal/queue"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, os.Stdout, cfg.Log.Pretty)
	log := logger.With("main")

	log.Info().Int("port", cfg.Server.Port).Str("strategy", cfg.Processor.Strategy).Msg("starting varchived")

	if err := os.MkdirAll(cfg.Database.DataDir, 0o755); err != nil {
		log.Error().Err(err).Msg("failed to create data directory")
		os.Exit(1)
	}

	store, err := sqlitestore.NewStore(cfg.Database.DataDir, cfg.Database.PoolSize, cfg.Database.AcquireTimeout)
	if err != nil {
		log.Error().Err(err).Msg("failed to open archive store")
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	strategy, err := queue.ParseStrategy(cfg.Processor.Strategy)
	if err != nil {
		log.Error().Err(err).Msg("invalid processor strategy")
		os.Exit(1)
	}

	metricsPath := filepath.Join(cfg.Database.DataDir, "metrics.json")
	mm := queue.NewMetricsManager()
	if err := mm.Load(metricsPath); err != nil {
		log.Warn().Err(err).Msg("could not restore metrics snapshot, starting fresh")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	exported := qmetrics.New(reg)

	state := queue.NewStateManager(cfg.Queue.MaxQueueSize, mm)
	downloads := progress.NewTracker()
	compressions := progress.NewTracker()
	fetcher := httpfetch.New(downloads, os.TempDir())

	maxDownload := int64(cfg.Queue.MaxDownloadMB) * 1024 * 1024
	process := func(ctx context.Context, item *domain.QueueItem) error {
		if store.IsArchived(ctx, item.URL) {
			log.Debug().Str("url", item.URL).Msg("already archived, skipping download")
			return nil
		}
		file, err := fetcher.Download(ctx, item.URL, port.FetchConstraints{MaxSizeBytes: maxDownload})
		if err != nil {
			return err
		}
		defer func() {
			_ = os.Remove(file.Path)
			downloads.Remove(item.URL)
		}()

		store.Add(ctx, &domain.ArchivedVideo{
			OriginalURL: item.URL,
			MessageID:   item.MessageID,
			ChannelID:   item.ChannelID,
			GuildID:     item.GuildID,
			Metadata: domain.FileMetadata{
				FileSize: file.Size,
				Format:   file.Format,
			},
		})
		return nil
	}

	procCtx, procCancel := context.WithCancel(context.Background())
	defer procCancel()

	processor := queue.NewProcessor(queue.ProcessorConfig{
		Strategy:      strategy,
		MaxConcurrent: cfg.Processor.MaxConcurrent,
		BatchSize:     cfg.Processor.BatchSize,
		MaxRetries:    cfg.Processor.MaxRetries,
		RetryDelay:    cfg.Processor.RetryDelay,
		ItemTimeout:   cfg.Processor.ItemTimeout,
	}, state, mm, exported, process)
	if err := processor.Start(procCtx); err != nil {
		log.Error().Err(err).Msg("failed to start processor")
		os.Exit(1)
	}

	// Retention cleanup plus a metrics snapshot, hourly.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := store.CleanupOldRecords(context.Background(), cfg.Database.RetentionDays)
				if err != nil {
					log.Error().Err(err).Msg("retention cleanup failed")
				} else if n > 0 {
					log.Info().Int64("deleted", n).Msg("retention cleanup done")
				}
				if err := mm.Save(metricsPath); err != nil {
					log.Error().Err(err).Msg("metrics snapshot failed")
				}
			case <-procCtx.Done():
				return
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /enqueue", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL       string `json:"url"`
			GuildID   string `json:"guild_id"`
			ChannelID string `json:"channel_id"`
			MessageID string `json:"message_id"`
			AuthorID  string `json:"author_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		item := domain.NewQueueItem(req.URL, req.GuildID, req.ChannelID, req.MessageID, req.AuthorID)
		if err := state.Enqueue(item); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		go func() {
			res := <-item.Done()
			log.Info().Str("url", res.URL).Bool("success", res.Success).
				Bool("cancelled", res.Cancelled).Int("attempts", res.Attempts).
				Str("error", res.Error).Msg("item resolved")
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"id": item.ID})
	})

	mux.HandleFunc("GET /queue/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, state.Status(r.URL.Query().Get("guild_id")))
	})
	mux.HandleFunc("DELETE /queue/guild/{id}", func(w http.ResponseWriter, r *http.Request) {
		cleared := state.ClearGuild(r.PathValue("id"))
		writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
	})
	mux.HandleFunc("GET /processor/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, processor.Stats())
	})
	mux.HandleFunc("GET /queue/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mm.Snapshot())
	})
	mux.HandleFunc("GET /progress", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"downloads":    downloads.Snapshot(),
			"compressions": compressions.Snapshot(),
		})
	})
	mux.HandleFunc("GET /db/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, store.PoolStats())
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown error")
		}

		// Reject new work, cancel what is pending, then stop workers.
		state.Shutdown()
		processor.Stop()

		if err := mm.Save(metricsPath); err != nil {
			log.Error().Err(err).Msg("final metrics snapshot failed")
		}
		log.Info().Msg("shutdown complete")
	}()

	log.Info().Str("addr", addr).Msg("status server listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
