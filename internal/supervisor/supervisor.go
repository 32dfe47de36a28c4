// Package supervisor owns process lifecycle (C7): bind, spawn the
// aggregator and HTTP listener, and coordinate graceful or hard shutdown.
// Grounded on original_source/src/app.rs's App::run orchestration
// (connect store -> ensure schema -> spawn aggregator -> spawn proxy ->
// run dashboard -> graceful shutdown) translated into Go's context/signal
// idiom, in the style of the teacher's StartProxyInstance goroutine+
// http.Server pattern in proxy.go/main.go.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/JettChenT/llmproxy-go/internal/config"
	"github.com/JettChenT/llmproxy-go/internal/ingest"
	"github.com/JettChenT/llmproxy-go/internal/pricing"
	"github.com/JettChenT/llmproxy-go/internal/proxy"
	"github.com/JettChenT/llmproxy-go/internal/reqlog"
	"github.com/JettChenT/llmproxy-go/internal/store"
	"github.com/JettChenT/llmproxy-go/internal/usage"
)

// Supervisor owns the HTTP listener, the store, the aggregator, and
// (optionally) the request logger, and coordinates their shutdown.
type Supervisor struct {
	cfg    *config.Config
	logger zerolog.Logger

	Store         *store.Store
	AggregatorTx  usage.Sender
	aggregator    *usage.Handle
	RequestLogger *reqlog.Logger
	server        *http.Server

	ingestOffsets *ingest.OffsetStore
	ingestStop    chan struct{}
	ingestDone    chan struct{}
}

// New wires the C1/C2/C5/C6 components per the configuration, but does
// not yet start listening. Setup errors here are fatal (spec.md §7).
func New(cfg *config.Config, logger zerolog.Logger) (*Supervisor, error) {
	s, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := s.EnsureSchema(context.Background()); err != nil {
		s.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	var prices []store.Price
	for _, m := range cfg.Pricing.Models {
		prices = append(prices, store.Price{
			Model:             m.Model,
			EffectiveFrom:     m.EffectiveFrom,
			Currency:          m.Currency,
			PromptPer1M:       m.PromptPer1M,
			CachedPromptPer1M: m.CachedPromptPer1M,
			CompletionPer1M:   m.CompletionPer1M,
		})
	}
	if len(prices) > 0 {
		if err := s.SeedPricesIfEmpty(context.Background(), prices); err != nil {
			s.Close()
			return nil, fmt.Errorf("seed prices: %w", err)
		}
	}

	table := pricing.DefaultTable()
	for _, m := range cfg.Pricing.Models {
		table.Set(m.Model, pricing.Rate{
			PromptPer1M:       m.PromptPer1M,
			CachedPromptPer1M: m.CachedPromptPer1M,
			CompletionPer1M:   m.CompletionPer1M,
		})
	}

	aggregatorHandle, tx := usage.Spawn(s, 1024, logger)

	var reqLogger *reqlog.Logger
	if cfg.Server.RequestLogPath != "" {
		reqLogger, err = reqlog.Open(cfg.Server.RequestLogPath, logger)
		if err != nil {
			aggregatorHandle.Abort()
			s.Close()
			return nil, fmt.Errorf("open request logger: %w", err)
		}
	}

	modelsDev := pricing.NewModelsDevSource()
	modelsDev.Load()

	handler := proxy.New(cfg.Server.UpstreamBaseURL, cfg.Server.PublicBasePath, tx, table, modelsDev, reqLogger, logger)

	mux := http.NewServeMux()
	mux.Handle("/", handler)

	sup := &Supervisor{
		cfg:           cfg,
		logger:        logger,
		Store:         s,
		AggregatorTx:  tx,
		aggregator:    aggregatorHandle,
		RequestLogger: reqLogger,
		server:        &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux},
	}

	if cfg.Ingest.SessionLogPath != "" {
		offsets, err := ingest.OpenOffsetStore(cfg.Ingest.OffsetStoreDir)
		if err != nil {
			aggregatorHandle.Abort()
			if reqLogger != nil {
				reqLogger.Close()
			}
			s.Close()
			return nil, fmt.Errorf("open ingest offset store: %w", err)
		}
		sup.ingestOffsets = offsets
		sup.ingestStop = make(chan struct{})
		sup.ingestDone = make(chan struct{})

		tailer := ingest.NewTailer(cfg.Ingest.SessionLogPath, offsets, tx, logger)
		interval := time.Duration(cfg.Ingest.PollIntervalSeconds) * time.Second
		go func() {
			defer close(sup.ingestDone)
			ingest.Run(tailer, interval, sup.ingestStop)
		}()
	}

	return sup, nil
}

// Run binds the listener and serves until ctx is canceled, then performs
// the graceful shutdown sequence: stop accepting connections, drain
// in-flight handlers, close the aggregator sender, wait for it to drain,
// then close the request logger.
func (s *Supervisor) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Server.ListenAddr).Msg("listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		s.shutdownCollaborators(false)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("graceful HTTP shutdown failed, forcing close")
		s.server.Close()
	}
	<-errCh

	s.shutdownCollaborators(true)
	return nil
}

func (s *Supervisor) shutdownCollaborators(graceful bool) {
	if s.ingestStop != nil {
		close(s.ingestStop)
		<-s.ingestDone
	}

	if graceful {
		close(s.AggregatorTx)
		s.aggregator.Wait()
	} else {
		s.aggregator.Abort()
	}

	if s.RequestLogger != nil {
		s.RequestLogger.Close()
	}
	if s.ingestOffsets != nil {
		s.ingestOffsets.Close()
	}
	s.Store.Close()
}
