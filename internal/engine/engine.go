// Package engine wires the memory pipeline together: store, queue, search,
// summarizer, and context assembler behind one facade the CLI and host
// adapters drive. It also owns daemon-liveness polling and the maintenance
// verbs.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/clopca/open-mem/internal/compress"
	"github.com/clopca/open-mem/internal/config"
	"github.com/clopca/open-mem/internal/contextpack"
	"github.com/clopca/open-mem/internal/daemon"
	"github.com/clopca/open-mem/internal/dedup"
	"github.com/clopca/open-mem/internal/entity"
	"github.com/clopca/open-mem/internal/eventbus"
	"github.com/clopca/open-mem/internal/idgen"
	"github.com/clopca/open-mem/internal/lineage"
	"github.com/clopca/open-mem/internal/llm"
	"github.com/clopca/open-mem/internal/queue"
	"github.com/clopca/open-mem/internal/redact"
	"github.com/clopca/open-mem/internal/search"
	"github.com/clopca/open-mem/internal/storage"
	"github.com/clopca/open-mem/internal/storage/sqlite"
	"github.com/clopca/open-mem/internal/summarize"
	"github.com/clopca/open-mem/internal/types"
)

// fallbackModel backs the provider chain behind the configured model. On
// transient primary failure the chain moves here; config errors fail fast.
const fallbackModel = "claude-haiku-4-5"

// defaultEmbeddingModel is the local embedding model when vectors are on.
const defaultEmbeddingModel = "nomic-embed-text"

// providerRPM is the shared token-bucket budget per provider.
const providerRPM = 50

// Engine is the assembled memory system for one project.
type Engine struct {
	cfg       *config.Loader
	store     *sqlite.SQLiteStorage
	userStore *sqlite.SQLiteStorage // nil unless user-memory.db exists
	bus       *eventbus.Bus
	queue     *queue.Queue
	lineage   *lineage.Manager
	searcher  *search.Engine
	assembler *contextpack.Assembler
	summarize *summarize.Summarizer

	compressor *compress.Compressor
	resolver   *dedup.Resolver
	redactor   *redact.Redactor
	extractor  *entity.Extractor
	embedder   llm.Embedder

	daemonServer *daemon.Server // non-nil when this process is the daemon
	watchStop    chan struct{}
}

// Open builds the engine from configuration. The store is created if absent;
// LLM capabilities degrade to nil when disabled or unconfigured.
func Open(ctx context.Context, loader *config.Loader) (*Engine, error) {
	cfg := loader.Current()

	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	var userStore *sqlite.SQLiteStorage
	if _, statErr := os.Stat(cfg.UserMemoryDBPath()); statErr == nil {
		userStore, err = sqlite.New(ctx, cfg.UserMemoryDBPath())
		if err != nil {
			slog.Warn("failed to open user-memory store, continuing without it", "error", err)
			userStore = nil
		}
	}

	e := &Engine{
		cfg:      loader,
		store:    store,
		userStore: userStore,
		bus:      eventbus.New(),
		lineage:  lineage.New(store),
		redactor: redact.New(cfg.SensitivePatterns),
	}

	completer, embedder := e.buildCapabilities(cfg)
	e.embedder = embedder

	e.compressor = compress.New(completer, compress.Options{
		Enabled:         cfg.CompressionEnabled,
		MinOutputLength: cfg.MinOutputLength,
		MaxTokens:       cfg.MaxTokensPerCompression,
	})
	e.resolver = dedup.New(store, completer, dedup.Options{
		Enabled:  cfg.ConflictResolutionEnabled,
		LowBand:  cfg.ConflictSimilarityBandLow,
		HighBand: cfg.ConflictSimilarityBandHigh,
	})

	e.queue = queue.New(store, e.compressor, e.resolver, e.lineage, embedder, e.redactor, e.bus, queue.Options{
		BatchSize:       cfg.BatchSize,
		BatchInterval:   time.Duration(cfg.BatchIntervalMs) * time.Millisecond,
		MinOutputLength: cfg.MinOutputLength,
	})

	var reranker llm.Completer
	if cfg.RerankingEnabled {
		reranker = completer
	}
	var userStoreIface storage.Store
	if userStore != nil {
		userStoreIface = userStore
	}
	e.searcher = search.New(store, userStoreIface, embedder, reranker, search.Options{
		GraphEnabled:  cfg.EntityExtractionEnabled,
		RerankEnabled: cfg.RerankingEnabled,
	})

	e.assembler = contextpack.New(store, e.searcher, contextpack.Options{
		MaxObservations:  cfg.MaxObservations,
		MaxIndexEntries:  cfg.MaxIndexEntries,
		FullBodyCount:    cfg.ContextFullObservationCount,
		MaxContextTokens: cfg.MaxContextTokens,
	})
	e.summarize = summarize.New(store, completer)

	if cfg.EntityExtractionEnabled {
		e.extractor = entity.New(store)
		e.queue.SetPostCommit(func(ctx context.Context, obs *types.Observation) {
			e.extractor.Extract(ctx, obs)
		})
	}

	loader.OnChange(e.applyConfig)
	return e, nil
}

// buildCapabilities constructs the completion chain and embedder per config.
// Either may be nil.
func (e *Engine) buildCapabilities(cfg *config.Config) (llm.Completer, llm.Embedder) {
	var completer llm.Completer
	if cfg.CompressionEnabled {
		limiter := llm.NewLimiter(providerRPM, cfg.RateLimitEnabled)
		primary, err := llm.NewAnthropicClient(cfg.APIKey, cfg.Model, limiter)
		if err != nil {
			slog.Warn("completion capability unavailable", "error", err)
		} else if cfg.Model == fallbackModel {
			completer = primary
		} else {
			secondary, err := llm.NewAnthropicClient(cfg.APIKey, fallbackModel, limiter)
			if err == nil {
				chain, cerr := llm.NewChain(
					[]string{cfg.Model, fallbackModel},
					[]llm.Completer{primary, secondary},
				)
				if cerr == nil {
					completer = chain
				} else {
					completer = primary
				}
			} else {
				completer = primary
			}
		}
	}

	var embedder llm.Embedder
	if cfg.EmbeddingsEnabled() {
		embedLimiter := llm.NewLimiter(providerRPM*4, cfg.RateLimitEnabled)
		embedder = llm.NewOllamaEmbedder("", defaultEmbeddingModel, cfg.EmbeddingDimension, embedLimiter)
	}
	return completer, embedder
}

// applyConfig pushes live-apply keys into running components.
func (e *Engine) applyConfig(cfg *config.Config) {
	e.compressor.SetOptions(compress.Options{
		Enabled:         cfg.CompressionEnabled,
		MinOutputLength: cfg.MinOutputLength,
		MaxTokens:       cfg.MaxTokensPerCompression,
	})
	e.resolver.SetOptions(dedup.Options{
		Enabled:  cfg.ConflictResolutionEnabled,
		LowBand:  cfg.ConflictSimilarityBandLow,
		HighBand: cfg.ConflictSimilarityBandHigh,
	})
	e.queue.SetOptions(queue.Options{
		BatchSize:       cfg.BatchSize,
		BatchInterval:   time.Duration(cfg.BatchIntervalMs) * time.Millisecond,
		MinOutputLength: cfg.MinOutputLength,
	})
	e.searcher.SetOptions(search.Options{
		GraphEnabled:  cfg.EntityExtractionEnabled,
		RerankEnabled: cfg.RerankingEnabled,
	})
	e.assembler.SetOptions(contextpack.Options{
		MaxObservations:  cfg.MaxObservations,
		MaxIndexEntries:  cfg.MaxIndexEntries,
		FullBodyCount:    cfg.ContextFullObservationCount,
		MaxContextTokens: cfg.MaxContextTokens,
	})
	e.redactor = redact.New(cfg.SensitivePatterns)
}

// HandleEvent ingests one normalized host event.
func (e *Engine) HandleEvent(ctx context.Context, ev *types.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	switch ev.Kind {
	case types.EventSessionStart:
		_, err := e.store.EnsureSession(ctx, ev.SessionID, "", ev.OccurredAt)
		return err

	case types.EventIdleFlush:
		if _, err := e.store.EnsureSession(ctx, ev.SessionID, "", ev.OccurredAt); err != nil {
			return err
		}
		return e.store.SetSessionStatus(ctx, ev.SessionID, types.SessionIdle, nil)

	case types.EventSessionEnd:
		return e.endSession(ctx, ev)

	case types.EventToolExecute:
		return e.queue.Enqueue(ctx, ev.SessionID, ev.Tool, ev.Output, ev.CallID)

	case types.EventChatMessage:
		return e.recordChatMessage(ctx, ev)
	}
	return nil
}

func (e *Engine) endSession(ctx context.Context, ev *types.Event) error {
	if _, err := e.store.EnsureSession(ctx, ev.SessionID, "", ev.OccurredAt); err != nil {
		return err
	}
	ended := ev.OccurredAt
	if err := e.store.SetSessionStatus(ctx, ev.SessionID, types.SessionCompleted, &ended); err != nil {
		return err
	}

	// Drain the session's pending work before summarizing.
	if _, err := e.queue.ProcessBatch(ctx); err != nil {
		slog.Warn("final batch failed on session end", "session_id", ev.SessionID, "error", err)
	}
	if _, err := e.summarize.SummarizeSession(ctx, ev.SessionID); err != nil {
		slog.Warn("session summarization failed", "session_id", ev.SessionID, "error", err)
	}

	e.bus.Publish(eventbus.Message{Topic: eventbus.TopicSessionEnded, SessionID: ev.SessionID})
	return nil
}

// minChatLength is the floor below which user messages are not memorable.
const minChatLength = 20

// recordChatMessage stores qualifying user messages directly as discovery
// observations; no compression pass is needed for already-written prose.
func (e *Engine) recordChatMessage(ctx context.Context, ev *types.Event) error {
	if ev.Role != "user" || len(ev.Text) < minChatLength {
		return nil
	}
	if _, err := e.store.EnsureSession(ctx, ev.SessionID, "", ev.OccurredAt); err != nil {
		return err
	}

	text := e.redactor.Apply(ev.Text)
	title := text
	if idx := strings.IndexByte(title, '\n'); idx > 0 {
		title = title[:idx]
	}
	if len(title) > 80 {
		title = title[:80]
	}

	obs := &types.Observation{
		ID:         idgen.New(idgen.PrefixObservation, ev.SessionID, text),
		SessionID:  ev.SessionID,
		Type:       types.TypeDiscovery,
		Title:      title,
		Narrative:  text,
		Importance: types.DefaultImportance,
		CreatedAt:  ev.OccurredAt,
	}
	obs.TokenCount = types.EstimateTokens(obs.EmbeddingText())
	if err := e.store.CreateObservation(ctx, obs, nil); err != nil {
		return err
	}
	if err := e.store.IncrementObservationCount(ctx, ev.SessionID); err != nil {
		slog.Warn("failed to bump session observation count", "error", err)
	}
	e.bus.Publish(eventbus.Message{
		Topic:     eventbus.TopicObservationCreated,
		SessionID: ev.SessionID,
		RecordID:  obs.ID,
	})
	return nil
}

// Search exposes hybrid retrieval.
func (e *Engine) Search(ctx context.Context, query string, filter types.ObservationFilter, limit int) ([]*search.Result, error) {
	return e.searcher.Search(ctx, query, filter, limit)
}

// AssembleContext builds the injection blob for a session.
func (e *Engine) AssembleContext(ctx context.Context, sessionID, focus string) (*contextpack.Pack, error) {
	return e.assembler.Assemble(ctx, sessionID, focus)
}

// Lineage exposes the lineage manager.
func (e *Engine) Lineage() *lineage.Manager { return e.lineage }

// Store exposes the project store for read paths (CLI, dashboard).
func (e *Engine) Store() storage.Store { return e.store }

// Queue exposes the ingestion queue.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Bus exposes the event bus for SSE surfaces.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Start recovers stale jobs and launches the queue timer (in-process mode).
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.queue.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	e.queue.Start(ctx)
	return nil
}

// Close shuts everything down. Safe after partial initialization.
func (e *Engine) Close() error {
	if e.watchStop != nil {
		close(e.watchStop)
		e.watchStop = nil
	}
	e.queue.Stop()
	if e.daemonServer != nil {
		e.daemonServer.Close()
	}
	e.bus.Close()
	if e.userStore != nil {
		_ = e.userStore.Close()
	}
	return e.store.Close()
}
