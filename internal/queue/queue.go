// Package queue is the durable ingestion pipeline: a FIFO of pending tool
// outputs persisted in the store, a single-flight batch processor that runs
// compression and dedup, and a crash-recovery sweep that returns abandoned
// rows to pending. Processing is at-least-once; call-id uniqueness plus
// dedup make outcomes effectively exactly-once at the observation level.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/clopca/open-mem/internal/compress"
	"github.com/clopca/open-mem/internal/dedup"
	"github.com/clopca/open-mem/internal/eventbus"
	"github.com/clopca/open-mem/internal/idgen"
	"github.com/clopca/open-mem/internal/lineage"
	"github.com/clopca/open-mem/internal/llm"
	"github.com/clopca/open-mem/internal/redact"
	"github.com/clopca/open-mem/internal/storage"
	"github.com/clopca/open-mem/internal/telemetry"
	"github.com/clopca/open-mem/internal/types"
)

// Mode selects who performs batch processing.
type Mode string

const (
	// ModeInProcess runs batches on this process's timer.
	ModeInProcess Mode = "in-process"
	// ModeEnqueueOnly writes pending rows and nudges a sidecar daemon;
	// ProcessBatch is a no-op.
	ModeEnqueueOnly Mode = "enqueue-only"
)

// StaleThreshold is how long a row may sit in processing before recovery
// assumes its owner died.
const StaleThreshold = 5 * time.Minute

// Options tune the queue per the live configuration.
type Options struct {
	BatchSize       int
	BatchInterval   time.Duration
	MinOutputLength int
}

// Queue owns pending-job state transitions.
type Queue struct {
	store      storage.Store
	compressor *compress.Compressor
	resolver   *dedup.Resolver
	lineage    *lineage.Manager
	embedder   llm.Embedder
	redactor   *redact.Redactor
	bus        *eventbus.Bus

	// postCommit runs best-effort after an observation lands (entity
	// extraction). Never blocks or fails the batch.
	postCommit func(ctx context.Context, obs *types.Observation)

	mu         sync.Mutex
	opts       Options
	mode       Mode
	notify     func() // fired on enqueue in enqueue-only mode
	processing bool
	timerStop  chan struct{}
	timerDone  sync.WaitGroup
}

var queueMetrics struct {
	batches   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	recovered metric.Int64Counter
}

var queueMetricsOnce sync.Once

func initQueueMetrics() {
	m := telemetry.Meter("github.com/clopca/open-mem/queue")
	queueMetrics.batches, _ = m.Int64Counter("openmem.queue.batches",
		metric.WithDescription("Batches processed"))
	queueMetrics.completed, _ = m.Int64Counter("openmem.queue.jobs_completed",
		metric.WithDescription("Pending jobs completed"))
	queueMetrics.failed, _ = m.Int64Counter("openmem.queue.jobs_failed",
		metric.WithDescription("Pending jobs terminally failed"))
	queueMetrics.recovered, _ = m.Int64Counter("openmem.queue.jobs_recovered",
		metric.WithDescription("Stale processing jobs returned to pending"))
}

// New wires the queue. embedder may be nil (no vectors); bus may be nil
// (no signals); redactor may be nil (no redaction configured).
func New(store storage.Store, compressor *compress.Compressor, resolver *dedup.Resolver,
	lin *lineage.Manager, embedder llm.Embedder, redactor *redact.Redactor,
	bus *eventbus.Bus, opts Options) *Queue {

	queueMetricsOnce.Do(initQueueMetrics)
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = 30 * time.Second
	}
	if redactor == nil {
		redactor = redact.New(nil)
	}
	return &Queue{
		store:      store,
		compressor: compressor,
		resolver:   resolver,
		lineage:    lin,
		embedder:   embedder,
		redactor:   redactor,
		bus:        bus,
		opts:       opts,
		mode:       ModeInProcess,
	}
}

// SetOptions applies live config changes.
func (q *Queue) SetOptions(opts Options) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if opts.BatchSize > 0 {
		q.opts.BatchSize = opts.BatchSize
	}
	if opts.BatchInterval > 0 {
		q.opts.BatchInterval = opts.BatchInterval
	}
	q.opts.MinOutputLength = opts.MinOutputLength
}

// SetPostCommit installs the best-effort post-commit hook.
func (q *Queue) SetPostCommit(fn func(ctx context.Context, obs *types.Observation)) {
	q.postCommit = fn
}

// SetMode switches processing ownership. Entering enqueue-only stops the
// timer; notify is invoked after every enqueue so the daemon can wake up.
func (q *Queue) SetMode(mode Mode, notify func()) {
	q.mu.Lock()
	q.mode = mode
	q.notify = notify
	q.mu.Unlock()
	if mode == ModeEnqueueOnly {
		q.Stop()
	}
}

// Mode returns the current processing mode.
func (q *Queue) Mode() Mode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mode
}

// Enqueue validates and persists one raw tool output. Duplicate
// (session id, call id) submissions are silently dropped. Output is redacted
// before it ever touches disk.
func (q *Queue) Enqueue(ctx context.Context, sessionID, toolName, output, callID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if toolName == "" {
		return fmt.Errorf("tool name is required")
	}
	if callID == "" {
		return fmt.Errorf("call id is required")
	}

	if _, err := q.store.EnsureSession(ctx, sessionID, "", time.Now().UTC()); err != nil {
		return err
	}

	job := &types.PendingJob{
		ID:        idgen.New(idgen.PrefixJob, sessionID, callID),
		SessionID: sessionID,
		Tool:      toolName,
		Output:    q.redactor.Apply(output),
		CallID:    callID,
	}
	err := q.store.EnqueueJob(ctx, job)
	if errors.Is(err, storage.ErrDuplicateCallID) {
		slog.Debug("dropping duplicate tool call", "session_id", sessionID, "call_id", callID)
		return nil
	}
	if err != nil {
		return err
	}

	q.mu.Lock()
	notify := q.notify
	enqueueOnly := q.mode == ModeEnqueueOnly
	q.mu.Unlock()
	if enqueueOnly && notify != nil {
		notify()
	}
	return nil
}

// Recover returns stale processing rows to pending. Called on startup and
// before every timer batch.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n, err := q.store.RecoverStaleJobs(ctx, StaleThreshold)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		countAdd(ctx, queueMetrics.recovered, int64(n))
		slog.Info("recovered stale jobs", "count", n)
	}
	return n, nil
}

// ProcessBatch claims up to batchSize pending rows and runs each through
// compression, dedup, and the store. At most one call runs per process;
// concurrent calls return 0. Returns how many jobs reached a terminal state.
func (q *Queue) ProcessBatch(ctx context.Context) (int, error) {
	q.mu.Lock()
	if q.mode == ModeEnqueueOnly {
		q.mu.Unlock()
		return 0, nil
	}
	if q.processing {
		q.mu.Unlock()
		return 0, nil
	}
	q.processing = true
	batchSize := q.opts.BatchSize
	interval := q.opts.BatchInterval
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	// Soft deadline so a slow provider call cannot starve the timer.
	deadline := 2 * interval
	if deadline < 30*time.Second {
		deadline = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	jobs, err := q.store.ClaimPendingJobs(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim batch: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	countAdd(ctx, queueMetrics.batches, 1)
	done := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			// Cancellation leaves remaining rows in processing; recovery
			// returns them to pending later.
			break
		}
		if err := q.processJob(ctx, job); err != nil {
			// Storage-level failure: abort the batch, stale rows recover on
			// next start. Per-item provider failures never reach here.
			return done, err
		}
		done++
	}
	return done, nil
}

// processJob takes one claimed job to a terminal state. Provider failures
// are isolated per item: they fail or fall back this row only.
func (q *Queue) processJob(ctx context.Context, job *types.PendingJob) error {
	log := slog.With("job_id", job.ID, "session_id", job.SessionID, "tool", job.Tool)

	// Too-short outputs create no observation at all.
	q.mu.Lock()
	minLen := q.opts.MinOutputLength
	q.mu.Unlock()
	if len(job.Output) < minLen {
		log.Debug("output below minimum length, completing without observation")
		countAdd(ctx, queueMetrics.completed, 1)
		return q.store.CompleteJob(ctx, job.ID)
	}

	draft, err := q.compressor.Compress(ctx, job.Tool, job.Output, q.sessionContext(ctx, job.SessionID))
	if err != nil {
		if llm.IsConfig(err) {
			// Config errors surface immediately and never retry.
			log.Warn("compression config error", "error", err)
			countAdd(ctx, queueMetrics.failed, 1)
			if ferr := q.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
				return ferr
			}
			return nil
		}
		if ctx.Err() != nil {
			// Cancelled mid-call: leave the row in processing for recovery.
			return nil
		}
		// Transient errors already exhausted their in-call retries; take
		// the fallback path rather than losing the output.
		log.Warn("compression failed, using fallback observation", "error", err)
		draft = nil
	}
	if draft == nil {
		draft = compress.Fallback(job.Tool, job.Output)
	}

	draft.SessionID = job.SessionID
	draft.Tool = job.Tool
	if draft.ID == "" {
		draft.ID = idgen.New(idgen.PrefixObservation, job.SessionID, job.CallID, draft.Title)
	}
	draft.TokenCount = types.EstimateTokens(draft.EmbeddingText())

	var emb *types.Embedding
	if q.embedder != nil && q.embedder.Dimension() > 0 {
		vec, err := q.embedder.Embed(ctx, draft.EmbeddingText())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Absence of a vector is allowed; dedup and KNN just skip.
			log.Warn("embedding failed, storing without vector", "error", err)
		} else {
			emb = &types.Embedding{ObservationID: draft.ID, Vector: vec, Model: q.embedder.Model()}
		}
	}

	outcome := &dedup.Outcome{Action: dedup.ActionCreate}
	if q.resolver != nil && emb != nil {
		outcome, err = q.resolver.Resolve(ctx, draft, emb.Vector)
		if err != nil {
			return err
		}
	}

	switch outcome.Action {
	case dedup.ActionSkip:
		log.Debug("draft duplicates an existing observation, skipping",
			"cosine", outcome.TopCosine)
		countAdd(ctx, queueMetrics.completed, 1)
		return q.store.CompleteJob(ctx, job.ID)

	case dedup.ActionSupersede:
		if err := q.commitObservation(ctx, draft, emb); err != nil {
			return err
		}
		if err := q.lineage.Supersede(ctx, outcome.SupersedeID, draft.ID); err != nil {
			// Conflict: the target stopped being current between the read
			// and the write. Downgrade to plain create.
			log.Warn("supersede target no longer current, keeping plain create",
				"target", outcome.SupersedeID, "error", err)
		}

	default:
		if err := q.commitObservation(ctx, draft, emb); err != nil {
			return err
		}
	}

	countAdd(ctx, queueMetrics.completed, 1)
	if err := q.store.CompleteJob(ctx, job.ID); err != nil {
		return err
	}

	if q.postCommit != nil {
		q.postCommit(ctx, draft)
	}
	return nil
}

// sessionContext summarizes the session's most recent observations so the
// compressor can avoid re-stating what is already remembered. Best-effort.
func (q *Queue) sessionContext(ctx context.Context, sessionID string) string {
	recent, err := q.store.ListObservations(ctx, types.ObservationFilter{SessionID: sessionID, Limit: 3})
	if err != nil || len(recent) == 0 {
		return ""
	}
	var b strings.Builder
	for _, obs := range recent {
		fmt.Fprintf(&b, "- [%s] %s\n", obs.Type, obs.Title)
	}
	return b.String()
}

// commitObservation writes the row and announces it. The bus publish happens
// after the commit and can never fail the write path.
func (q *Queue) commitObservation(ctx context.Context, obs *types.Observation, emb *types.Embedding) error {
	if err := q.store.CreateObservation(ctx, obs, emb); err != nil {
		return err
	}
	if err := q.store.IncrementObservationCount(ctx, obs.SessionID); err != nil {
		slog.Warn("failed to bump session observation count", "session_id", obs.SessionID, "error", err)
	}
	if q.bus != nil {
		q.bus.Publish(eventbus.Message{
			Topic:     eventbus.TopicObservationCreated,
			SessionID: obs.SessionID,
			RecordID:  obs.ID,
		})
	}
	return nil
}

// Start launches the periodic timer. Recovery runs before each batch.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.timerStop != nil {
		q.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	q.timerStop = stop
	interval := q.opts.BatchInterval
	q.mu.Unlock()

	q.timerDone.Add(1)
	go func() {
		defer q.timerDone.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.Recover(ctx); err != nil {
					slog.Error("job recovery failed", "error", err)
				}
				if _, err := q.ProcessBatch(ctx); err != nil {
					slog.Error("batch processing failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the timer. Safe to call repeatedly or without Start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.timerStop != nil {
		close(q.timerStop)
		q.timerStop = nil
	}
	q.mu.Unlock()
	q.timerDone.Wait()
}

// countAdd increments an instrument, tolerating a nil counter when meter
// initialization failed.
func countAdd(ctx context.Context, c metric.Int64Counter, n int64) {
	if c != nil {
		c.Add(ctx, n)
	}
}
