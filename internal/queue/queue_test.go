package queue

import (
	"context"
	"testing"
	"time"

	"github.com/clopca/open-mem/internal/compress"
	"github.com/clopca/open-mem/internal/dedup"
	"github.com/clopca/open-mem/internal/eventbus"
	"github.com/clopca/open-mem/internal/idgen"
	"github.com/clopca/open-mem/internal/lineage"
	"github.com/clopca/open-mem/internal/llm"
	"github.com/clopca/open-mem/internal/storage/sqlite"
	"github.com/clopca/open-mem/internal/types"
)

// fakeEmbedder returns a fixed vector for every input.
type fakeEmbedder struct {
	vec []float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, nil
}
func (f *fakeEmbedder) Dimension() int { return len(f.vec) }
func (f *fakeEmbedder) Model() string  { return "fake" }

type fixture struct {
	store *sqlite.SQLiteStorage
	queue *Queue
	bus   *eventbus.Bus
}

// newFixture wires a full pipeline over a temp store. completer/adjudicator
// may be nil; embedVec nil disables vectors.
func newFixture(t *testing.T, completer llm.Completer, adjudicator llm.Completer, embedVec []float32) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var embedder llm.Embedder
	if embedVec != nil {
		embedder = &fakeEmbedder{vec: embedVec}
	}

	compressor := compress.New(completer, compress.Options{
		Enabled:         completer != nil,
		MinOutputLength: 5,
	})
	resolver := dedup.New(store, adjudicator, dedup.Options{
		Enabled: true, LowBand: 0.70, HighBand: 0.92,
	})
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	q := New(store, compressor, resolver, lineage.New(store), embedder, nil, bus, Options{
		BatchSize:       10,
		BatchInterval:   time.Second,
		MinOutputLength: 5,
	})
	return &fixture{store: store, queue: q, bus: bus}
}

func completerReturning(text string) llm.Completer {
	return llm.CompleterFunc(func(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
		return text, nil
	})
}

func TestEnqueueIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	ctx := context.Background()

	if err := f.queue.Enqueue(ctx, "ses-1", "Read", "some long tool output", "call-1"); err != nil {
		t.Fatal(err)
	}
	// Same call id again: silently dropped.
	if err := f.queue.Enqueue(ctx, "ses-1", "Read", "some long tool output", "call-1"); err != nil {
		t.Fatal(err)
	}
	n, err := f.store.PendingJobCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pending count = %d, want 1", n)
	}

	done, err := f.queue.ProcessBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if done != 1 {
		t.Errorf("processed = %d, want 1", done)
	}
	obsCount, _ := f.store.CountObservations(ctx, types.ObservationFilter{})
	if obsCount != 1 {
		t.Errorf("observations = %d, want 1 (idempotent ingest)", obsCount)
	}
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	ctx := context.Background()
	if err := f.queue.Enqueue(ctx, "", "Read", "o", "c"); err == nil {
		t.Error("missing session id accepted")
	}
	if err := f.queue.Enqueue(ctx, "s", "", "o", "c"); err == nil {
		t.Error("missing tool accepted")
	}
	if err := f.queue.Enqueue(ctx, "s", "Read", "o", ""); err == nil {
		t.Error("missing call id accepted")
	}
}

func TestFallbackCompression(t *testing.T) {
	// Compression disabled: deterministic fallback observation.
	f := newFixture(t, nil, nil, nil)
	ctx := context.Background()

	output := "contents of src/a.ts and src/b.ts were examined in detail"
	if err := f.queue.Enqueue(ctx, "ses-1", "Read", output, "call-1"); err != nil {
		t.Fatal(err)
	}
	done, err := f.queue.ProcessBatch(ctx)
	if err != nil || done != 1 {
		t.Fatalf("ProcessBatch = %d, %v", done, err)
	}

	obs, err := f.store.ListObservations(ctx, types.ObservationFilter{})
	if err != nil || len(obs) != 1 {
		t.Fatalf("observations: %v %v", obs, err)
	}
	got := obs[0]
	if got.Type != types.TypeDiscovery || got.Title != "Read execution" {
		t.Errorf("fallback observation: %+v", got)
	}
	if got.Importance != 2 {
		t.Errorf("importance = %d, want 2", got.Importance)
	}
	if len(got.FilesRead) != 2 {
		t.Errorf("files read = %v, want src/a.ts and src/b.ts", got.FilesRead)
	}
	if got.SessionID != "ses-1" || got.Tool != "Read" {
		t.Errorf("identity fields: %+v", got)
	}

	ses, _ := f.store.GetSession(ctx, "ses-1")
	if ses.ObservationCount != 1 {
		t.Errorf("session observation count = %d", ses.ObservationCount)
	}
}

func TestShortOutputCreatesNothing(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	ctx := context.Background()

	if err := f.queue.Enqueue(ctx, "ses-1", "Read", "hi", "call-1"); err != nil {
		t.Fatal(err)
	}
	done, err := f.queue.ProcessBatch(ctx)
	if err != nil || done != 1 {
		t.Fatalf("ProcessBatch = %d, %v", done, err)
	}
	n, _ := f.store.CountObservations(ctx, types.ObservationFilter{})
	if n != 0 {
		t.Errorf("short output created %d observations", n)
	}
	counts, _ := f.store.JobCounts(ctx)
	if counts.Completed != 1 {
		t.Errorf("job not completed: %+v", counts)
	}
}

func TestDedupFastPathSkips(t *testing.T) {
	// Draft embeds to cosine ≈ 0.995 against the seeded observation: above
	// the high band, so the draft is discarded with no adjudication.
	draftText := "<type>discovery</type><title>uses JWT RS256 again</title>"
	f := newFixture(t, completerReturning(draftText), nil, []float32{1, 0.1, 0})
	ctx := context.Background()

	seeded := &types.Observation{
		ID: idgen.New(idgen.PrefixObservation, "seed"), SessionID: "ses-1",
		Type: types.TypeDiscovery, Title: "uses JWT RS256", Importance: 3,
	}
	if _, err := f.store.EnsureSession(ctx, "ses-1", "", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := f.store.CreateObservation(ctx, seeded, &types.Embedding{Vector: []float32{1, 0, 0}}); err != nil {
		t.Fatal(err)
	}

	if err := f.queue.Enqueue(ctx, "ses-1", "Read", "plenty of output about JWT", "call-1"); err != nil {
		t.Fatal(err)
	}
	done, err := f.queue.ProcessBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if done != 1 {
		t.Errorf("processed = %d, want 1", done)
	}

	n, _ := f.store.CountObservations(ctx, types.ObservationFilter{})
	if n != 1 {
		t.Errorf("observation count = %d, want 1 (duplicate skipped)", n)
	}
	counts, _ := f.store.JobCounts(ctx)
	if counts.Completed != 1 {
		t.Errorf("pending row should be completed: %+v", counts)
	}
}

func TestConflictUpdateSupersedes(t *testing.T) {
	f := newFixture(t, completerReturning("<type>discovery</type><title>JWT now uses RS256</title>"), nil, []float32{1, 0.67, 0})
	ctx := context.Background()

	if _, err := f.store.EnsureSession(ctx, "ses-1", "", time.Now()); err != nil {
		t.Fatal(err)
	}
	o1 := &types.Observation{
		ID: idgen.New(idgen.PrefixObservation, "seed"), SessionID: "ses-1",
		Type: types.TypeDiscovery, Title: "uses JWT HS256", Importance: 3,
	}
	if err := f.store.CreateObservation(ctx, o1, &types.Embedding{Vector: []float32{1, 0, 0}}); err != nil {
		t.Fatal(err)
	}

	// Adjudicator names o1 as the superseded revision (cosine ≈ 0.83, gray).
	adj := completerReturning(`{"verdict":"update","supersedes":"` + o1.ID + `"}`)
	f.queue.resolver.SetOptions(dedup.Options{Enabled: true, LowBand: 0.70, HighBand: 0.92})
	f.queue.resolver = dedup.New(f.store, adj, dedup.Options{Enabled: true, LowBand: 0.70, HighBand: 0.92})

	obsCh, cancel := f.bus.Subscribe(eventbus.TopicObservationCreated)
	defer cancel()

	if err := f.queue.Enqueue(ctx, "ses-1", "Read", "long output about JWT RS256 migration", "call-1"); err != nil {
		t.Fatal(err)
	}
	if done, err := f.queue.ProcessBatch(ctx); err != nil || done != 1 {
		t.Fatalf("ProcessBatch = %d, %v", done, err)
	}

	// o1 is superseded; the new revision is the only current row.
	got1, _ := f.store.GetObservation(ctx, o1.ID)
	if got1.SupersededBy == "" {
		t.Fatal("o1 not superseded")
	}
	o2ID := got1.SupersededBy

	current, _ := f.store.ListObservations(ctx, types.ObservationFilter{})
	if len(current) != 1 || current[0].ID != o2ID {
		t.Errorf("current set = %v, want only %s", current, o2ID)
	}

	hits, err := f.store.SearchObservations(ctx, "JWT", types.ObservationFilter{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		if h.Observation.ID == o1.ID {
			t.Error("search returned superseded row")
		}
	}

	chain, err := lineage.New(f.store).GetLineage(ctx, o2ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 || chain[0].ID != o1.ID || chain[1].ID != o2ID {
		t.Errorf("lineage = %v", chain)
	}

	// The observation-created signal fired after commit.
	select {
	case msg := <-obsCh:
		if msg.RecordID != o2ID {
			t.Errorf("bus message for %s, want %s", msg.RecordID, o2ID)
		}
	case <-time.After(time.Second):
		t.Error("no observation.created signal")
	}
}

func TestConfigErrorFailsRow(t *testing.T) {
	badKey := llm.CompleterFunc(func(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
		return "", llm.NewProviderError("anthropic", 401, "invalid api key")
	})
	f := newFixture(t, badKey, nil, nil)
	ctx := context.Background()

	if err := f.queue.Enqueue(ctx, "ses-1", "Read", "long enough tool output", "call-1"); err != nil {
		t.Fatal(err)
	}
	done, err := f.queue.ProcessBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if done != 1 {
		t.Errorf("processed = %d", done)
	}

	counts, _ := f.store.JobCounts(ctx)
	if counts.Failed != 1 {
		t.Fatalf("job counts = %+v, want 1 failed", counts)
	}
	if counts.LastError == "" {
		t.Error("failure reason missing")
	}
	n, _ := f.store.CountObservations(ctx, types.ObservationFilter{})
	if n != 0 {
		t.Errorf("config error still created %d observations", n)
	}
}

func TestTransientErrorTakesFallback(t *testing.T) {
	flaky := llm.CompleterFunc(func(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
		return "", llm.NewProviderError("anthropic", 503, "overloaded")
	})
	f := newFixture(t, flaky, nil, nil)
	ctx := context.Background()

	if err := f.queue.Enqueue(ctx, "ses-1", "Bash", "ran make test, saw output", "call-1"); err != nil {
		t.Fatal(err)
	}
	if done, err := f.queue.ProcessBatch(ctx); err != nil || done != 1 {
		t.Fatalf("ProcessBatch = %d, %v", done, err)
	}

	obs, _ := f.store.ListObservations(ctx, types.ObservationFilter{})
	if len(obs) != 1 || obs[0].Title != "Bash execution" {
		t.Errorf("fallback not taken: %v", obs)
	}
}

func TestProcessBatchSingleFlight(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	ctx := context.Background()
	if err := f.queue.Enqueue(ctx, "ses-1", "Read", "some long output text", "call-1"); err != nil {
		t.Fatal(err)
	}

	f.queue.mu.Lock()
	f.queue.processing = true
	f.queue.mu.Unlock()

	done, err := f.queue.ProcessBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if done != 0 {
		t.Errorf("concurrent ProcessBatch = %d, want 0", done)
	}

	f.queue.mu.Lock()
	f.queue.processing = false
	f.queue.mu.Unlock()

	if done, err := f.queue.ProcessBatch(ctx); err != nil || done != 1 {
		t.Errorf("after release: %d, %v", done, err)
	}
}

func TestEnqueueOnlyMode(t *testing.T) {
	f := newFixture(t, nil, nil, nil)
	ctx := context.Background()

	nudges := 0
	f.queue.SetMode(ModeEnqueueOnly, func() { nudges++ })

	if err := f.queue.Enqueue(ctx, "ses-1", "Read", "some long output text", "call-1"); err != nil {
		t.Fatal(err)
	}
	if nudges != 1 {
		t.Errorf("nudges = %d, want 1", nudges)
	}

	done, err := f.queue.ProcessBatch(ctx)
	if err != nil || done != 0 {
		t.Errorf("enqueue-only ProcessBatch = %d, %v, want 0", done, err)
	}

	// Back in-process: the pending row is picked up.
	f.queue.SetMode(ModeInProcess, nil)
	if done, err := f.queue.ProcessBatch(ctx); err != nil || done != 1 {
		t.Errorf("in-process ProcessBatch = %d, %v", done, err)
	}
}
