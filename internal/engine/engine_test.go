package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clopca/open-mem/internal/config"
	"github.com/clopca/open-mem/internal/types"
)

// newTestEngine opens an engine with vectors and compression off so no
// provider is dialed.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	raw := map[string]any{
		"compressionEnabled": false,
		"embeddingDimension": 0,
		"batchIntervalMs":    1000,
		"minOutputLength":    5,
	}
	data, _ := json.Marshal(raw)
	if err := os.WriteFile(filepath.Join(dir, config.ConfigFileName), data, 0o600); err != nil {
		t.Fatal(err)
	}

	loader, err := config.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(loader.Close)

	e, err := Open(context.Background(), loader)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEventLifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	events := []*types.Event{
		{Kind: types.EventSessionStart, SessionID: "ses-1"},
		{Kind: types.EventToolExecute, SessionID: "ses-1", Tool: "Read", CallID: "c1",
			Output: "read the contents of src/main.go carefully"},
		{Kind: types.EventToolExecute, SessionID: "ses-1", Tool: "Edit", CallID: "c2",
			Output: "edited src/main.go to fix the bug"},
	}
	for _, ev := range events {
		if err := e.HandleEvent(ctx, ev); err != nil {
			t.Fatalf("HandleEvent(%s): %v", ev.Kind, err)
		}
	}

	ses, err := e.store.GetSession(ctx, "ses-1")
	if err != nil {
		t.Fatal(err)
	}
	if ses.Status != types.SessionActive {
		t.Errorf("status = %s", ses.Status)
	}

	// Session end drains the queue and summarizes.
	if err := e.HandleEvent(ctx, &types.Event{Kind: types.EventSessionEnd, SessionID: "ses-1"}); err != nil {
		t.Fatal(err)
	}

	ses, _ = e.store.GetSession(ctx, "ses-1")
	if ses.Status != types.SessionCompleted || ses.EndedAt == nil {
		t.Errorf("session after end: %+v", ses)
	}
	if ses.ObservationCount != 2 {
		t.Errorf("observation count = %d, want 2", ses.ObservationCount)
	}

	sum, err := e.store.GetSummaryBySession(ctx, "ses-1")
	if err != nil {
		t.Fatalf("summary missing after session end: %v", err)
	}
	if sum.Summary == "" {
		t.Error("empty summary")
	}
}

func TestChatMessageRecorded(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// Too short: ignored.
	if err := e.HandleEvent(ctx, &types.Event{
		Kind: types.EventChatMessage, SessionID: "ses-1", Role: "user", Text: "short"}); err != nil {
		t.Fatal(err)
	}
	// Assistant role: ignored.
	if err := e.HandleEvent(ctx, &types.Event{
		Kind: types.EventChatMessage, SessionID: "ses-1", Role: "assistant",
		Text: "a long assistant message that is definitely over twenty characters"}); err != nil {
		t.Fatal(err)
	}
	// Qualifying user message: recorded as discovery.
	if err := e.HandleEvent(ctx, &types.Event{
		Kind: types.EventChatMessage, SessionID: "ses-1", Role: "user",
		Text: "please always use table-driven tests in this repo"}); err != nil {
		t.Fatal(err)
	}

	obs, err := e.store.ListObservations(ctx, types.ObservationFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != 1 {
		t.Fatalf("observations = %d, want 1", len(obs))
	}
	if obs[0].Type != types.TypeDiscovery {
		t.Errorf("type = %s", obs[0].Type)
	}
}

func TestChatMessageRedacted(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.HandleEvent(ctx, &types.Event{
		Kind: types.EventChatMessage, SessionID: "ses-1", Role: "user",
		Text: "my token is <private>sk-supersecret</private> keep that in mind"}); err != nil {
		t.Fatal(err)
	}
	obs, _ := e.store.ListObservations(ctx, types.ObservationFilter{})
	if len(obs) != 1 {
		t.Fatal("observation missing")
	}
	if bytes.Contains([]byte(obs[0].Narrative), []byte("supersecret")) {
		t.Error("private block persisted")
	}
}

func TestValidationErrorRejectedSynchronously(t *testing.T) {
	e := newTestEngine(t)
	err := e.HandleEvent(context.Background(), &types.Event{Kind: types.EventToolExecute, SessionID: "ses-1"})
	if err == nil {
		t.Error("invalid event accepted")
	}
	n, _ := e.store.PendingJobCount(context.Background())
	if n != 0 {
		t.Error("invalid event was enqueued")
	}
}

func TestCleanAndRebuild(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.HandleEvent(ctx, &types.Event{
		Kind: types.EventChatMessage, SessionID: "ses-1", Role: "user",
		Text: "a memorable fact that will be tombstoned shortly"}); err != nil {
		t.Fatal(err)
	}
	obs, _ := e.store.ListObservations(ctx, types.ObservationFilter{})
	if err := e.Lineage().Tombstone(ctx, []string{obs[0].ID}); err != nil {
		t.Fatal(err)
	}

	// Within retention: nothing to purge.
	res, err := e.Clean(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.TombstonePurged != 0 {
		t.Errorf("dry run purged = %d, want 0 (inside retention)", res.TombstonePurged)
	}

	res, err = e.Clean(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.DBSizeBytes == 0 {
		t.Error("size missing from clean result")
	}

	reb, err := e.Rebuild(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if !reb.FTSRebuilt {
		t.Error("fts not rebuilt")
	}
}

func TestExportImportThroughEngine(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.HandleEvent(ctx, &types.Event{
		Kind: types.EventChatMessage, SessionID: "ses-1", Role: "user",
		Text: "an exportable observation about build tooling"}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := e.Export(ctx, &buf); err != nil {
		t.Fatal(err)
	}

	other := newTestEngine(t)
	n, err := other.Import(ctx, bytes.NewReader(buf.Bytes()))
	if err != nil || n == 0 {
		t.Fatalf("Import: %d, %v", n, err)
	}
	obs, _ := other.store.ListObservations(ctx, types.ObservationFilter{})
	if len(obs) != 1 {
		t.Errorf("imported observations = %d", len(obs))
	}
}

func TestSearchThroughEngine(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.HandleEvent(ctx, &types.Event{
		Kind: types.EventChatMessage, SessionID: "ses-1", Role: "user",
		Text: "remember that deployments use blue-green rollout"}); err != nil {
		t.Fatal(err)
	}

	results, err := e.Search(ctx, "blue-green rollout", types.ObservationFilter{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	if len(results[0].Explain.MatchedBy) == 0 {
		t.Error("explain missing")
	}

	pack, err := e.AssembleContext(ctx, "ses-1", "rollout")
	if err != nil {
		t.Fatal(err)
	}
	if len(pack.IncludedIDs) == 0 {
		t.Error("context pack empty")
	}
}

func TestStartRecoversAndStops(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	// Give the timer a moment, then shut down cleanly.
	time.Sleep(20 * time.Millisecond)
	e.queue.Stop()
}
