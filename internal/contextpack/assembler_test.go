package contextpack

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/clopca/open-mem/internal/idgen"
	"github.com/clopca/open-mem/internal/search"
	"github.com/clopca/open-mem/internal/storage/sqlite"
	"github.com/clopca/open-mem/internal/types"
)

func setup(t *testing.T) (*sqlite.SQLiteStorage, *search.Engine) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	for _, ses := range []string{"ses-1", "ses-2"} {
		if _, err := store.EnsureSession(ctx, ses, "/p", time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	return store, search.New(store, nil, nil, nil, search.Options{})
}

func seedObs(t *testing.T, s *sqlite.SQLiteStorage, sessionID, title, narrative string) *types.Observation {
	t.Helper()
	obs := &types.Observation{
		ID:         idgen.New(idgen.PrefixObservation, title),
		SessionID:  sessionID,
		Type:       types.TypeDiscovery,
		Title:      title,
		Narrative:  narrative,
		Importance: 3,
	}
	if err := s.CreateObservation(context.Background(), obs, nil); err != nil {
		t.Fatal(err)
	}
	return obs
}

func TestAssembleAnchorsOwnSession(t *testing.T) {
	store, engine := setup(t)
	ctx := context.Background()

	own := seedObs(t, store, "ses-1", "own observation", "from this session")
	other := seedObs(t, store, "ses-2", "other session JWT work", "relevant via search")
	if err := store.CreateSummary(ctx, &types.SessionSummary{
		ID: "sum-1", SessionID: "ses-1", Summary: "session worked on auth",
	}); err != nil {
		t.Fatal(err)
	}

	a := New(store, engine, Options{MaxContextTokens: 4000})
	pack, err := a.Assemble(ctx, "ses-1", "JWT")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if !strings.Contains(pack.Text, "session worked on auth") {
		t.Error("summary missing from pack")
	}
	if !strings.Contains(pack.Text, "own observation") {
		t.Error("anchor observation missing")
	}
	if !strings.Contains(pack.Text, "other session JWT work") {
		t.Error("expansion hit missing")
	}

	wantIDs := map[string]bool{"sum-1": true, own.ID: true, other.ID: true}
	for _, id := range pack.IncludedIDs {
		delete(wantIDs, id)
	}
	if len(wantIDs) != 0 {
		t.Errorf("included ids missing %v; got %v", wantIDs, pack.IncludedIDs)
	}
	if pack.TokenCount == 0 {
		t.Error("token count missing")
	}
}

func TestAssembleRespectsTokenBudget(t *testing.T) {
	store, engine := setup(t)
	ctx := context.Background()

	long := strings.Repeat("a fairly long narrative sentence. ", 40)
	for i := 0; i < 20; i++ {
		seedObs(t, store, "ses-1", fmt.Sprintf("observation %d", i), long)
	}

	a := New(store, engine, Options{MaxContextTokens: 500})
	pack, err := a.Assemble(ctx, "ses-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if pack.TokenCount > 500 {
		t.Errorf("pack tokens = %d, exceeds cap 500", pack.TokenCount)
	}
	if len(pack.IncludedIDs) == 0 {
		t.Error("budget dropped everything")
	}
	if len(pack.IncludedIDs) >= 20 {
		t.Error("budget dropped nothing")
	}
}

func TestAssembleProgressiveDisclosure(t *testing.T) {
	store, engine := setup(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		seedObs(t, store, "ses-2", fmt.Sprintf("jwt detail %d", i), "a body narrative that only appears when rendered in full")
	}

	a := New(store, engine, Options{FullBodyCount: 2, MaxIndexEntries: 50, MaxContextTokens: 8000})
	pack, err := a.Assemble(ctx, "ses-1", "jwt")
	if err != nil {
		t.Fatal(err)
	}

	fullBodies := strings.Count(pack.Text, "only appears when rendered in full")
	if fullBodies != 2 {
		t.Errorf("full bodies = %d, want 2", fullBodies)
	}
	indexLines := strings.Count(pack.Text, "- [discovery] jwt detail")
	if indexLines != 8 {
		t.Errorf("index lines = %d, want 8", indexLines)
	}
}

func TestAssembleEmptySession(t *testing.T) {
	store, engine := setup(t)
	a := New(store, engine, Options{})
	pack, err := a.Assemble(context.Background(), "ses-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(pack.IncludedIDs) != 0 {
		t.Errorf("empty session included %v", pack.IncludedIDs)
	}
}
