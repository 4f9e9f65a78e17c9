package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clopca/open-mem/internal/idgen"
	"github.com/clopca/open-mem/internal/llm"
	"github.com/clopca/open-mem/internal/storage/sqlite"
	"github.com/clopca/open-mem/internal/types"
)

var defaultOpts = Options{Enabled: true, LowBand: 0.70, HighBand: 0.92}

func newTestStore(t *testing.T) *sqlite.SQLiteStorage {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.EnsureSession(ctx, "ses-1", "/p", time.Now()); err != nil {
		t.Fatal(err)
	}
	return store
}

func seed(t *testing.T, s *sqlite.SQLiteStorage, title string, vec []float32) *types.Observation {
	t.Helper()
	obs := &types.Observation{
		ID:         idgen.New(idgen.PrefixObservation, title),
		SessionID:  "ses-1",
		Type:       types.TypeDiscovery,
		Title:      title,
		Importance: 3,
	}
	if err := s.CreateObservation(context.Background(), obs, &types.Embedding{Vector: vec}); err != nil {
		t.Fatal(err)
	}
	return obs
}

func draft(title string) *types.Observation {
	return &types.Observation{Type: types.TypeDiscovery, Title: title, Importance: 3}
}

func adjudicatorReturning(text string) llm.Completer {
	return llm.CompleterFunc(func(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
		return text, nil
	})
}

func TestNoEmbeddingSkipsDedup(t *testing.T) {
	r := New(newTestStore(t), nil, defaultOpts)
	out, err := r.Resolve(context.Background(), draft("anything"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Action != ActionCreate {
		t.Errorf("action = %s, want create", out.Action)
	}
}

func TestHighBandSkipsWithoutAdjudication(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "uses JWT RS256", []float32{1, 0, 0})

	called := false
	adj := llm.CompleterFunc(func(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
		called = true
		return `{"verdict":"new_fact"}`, nil
	})
	r := New(s, adj, defaultOpts)

	// cos ≈ 0.995 with the seeded vector — above the high band.
	out, err := r.Resolve(context.Background(), draft("uses JWT RS256 again"), []float32{1, 0.1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if out.Action != ActionSkip {
		t.Errorf("action = %s, want skip", out.Action)
	}
	if called {
		t.Error("high-band skip must not call the adjudicator")
	}
	if out.TopCosine <= defaultOpts.HighBand {
		t.Errorf("top cosine = %f", out.TopCosine)
	}
}

func TestBelowLowBandCreates(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "unrelated", []float32{1, 0, 0})
	r := New(s, adjudicatorReturning(`{"verdict":"duplicate"}`), defaultOpts)

	out, err := r.Resolve(context.Background(), draft("orthogonal"), []float32{0, 1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if out.Action != ActionCreate || out.Adjudicated {
		t.Errorf("outcome = %+v, want plain create", out)
	}
}

// grayVec has cosine ≈ 0.83 against (1,0,0): inside [0.70, 0.92].
var grayVec = []float32{1, 0.67, 0}

func TestGrayZoneUpdate(t *testing.T) {
	s := newTestStore(t)
	o1 := seed(t, s, "uses JWT HS256", []float32{1, 0, 0})
	r := New(s, adjudicatorReturning(`{"verdict":"update","supersedes":"`+o1.ID+`"}`), defaultOpts)

	out, err := r.Resolve(context.Background(), draft("uses JWT RS256"), grayVec)
	if err != nil {
		t.Fatal(err)
	}
	if out.Action != ActionSupersede || out.SupersedeID != o1.ID {
		t.Errorf("outcome = %+v, want supersede %s", out, o1.ID)
	}
	if !out.Adjudicated {
		t.Error("gray zone outcome must be marked adjudicated")
	}
}

func TestGrayZoneDuplicate(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "existing", []float32{1, 0, 0})
	r := New(s, adjudicatorReturning("this is a duplicate of the first record"), defaultOpts)

	out, err := r.Resolve(context.Background(), draft("existing again"), grayVec)
	if err != nil {
		t.Fatal(err)
	}
	if out.Action != ActionSkip {
		t.Errorf("action = %s, want skip", out.Action)
	}
}

func TestGrayZoneUnknownTargetFallsBackToCreate(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "existing", []float32{1, 0, 0})
	r := New(s, adjudicatorReturning(`{"verdict":"update","supersedes":"obs-nonexistent"}`), defaultOpts)

	out, err := r.Resolve(context.Background(), draft("revision"), grayVec)
	if err != nil {
		t.Fatal(err)
	}
	if out.Action != ActionCreate {
		t.Errorf("action = %s, want create (unknown target)", out.Action)
	}
}

func TestGrayZoneAdjudicatorFailureCreates(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "existing", []float32{1, 0, 0})
	failing := llm.CompleterFunc(func(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
		return "", errors.New("provider down")
	})
	r := New(s, failing, defaultOpts)

	out, err := r.Resolve(context.Background(), draft("revision"), grayVec)
	if err != nil {
		t.Fatal(err)
	}
	if out.Action != ActionCreate {
		t.Errorf("action = %s, want create on adjudicator failure", out.Action)
	}
}

func TestResolverDisabledUsesHighBandOnly(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "existing", []float32{1, 0, 0})
	opts := defaultOpts
	opts.Enabled = false
	r := New(s, adjudicatorReturning(`{"verdict":"duplicate"}`), opts)

	// Gray zone with resolution disabled: create without adjudication.
	out, err := r.Resolve(context.Background(), draft("gray"), grayVec)
	if err != nil {
		t.Fatal(err)
	}
	if out.Action != ActionCreate || out.Adjudicated {
		t.Errorf("outcome = %+v, want un-adjudicated create", out)
	}

	// High band still skips.
	out, err = r.Resolve(context.Background(), draft("same"), []float32{1, 0.05, 0})
	if err != nil {
		t.Fatal(err)
	}
	if out.Action != ActionSkip {
		t.Errorf("action = %s, want skip", out.Action)
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		in, verdict, target string
	}{
		{`{"verdict":"new_fact"}`, "new_fact", ""},
		{`{"verdict":"update","supersedes":"obs-abc123"}`, "update", "obs-abc123"},
		{"I think this is an update of obs-xyz789", "update", "obs-xyz789"},
		{"DUPLICATE", "duplicate", ""},
		{"no idea", "", ""},
	}
	for _, tt := range tests {
		v, target := parseVerdict(tt.in)
		if v != tt.verdict || target != tt.target {
			t.Errorf("parseVerdict(%q) = (%q, %q), want (%q, %q)", tt.in, v, target, tt.verdict, tt.target)
		}
	}
}
