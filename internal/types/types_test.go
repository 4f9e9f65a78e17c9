package types

import (
	"testing"
	"time"
)

func TestObservationValidation(t *testing.T) {
	tests := []struct {
		name    string
		obs     Observation
		wantErr bool
	}{
		{
			name: "valid observation",
			obs: Observation{
				ID:         "obs-1",
				SessionID:  "ses-1",
				Type:       TypeDiscovery,
				Title:      "uses JWT RS256",
				Importance: 3,
			},
			wantErr: false,
		},
		{
			name: "missing title",
			obs: Observation{
				ID:         "obs-1",
				SessionID:  "ses-1",
				Type:       TypeDiscovery,
				Importance: 3,
			},
			wantErr: true,
		},
		{
			name: "missing session",
			obs: Observation{
				ID:         "obs-1",
				Type:       TypeDiscovery,
				Title:      "t",
				Importance: 3,
			},
			wantErr: true,
		},
		{
			name: "unknown type",
			obs: Observation{
				ID:         "obs-1",
				SessionID:  "ses-1",
				Type:       "musing",
				Title:      "t",
				Importance: 3,
			},
			wantErr: true,
		},
		{
			name: "importance out of range",
			obs: Observation{
				ID:         "obs-1",
				SessionID:  "ses-1",
				Type:       TypeChange,
				Title:      "t",
				Importance: 9,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.obs.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestObservationState(t *testing.T) {
	now := time.Now()

	obs := Observation{ID: "obs-1"}
	if got := obs.State(); got != StateCurrent {
		t.Errorf("fresh observation state = %s, want current", got)
	}
	if !obs.Current() {
		t.Error("fresh observation should be current")
	}

	obs.SupersededBy = "obs-2"
	obs.SupersededAt = &now
	if got := obs.State(); got != StateSuperseded {
		t.Errorf("superseded observation state = %s, want superseded", got)
	}

	// Tombstone wins over supersession.
	obs.DeletedAt = &now
	if got := obs.State(); got != StateTombstoned {
		t.Errorf("tombstoned observation state = %s, want tombstoned", got)
	}
	if obs.Current() {
		t.Error("tombstoned observation must not be current")
	}
}

func TestClampImportance(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultImportance},
		{-3, MinImportance},
		{1, 1},
		{5, 5},
		{12, MaxImportance},
	}
	for _, tt := range tests {
		if got := ClampImportance(tt.in); got != tt.want {
			t.Errorf("ClampImportance(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"lifecycle ok", Event{Kind: EventSessionStart, SessionID: "s1"}, false},
		{"missing session", Event{Kind: EventSessionEnd}, true},
		{"tool ok", Event{Kind: EventToolExecute, SessionID: "s1", Tool: "Read", CallID: "c1"}, false},
		{"tool missing call id", Event{Kind: EventToolExecute, SessionID: "s1", Tool: "Read"}, true},
		{"tool missing name", Event{Kind: EventToolExecute, SessionID: "s1", CallID: "c1"}, true},
		{"chat ok", Event{Kind: EventChatMessage, SessionID: "s1", Role: "user", Text: "hi"}, false},
		{"chat missing role", Event{Kind: EventChatMessage, SessionID: "s1"}, true},
		{"unknown kind", Event{Kind: "session.pause", SessionID: "s1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(empty) = %d, want 0", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Errorf("EstimateTokens(4 chars) = %d, want 1", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Errorf("EstimateTokens(5 chars) = %d, want 2", got)
	}
}
