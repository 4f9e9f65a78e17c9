package daemon

import (
	"testing"
	"time"
)

func TestPingNudgeRoundTrip(t *testing.T) {
	dir := t.TempDir()

	if Ping(dir) {
		t.Fatal("ping succeeded with no daemon")
	}

	s, err := Serve(dir)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	defer s.Close()

	if !Ping(dir) {
		t.Error("ping failed against live daemon")
	}
	if err := Nudge(dir); err != nil {
		t.Errorf("Nudge: %v", err)
	}

	select {
	case <-s.Wake():
	case <-time.After(time.Second):
		t.Error("nudge did not wake the daemon")
	}
}

func TestNudgesCoalesce(t *testing.T) {
	dir := t.TempDir()
	s, err := Serve(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		if err := Nudge(dir); err != nil {
			t.Fatal(err)
		}
	}

	// Exactly one wakeup is buffered.
	select {
	case <-s.Wake():
	case <-time.After(time.Second):
		t.Fatal("no wakeup delivered")
	}
	select {
	case <-s.Wake():
		t.Error("nudges did not coalesce")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSecondDaemonRejected(t *testing.T) {
	dir := t.TempDir()
	s, err := Serve(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := Serve(dir); err == nil {
		t.Error("second daemon bound the same directory")
	}
}

func TestStaleSocketReclaimed(t *testing.T) {
	dir := t.TempDir()
	s, err := Serve(dir)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	// The old daemon is gone; a new one claims the directory.
	s2, err := Serve(dir)
	if err != nil {
		t.Fatalf("failed to reclaim after close: %v", err)
	}
	s2.Close()
}
