package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"certmint/mint"
)

func TestStreamEndsWhenTerminalUpdateIsMissed(t *testing.T) {
	var mu sync.Mutex
	current := mint.Snapshot{ID: "a1", State: mint.StateUploading, Progress: 40}
	snapshot := func() mint.Snapshot {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	// The subscriber saw the upload but its buffer was full when the run
	// finished, so the terminal update never arrives.
	updates := make(chan mint.Update, 1)
	updates <- mint.Update{AttemptID: "a1", State: mint.StateUploading, Progress: 40}
	done := make(chan struct{})

	rr := httptest.NewRecorder()
	finished := make(chan struct{})
	go func() {
		streamUpdates(context.Background(), rr, updates, done, snapshot)
		close(finished)
	}()

	mu.Lock()
	current = mint.Snapshot{ID: "a1", State: mint.StateSuccess, Progress: 100}
	mu.Unlock()
	close(done)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("stream still open after the run finished")
	}

	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	var last mint.Update
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatalf("Failed to decode last line: %v", err)
	}
	if last.State != mint.StateSuccess || last.Progress != 100 {
		t.Fatalf("Expected final success update, got %+v", last)
	}
}

func TestStreamStopsAtTerminalUpdate(t *testing.T) {
	updates := make(chan mint.Update, 2)
	updates <- mint.Update{AttemptID: "a2", State: mint.StateMinting, Phase: mint.PhaseConfirm, Progress: 85}
	updates <- mint.Update{AttemptID: "a2", State: mint.StateError, Progress: 85}

	rr := httptest.NewRecorder()
	snapshot := func() mint.Snapshot {
		return mint.Snapshot{ID: "a2", State: mint.StateMinting, Phase: mint.PhaseSubmit, Progress: 70}
	}
	streamUpdates(context.Background(), rr, updates, nil, snapshot)

	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d: %q", len(lines), rr.Body.String())
	}
	var last mint.Update
	if err := json.Unmarshal([]byte(lines[2]), &last); err != nil {
		t.Fatalf("Failed to decode last line: %v", err)
	}
	if last.State != mint.StateError {
		t.Fatalf("Expected error state, got %s", last.State)
	}
}
