package story

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hearthtales/hearth-core/internal/config"
	"github.com/hearthtales/hearth-core/internal/generate"
)

// scriptedProvider emits full-arc segments so runs complete, or fragments so
// they stay truncated, depending on the script.
type scriptedProvider struct {
	mu      sync.Mutex
	segment string
	block   chan struct{}
	calls   int
}

func (p *scriptedProvider) Generate(ctx context.Context, _ generate.Prompt) (generate.Segment, error) {
	p.mu.Lock()
	p.calls++
	block := p.block
	p.mu.Unlock()
	if block != nil {
		select {
		case <-ctx.Done():
			return generate.Segment{}, ctx.Err()
		case <-block:
		}
	}
	return generate.Segment{Text: p.segment}, nil
}

const fullArc = "Once upon a time a mouse set out on a journey. But suddenly there was trouble. " +
	"Finally the mouse found a way through. The end."

func newTracker(t *testing.T, provider generate.Provider) *Tracker {
	t.Helper()
	genCfg := config.GenerationConfig{
		TargetWords:    10,
		MaxIterations:  3,
		CallTimeoutMS:  1000,
		DeadlineMS:     5000,
		RetryAttempts:  1,
		RetryBackoffMS: 1,
	}
	controller := generate.NewController(genCfg, provider, newLogger())

	storeCfg := config.StoryStoreConfig{RetentionMode: "ephemeral", MaxStoryAgeMS: 60000, MaxChunks: 5, CacheSize: 16}
	store, err := Open(context.Background(), storeCfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tracker, err := NewTracker(storeCfg, store, controller, newLogger())
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	return tracker
}

func TestContinueCompletesOnNonTruncatedResult(t *testing.T) {
	tracker := newTracker(t, &scriptedProvider{segment: fullArc})

	state, result, err := tracker.Continue(context.Background(), "session-1", "a mouse", 7, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Truncated {
		t.Fatalf("expected non-truncated result: %+v", result)
	}
	if state.Status != StateCompleted {
		t.Fatalf("expected completed story, got %s", state.Status)
	}
	if state.LastChunkIndex != 1 {
		t.Fatalf("expected one chunk, got %d", state.LastChunkIndex)
	}
}

func TestContinueStaysGeneratingWhileTruncated(t *testing.T) {
	// Fragments with no conclusion: word target unreachable in one run.
	provider := &scriptedProvider{segment: "Once upon a time."}
	tracker := newTracker(t, provider)

	state, result, err := tracker.Continue(context.Background(), "session-1", "a mouse", 7, 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Truncated {
		t.Fatal("expected truncated result")
	}
	if state.Status != StateGenerating {
		t.Fatalf("expected generating status, got %s", state.Status)
	}

	// A second continuation appends to the same story, never rewrites it.
	before := state.AccumulatedText
	state2, _, err := tracker.Continue(context.Background(), "session-1", "a mouse", 7, 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state2.StoryID != state.StoryID {
		t.Fatal("expected continuation of the same story")
	}
	if !strings.HasPrefix(state2.AccumulatedText, before) {
		t.Fatal("accumulated text must be append-only")
	}
	if state2.LastChunkIndex <= state.LastChunkIndex {
		t.Fatal("chunk index must advance")
	}
}

func TestContinueRejectsConcurrentRequests(t *testing.T) {
	block := make(chan struct{})
	provider := &scriptedProvider{segment: fullArc, block: block}
	tracker := newTracker(t, provider)

	firstDone := make(chan error, 1)
	go func() {
		_, _, err := tracker.Continue(context.Background(), "session-1", "a mouse", 7, 10)
		firstDone <- err
	}()

	// Wait until the first continuation is inside the provider call.
	deadline := time.After(2 * time.Second)
	for {
		provider.mu.Lock()
		started := provider.calls > 0
		provider.mu.Unlock()
		if started {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first continuation never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	_, _, err := tracker.Continue(context.Background(), "session-1", "a mouse", 7, 10)
	if !errors.Is(err, ErrStoryBusy) {
		t.Fatalf("expected ErrStoryBusy, got %v", err)
	}

	close(block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first continuation failed: %v", err)
	}
}

func TestStoryAbandonedAfterChunkBudget(t *testing.T) {
	provider := &scriptedProvider{segment: "Once upon a time."}
	tracker := newTracker(t, provider)

	var lastID string
	for i := 0; i < 5; i++ {
		state, _, err := tracker.Continue(context.Background(), "session-1", "a mouse", 7, 10000)
		if err != nil {
			t.Fatalf("continue %d: %v", i, err)
		}
		lastID = state.StoryID
	}
	// The sixth call finds the story at its chunk budget, abandons it, and
	// starts a fresh one.
	state, _, err := tracker.Continue(context.Background(), "session-1", "a mouse", 7, 10000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.StoryID == lastID {
		t.Fatal("expected a fresh story after the chunk budget was exhausted")
	}
}

func TestStoryAbandonedAfterMaxAge(t *testing.T) {
	provider := &scriptedProvider{segment: "Once upon a time."}
	tracker := newTracker(t, provider)

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	tracker.clock = func() time.Time { return base }

	state1, _, err := tracker.Continue(context.Background(), "session-1", "a mouse", 7, 10000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tracker.clock = func() time.Time { return base.Add(2 * time.Minute) }
	state2, _, err := tracker.Continue(context.Background(), "session-1", "a mouse", 7, 10000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state2.StoryID == state1.StoryID {
		t.Fatal("expected stale story abandoned and a fresh one started")
	}
}

func TestContinuationSeed(t *testing.T) {
	text := "One. Two. Three. Four."
	if got := continuationSeed(text); got != "Three. Four." {
		t.Fatalf("unexpected seed: %q", got)
	}
	if got := continuationSeed("Only one."); got != "Only one." {
		t.Fatalf("unexpected seed: %q", got)
	}
	if got := continuationSeed(""); got != "" {
		t.Fatalf("unexpected seed: %q", got)
	}
}
