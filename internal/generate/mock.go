package generate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// mockProvider emits deterministic story-shaped segments so the full
// pipeline can run without a model. Each session walks through the narrative
// arc one beat per call.
type mockProvider struct {
	mu    sync.Mutex
	beats map[string]int
}

func NewMockProvider() Provider {
	return &mockProvider{beats: make(map[string]int)}
}

var mockBeats = []string{
	"Once upon a time there was a small and curious friend who lived near a quiet green meadow full of flowers.",
	"One day the friend decided to set out across the meadow to see what was hiding behind the tall old oak tree.",
	"But suddenly a problem appeared, because the path was blocked by a wide and burbling stream with no bridge in sight.",
	"Finally, after thinking very hard, the friend found a way across by hopping over three smooth and friendly stepping stones.",
	"And so the friend went home smiling, and from that day on the meadow never felt quite so big. The end.",
}

func (m *mockProvider) Generate(ctx context.Context, prompt Prompt) (Segment, error) {
	select {
	case <-ctx.Done():
		return Segment{}, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}

	if !strings.Contains(prompt.Context, "story") {
		return Segment{
			Text:    fmt.Sprintf("[mock reply for %q]", strings.TrimSpace(prompt.Context)),
			Latency: 10 * time.Millisecond,
		}, nil
	}

	m.mu.Lock()
	beat := m.beats[prompt.SessionID]
	if beat >= len(mockBeats) {
		beat = len(mockBeats) - 1
	}
	m.beats[prompt.SessionID] = beat + 1
	m.mu.Unlock()

	return Segment{Text: mockBeats[beat], Latency: 10 * time.Millisecond}, nil
}
