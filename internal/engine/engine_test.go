package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/hearthtales/hearth-core/internal/ageband"
	"github.com/hearthtales/hearth-core/internal/config"
	"github.com/hearthtales/hearth-core/internal/content"
	"github.com/hearthtales/hearth-core/internal/generate"
	"github.com/hearthtales/hearth-core/internal/narrate"
	"github.com/hearthtales/hearth-core/internal/safety"
	"github.com/hearthtales/hearth-core/internal/story"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedProvider returns the same segment every call and counts invocations.
type fixedProvider struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (p *fixedProvider) Generate(ctx context.Context, _ generate.Prompt) (generate.Segment, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return generate.Segment{}, p.err
	}
	return generate.Segment{Text: p.text}, nil
}

func (p *fixedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// recordingSynth captures chunk requests and delegates to the mock.
type recordingSynth struct {
	mu       sync.Mutex
	inner    narrate.Synthesizer
	requests []narrate.ChunkRequest
}

func (r *recordingSynth) Synthesize(ctx context.Context, req narrate.ChunkRequest) (narrate.Audio, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	return r.inner.Synthesize(ctx, req)
}

type failingSynth struct{}

func (failingSynth) Synthesize(context.Context, narrate.ChunkRequest) (narrate.Audio, error) {
	return narrate.Audio{}, errors.New("synth backend down")
}

func newTestEngine(t *testing.T, provider generate.Provider, synth narrate.Synthesizer) *Engine {
	t.Helper()
	genCfg := config.GenerationConfig{
		TargetWords:    5,
		MaxIterations:  6,
		CallTimeoutMS:  2000,
		DeadlineMS:     10000,
		RetryAttempts:  1,
		RetryBackoffMS: 1,
	}
	controller := generate.NewController(genCfg, provider, newLogger())

	storeCfg := config.StoryStoreConfig{RetentionMode: "ephemeral", MaxStoryAgeMS: 600000, MaxChunks: 10, CacheSize: 16}
	store, err := story.Open(context.Background(), storeCfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	tracker, err := story.NewTracker(storeCfg, store, controller, newLogger())
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}

	narCfg := config.NarrationConfig{SampleRate: 22050, Channels: 1, ChunkThreshold: 280, Concurrency: 2, ChunkTimeoutMS: 5000}
	pipeline := narrate.NewPipeline(narCfg, synth, newLogger())

	engCfg := config.EngineConfig{Enabled: true, DefaultVoice: "ember", DefaultLanguage: "en-US", DefaultAge: 7}
	return New(engCfg, safety.NewDetector(), ageband.NewAdapter(), tracker, controller, pipeline, newLogger())
}

func TestStoryTurnEndToEnd(t *testing.T) {
	eng := newTestEngine(t, generate.NewMockProvider(), narrate.NewMockSynth(22050, 1))

	resp, err := eng.HandleTurn(context.Background(), content.Request{
		SessionID: "session-1",
		Message:   "Tell me a story about a brave little mouse",
		Age:       7,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Type != content.TypeStory {
		t.Fatalf("expected story, got %s", resp.Type)
	}
	if resp.StoryID == "" {
		t.Fatal("expected a story id")
	}
	if !strings.Contains(resp.Text, "Once upon a time") {
		t.Fatalf("expected opening beat in %q", resp.Text)
	}
	if resp.AudioUnavailable || len(resp.Audio) == 0 {
		t.Fatal("expected synthesized audio")
	}
	if resp.WordCount == 0 {
		t.Fatal("expected a word count")
	}
}

func TestGuidanceOverride(t *testing.T) {
	provider := &fixedProvider{text: "should never be called"}
	synth := &recordingSynth{inner: narrate.NewMockSynth(22050, 1)}
	eng := newTestEngine(t, provider, synth)

	resp, err := eng.HandleTurn(context.Background(), content.Request{
		SessionID: "session-1",
		Message:   "This is stupid",
		Age:       7,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Type != content.TypeGuidance {
		t.Fatalf("expected guidance, got %s", resp.Type)
	}
	if !strings.Contains(resp.Text, "Instead of saying") {
		t.Fatalf("expected a redirect suggestion in %q", resp.Text)
	}
	for _, punitive := range []string{"bad", "naughty", "wrong", "never say"} {
		if strings.Contains(strings.ToLower(resp.Text), punitive) {
			t.Fatalf("guidance must not be punitive, found %q in %q", punitive, resp.Text)
		}
	}
	if provider.callCount() != 0 {
		t.Fatal("guidance must not engage the generation provider")
	}
	synth.mu.Lock()
	defer synth.mu.Unlock()
	if len(synth.requests) == 0 || synth.requests[0].Prosody != "gentle" {
		t.Fatalf("expected gentle prosody, got %+v", synth.requests)
	}
}

func TestVocabularyAdaptedForYoungListeners(t *testing.T) {
	provider := &fixedProvider{text: "What a magnificent animal that was."}
	eng := newTestEngine(t, provider, narrate.NewMockSynth(22050, 1))

	resp, err := eng.HandleTurn(context.Background(), content.Request{
		SessionID: "session-1",
		Message:   "hello there friend",
		Age:       5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Type != content.TypeConversation {
		t.Fatalf("expected conversation, got %s", resp.Type)
	}
	lower := strings.ToLower(resp.Text)
	if strings.Contains(lower, "magnificent") {
		t.Fatalf("forbidden vocabulary survived adaptation: %q", resp.Text)
	}
	if !strings.Contains(lower, "wonderful") {
		t.Fatalf("expected the age-five replacement in %q", resp.Text)
	}
}

func TestTemplateFastPathSkipsProvider(t *testing.T) {
	provider := &fixedProvider{text: "provider joke"}
	eng := newTestEngine(t, provider, narrate.NewMockSynth(22050, 1))

	resp, err := eng.HandleTurn(context.Background(), content.Request{
		SessionID: "session-1",
		Message:   "Tell me a joke about dinosaurs",
		Age:       8,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Type != content.TypeJoke {
		t.Fatalf("expected joke, got %s", resp.Type)
	}
	if !strings.Contains(resp.Text, "dino-snore") {
		t.Fatalf("expected the canned joke, got %q", resp.Text)
	}
	if provider.callCount() != 0 {
		t.Fatal("fast path must not engage the provider")
	}
}

func TestProviderFailureYieldsFallback(t *testing.T) {
	provider := &fixedProvider{err: errors.New("model offline")}
	eng := newTestEngine(t, provider, narrate.NewMockSynth(22050, 1))

	resp, err := eng.HandleTurn(context.Background(), content.Request{
		SessionID: "session-1",
		Message:   "Teach me about volcanoes",
		Age:       9,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text == "" {
		t.Fatal("a turn must never end with an empty message")
	}
	if resp.Type != content.TypeFact {
		t.Fatalf("expected fact, got %s", resp.Type)
	}
}

func TestSynthesisFailureDegradesToTextOnly(t *testing.T) {
	provider := &fixedProvider{text: "A friendly little reply for you."}
	eng := newTestEngine(t, provider, failingSynth{})

	resp, err := eng.HandleTurn(context.Background(), content.Request{
		SessionID: "session-1",
		Message:   "hello there friend",
		Age:       7,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.AudioUnavailable {
		t.Fatal("expected the audio-unavailable marker")
	}
	if len(resp.Audio) != 0 {
		t.Fatal("no partial audio may be delivered")
	}
	if resp.Text == "" {
		t.Fatal("text must survive a synthesis failure")
	}
}

func TestUnsafeGenerationReplacedByFallback(t *testing.T) {
	provider := &fixedProvider{text: "The pirate waved his gun around."}
	eng := newTestEngine(t, provider, narrate.NewMockSynth(22050, 1))

	resp, err := eng.HandleTurn(context.Background(), content.Request{
		SessionID: "session-1",
		Message:   "hello there friend",
		Age:       7,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(strings.ToLower(resp.Text), "gun") {
		t.Fatalf("unsafe text must not reach the child: %q", resp.Text)
	}
	if resp.Text == "" {
		t.Fatal("fallback must be non-empty")
	}
	if !resp.SafetyScrubbed {
		t.Fatal("a scrubbed turn must carry the safety marker")
	}
}

func TestCleanGenerationNotMarkedScrubbed(t *testing.T) {
	provider := &fixedProvider{text: "A friendly little reply for you."}
	eng := newTestEngine(t, provider, narrate.NewMockSynth(22050, 1))

	resp, err := eng.HandleTurn(context.Background(), content.Request{
		SessionID: "session-1",
		Message:   "hello there friend",
		Age:       7,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.SafetyScrubbed {
		t.Fatal("a clean turn must not carry the safety marker")
	}
}

// gatedProvider blocks its first call until the context dies and tracks how
// many generations run at once.
type gatedProvider struct {
	mu          sync.Mutex
	calls       int
	inflight    int
	maxInFlight int
	entered     chan struct{}
}

func (p *gatedProvider) Generate(ctx context.Context, _ generate.Prompt) (generate.Segment, error) {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.inflight++
	if p.inflight > p.maxInFlight {
		p.maxInFlight = p.inflight
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inflight--
		p.mu.Unlock()
	}()

	if first {
		close(p.entered)
		<-ctx.Done()
		return generate.Segment{}, ctx.Err()
	}
	return generate.Segment{Text: "A friendly little reply for you."}, nil
}

func TestNewTurnSupersedesInFlightGeneration(t *testing.T) {
	provider := &gatedProvider{entered: make(chan struct{})}
	eng := newTestEngine(t, provider, narrate.NewMockSynth(22050, 1))

	req := content.Request{
		SessionID: "session-1",
		Message:   "hello there friend",
		Age:       7,
	}

	firstErr := make(chan error, 1)
	go func() {
		_, err := eng.HandleTurn(context.Background(), req)
		firstErr <- err
	}()

	// Wait until the first turn is inside the provider before starting the
	// second one.
	<-provider.entered

	resp, err := eng.HandleTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error on the newer turn: %v", err)
	}
	if resp.Text == "" {
		t.Fatal("the newer turn must produce a response")
	}

	if err := <-firstErr; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected the older turn to be superseded, got %v", err)
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if provider.maxInFlight > 1 {
		t.Fatalf("expected at most one in-flight generation per session, saw %d", provider.maxInFlight)
	}
}

func TestDefaultsApplied(t *testing.T) {
	synth := &recordingSynth{inner: narrate.NewMockSynth(22050, 1)}
	eng := newTestEngine(t, &fixedProvider{text: "Hello back to you, friend."}, synth)

	_, err := eng.HandleTurn(context.Background(), content.Request{
		SessionID: "session-1",
		Message:   "hello there friend",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	synth.mu.Lock()
	defer synth.mu.Unlock()
	if len(synth.requests) == 0 || synth.requests[0].Voice != "ember" {
		t.Fatalf("expected default voice, got %+v", synth.requests)
	}
}

func TestTemplateLookup(t *testing.T) {
	if _, ok := templateFor(content.TypeJoke, "dinosaurs"); !ok {
		t.Fatal("expected a dinosaur joke")
	}
	if _, ok := templateFor(content.TypeJoke, "quantum physics"); ok {
		t.Fatal("unexpected template for an unknown topic")
	}
	if _, ok := templateFor(content.TypeStory, "dinosaurs"); ok {
		t.Fatal("stories never use the fast path")
	}
	if _, ok := templateFor(content.TypeFact, ""); ok {
		t.Fatal("empty topics never match")
	}
}
