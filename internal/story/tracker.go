package story

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hearthtales/hearth-core/internal/config"
	"github.com/hearthtales/hearth-core/internal/content"
	"github.com/hearthtales/hearth-core/internal/generate"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrStoryBusy is returned when a continuation is requested while another
// one for the same story is still running. Requests are rejected, never
// interleaved or queued.
var ErrStoryBusy = errors.New("story continuation already in progress")

// Tracker owns all StoryContinuationState mutations. It drives the
// generation controller for story turns; the controller never calls back
// into the Tracker.
type Tracker struct {
	cfg        config.StoryStoreConfig
	store      *Store
	controller *generate.Controller
	logger     *slog.Logger
	clock      func() time.Time

	mu    sync.Mutex
	busy  map[string]bool
	cache *lru.Cache[string, StoryState]
}

func NewTracker(cfg config.StoryStoreConfig, store *Store, controller *generate.Controller, logger *slog.Logger) (*Tracker, error) {
	cache, err := lru.New[string, StoryState](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Tracker{
		cfg:        cfg,
		store:      store,
		controller: controller,
		logger:     logger.With(slog.String("component", "story-tracker")),
		clock:      time.Now,
		busy:       make(map[string]bool),
		cache:      cache,
	}, nil
}

// Continue advances (or starts) the session's story by one generation run.
// Concurrent continuations for the same session are serialized: a second
// request while one is active gets ErrStoryBusy.
func (t *Tracker) Continue(ctx context.Context, sessionID, topic string, age, targetWords int) (StoryState, generate.Result, error) {
	t.mu.Lock()
	if t.busy[sessionID] {
		t.mu.Unlock()
		return StoryState{}, generate.Result{}, ErrStoryBusy
	}
	t.busy[sessionID] = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.busy, sessionID)
		t.mu.Unlock()
	}()

	state, err := t.activeStory(ctx, sessionID, targetWords)
	if err != nil {
		return StoryState{}, generate.Result{}, err
	}

	// The continuation seed is only the tail of the accumulated text, to
	// bound provider input size.
	seed := continuationSeed(state.AccumulatedText)
	remaining := state.TargetWordCount - wordCount(state.AccumulatedText)
	if remaining < 30 {
		// The word target is met but the story has not closed; ask for a
		// short wrap-up rather than another full act.
		remaining = 30
	}

	result, genErr := t.controller.Generate(ctx, generate.Request{
		SessionID:   sessionID,
		Type:        content.TypeStory,
		Topic:       topic,
		Age:         age,
		Seed:        seed,
		TargetWords: remaining,
	})
	if genErr != nil && result.Text == "" {
		return state, result, genErr
	}

	if result.Text != "" {
		if state.AccumulatedText != "" {
			state.AccumulatedText += " "
		}
		state.AccumulatedText += result.Text
		state.LastChunkIndex++
		if state.Status == StateInitializing {
			state.Status = StateGenerating
		}
	}
	// Completion is never implicit: only a non-truncated controller result
	// closes the story.
	if genErr == nil && !result.Truncated {
		state.Status = StateCompleted
	}
	state.UpdatedAt = t.clock().UTC()

	if err := t.save(ctx, state); err != nil {
		return state, result, err
	}
	return state, result, genErr
}

// Close marks the session's active story completed explicitly.
func (t *Tracker) Close(ctx context.Context, sessionID string) error {
	state, ok, err := t.lookupActive(ctx, sessionID)
	if err != nil || !ok {
		return err
	}
	state.Status = StateCompleted
	state.UpdatedAt = t.clock().UTC()
	return t.save(ctx, state)
}

// activeStory returns the open story for the session, abandoning it first
// if it exceeded its wall-clock age or chunk budget, and starting a fresh
// one when none is open.
func (t *Tracker) activeStory(ctx context.Context, sessionID string, targetWords int) (StoryState, error) {
	if targetWords <= 0 {
		targetWords = t.controller.TargetWords()
	}
	state, ok, err := t.lookupActive(ctx, sessionID)
	if err != nil {
		return StoryState{}, err
	}
	if ok {
		maxAge := time.Duration(t.cfg.MaxStoryAgeMS) * time.Millisecond
		if t.clock().Sub(state.CreatedAt) > maxAge || state.LastChunkIndex >= t.cfg.MaxChunks {
			state.Status = StateAbandoned
			state.UpdatedAt = t.clock().UTC()
			if err := t.save(ctx, state); err != nil {
				return StoryState{}, err
			}
			t.logger.Info("story abandoned",
				slog.String("session_id", sessionID),
				slog.String("story_id", state.StoryID),
				slog.Int("chunks", state.LastChunkIndex))
			ok = false
		}
	}
	if !ok {
		now := t.clock().UTC()
		state = StoryState{
			SessionID:       sessionID,
			StoryID:         uuid.NewString(),
			Status:          StateInitializing,
			TargetWordCount: targetWords,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}
	return state, nil
}

func (t *Tracker) lookupActive(ctx context.Context, sessionID string) (StoryState, bool, error) {
	if state, ok := t.cache.Get(sessionID); ok {
		if state.Status == StateInitializing || state.Status == StateGenerating {
			return state, true, nil
		}
	}
	return t.store.ActiveStory(ctx, sessionID)
}

func (t *Tracker) save(ctx context.Context, state StoryState) error {
	t.cache.Add(state.SessionID, state)
	return t.store.SaveStory(ctx, state)
}

// RecordTurn appends one exchange to the session timeline.
func (t *Tracker) RecordTurn(ctx context.Context, turn Turn) error {
	return t.store.AppendTurn(ctx, turn)
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

// continuationSeed keeps at most the last two sentences of text.
func continuationSeed(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	ends := make([]int, 0, 8)
	for i := 0; i < len(text); i++ {
		if text[i] == '.' || text[i] == '!' || text[i] == '?' {
			for i+1 < len(text) && (text[i+1] == '.' || text[i+1] == '!' || text[i+1] == '?') {
				i++
			}
			ends = append(ends, i+1)
		}
	}
	if len(ends) <= 2 {
		return text
	}
	start := ends[len(ends)-3]
	return strings.TrimSpace(text[start:])
}
