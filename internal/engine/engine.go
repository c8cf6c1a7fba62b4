package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hearthtales/hearth-core/internal/ageband"
	"github.com/hearthtales/hearth-core/internal/classify"
	"github.com/hearthtales/hearth-core/internal/config"
	"github.com/hearthtales/hearth-core/internal/content"
	"github.com/hearthtales/hearth-core/internal/generate"
	"github.com/hearthtales/hearth-core/internal/narrate"
	"github.com/hearthtales/hearth-core/internal/safety"
	"github.com/hearthtales/hearth-core/internal/story"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrSuperseded marks a turn abandoned because a newer request for the same
// session arrived while it was still running.
var ErrSuperseded = errors.New("turn superseded by newer request")

// Engine runs one user turn through the full content flow: safety check,
// classification, generation (or the template fast path), a post-check on
// the candidate text, age adaptation, and narration.
//
// Turns are single-flight per session with supersede-and-cancel: at most
// one turn runs per session, and a new request cancels the in-flight one,
// generation included, before starting. The newest utterance always wins.
type Engine struct {
	cfg        config.EngineConfig
	detector   *safety.Detector
	adapter    *ageband.Adapter
	tracker    *story.Tracker
	controller *generate.Controller
	pipeline   *narrate.Pipeline
	logger     *slog.Logger

	mu       sync.Mutex
	inflight map[string]*turnFlight

	turnCount    metric.Int64Counter
	turnDuration metric.Float64Histogram
}

type turnFlight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.EngineConfig, detector *safety.Detector, adapter *ageband.Adapter, tracker *story.Tracker, controller *generate.Controller, pipeline *narrate.Pipeline, logger *slog.Logger) *Engine {
	meter := otel.Meter("hearth-core/engine")
	turnCount, _ := meter.Int64Counter("hearth.turns",
		metric.WithDescription("Completed turns by content type"))
	turnDuration, _ := meter.Float64Histogram("hearth.turn.duration_seconds",
		metric.WithDescription("End-to-end turn latency"),
		metric.WithUnit("s"))
	return &Engine{
		cfg:          cfg,
		detector:     detector,
		adapter:      adapter,
		tracker:      tracker,
		controller:   controller,
		pipeline:     pipeline,
		logger:       logger.With(slog.String("component", "engine")),
		inflight:     make(map[string]*turnFlight),
		turnCount:    turnCount,
		turnDuration: turnDuration,
	}
}

// Fallback lines keep the contract that a turn never ends empty-handed,
// even when the provider is down or the story is busy.
var fallbacks = map[content.Type]string{
	content.TypeStory:        "I lost my place in our story. Let's pick it up again in a moment.",
	content.TypeFact:         "My thinking cap slipped off. Ask me that one again soon!",
	content.TypeJoke:         "I can't remember the punchline right now. Let's try another joke soon!",
	content.TypeSong:         "My singing voice needs a little rest. Can we try again in a bit?",
	content.TypeConversation: "I didn't quite catch that. Can you tell me again?",
}

const busyFallback = "We're already in the middle of our story! Let's finish this part first."

// HandleTurn processes one request and returns the finished response. The
// only errors it surfaces are cancellation and supersession; provider and
// synthesis failures degrade to a fallback message or a text-only response.
func (e *Engine) HandleTurn(ctx context.Context, req content.Request) (content.Response, error) {
	start := time.Now()
	req = e.withDefaults(req)

	turnCtx, release := e.acquire(ctx, req.SessionID)
	defer release()

	resp := content.Response{SessionID: req.SessionID}

	text, guided := e.resolveText(turnCtx, req, &resp)
	if err := e.turnErr(ctx, turnCtx); err != nil {
		return resp, err
	}
	if !guided {
		// Post-check: a provider can produce text the lexicon disallows.
		if f, ok := e.detector.Scan(text); ok {
			e.logger.Warn("generated text failed safety check",
				slog.String("session_id", req.SessionID),
				slog.String("category", string(f.Cat)))
			text = fallbacks[resp.Type]
			resp.SafetyScrubbed = true
			resp.Truncated = false
			resp.Iterations = 0
		}
	}

	text = e.adapter.Adapt(text, req.Age, resp.Type)
	resp.Text = text
	resp.WordCount = len(strings.Fields(text))

	if err := e.narrateTurn(ctx, turnCtx, req, &resp); err != nil {
		return resp, err
	}

	e.recordTurn(ctx, req, resp)
	e.observe(ctx, resp.Type, time.Since(start))
	return resp, nil
}

// acquire enforces single-flight per session. It cancels any in-flight turn
// for the session and blocks until that turn has fully released before
// registering the new one.
func (e *Engine) acquire(ctx context.Context, sessionID string) (context.Context, func()) {
	e.mu.Lock()
	for {
		prior := e.inflight[sessionID]
		if prior == nil {
			break
		}
		prior.cancel()
		e.mu.Unlock()
		<-prior.done
		e.mu.Lock()
	}
	turnCtx, cancel := context.WithCancel(ctx)
	f := &turnFlight{cancel: cancel, done: make(chan struct{})}
	e.inflight[sessionID] = f
	e.mu.Unlock()

	return turnCtx, func() {
		cancel()
		e.mu.Lock()
		if e.inflight[sessionID] == f {
			delete(e.inflight, sessionID)
		}
		e.mu.Unlock()
		close(f.done)
	}
}

// turnErr distinguishes a cancelled caller from a superseded turn. A turn
// context that died while the caller's context is still alive means a newer
// request for the session took over.
func (e *Engine) turnErr(parent, turn context.Context) error {
	if turn.Err() == nil {
		return nil
	}
	if err := parent.Err(); err != nil {
		return err
	}
	return ErrSuperseded
}

// resolveText produces the candidate text and content type for the turn.
// The returned flag marks safety guidance, which is exempt from the
// post-check and from length targets.
func (e *Engine) resolveText(ctx context.Context, req content.Request, resp *content.Response) (string, bool) {
	if f, ok := e.detector.Scan(req.Message); ok {
		resp.Type = content.TypeGuidance
		e.logger.Info("safety guidance override",
			slog.String("session_id", req.SessionID),
			slog.String("category", string(f.Cat)))
		return e.detector.Guidance(f), true
	}

	match, ok := classify.Classify(req.Message)
	if !ok {
		// A miss is not an error; the turn proceeds as conversation.
		match = classify.Match{Type: content.TypeConversation, Topic: req.Message}
	}
	resp.Type = match.Type

	if match.Type == content.TypeStory {
		return e.storyTurn(ctx, req, match.Topic, resp), false
	}

	if canned, ok := templateFor(match.Type, match.Topic); ok {
		return canned, false
	}

	result, err := e.controller.Generate(ctx, generate.Request{
		SessionID: req.SessionID,
		Type:      match.Type,
		Topic:     match.Topic,
		Age:       req.Age,
	})
	if err != nil && result.Text == "" {
		e.logger.Warn("generation failed",
			slog.String("session_id", req.SessionID),
			slog.String("content_type", string(match.Type)),
			slogError(err))
		return fallbacks[match.Type], false
	}
	resp.Iterations = result.Iterations
	resp.Truncated = result.Truncated
	return result.Text, false
}

func (e *Engine) storyTurn(ctx context.Context, req content.Request, topic string, resp *content.Response) string {
	state, result, err := e.tracker.Continue(ctx, req.SessionID, topic, req.Age, 0)
	if errors.Is(err, story.ErrStoryBusy) {
		resp.Type = content.TypeConversation
		return busyFallback
	}
	if err != nil && result.Text == "" {
		e.logger.Warn("story continuation failed",
			slog.String("session_id", req.SessionID),
			slogError(err))
		return fallbacks[content.TypeStory]
	}
	resp.StoryID = state.StoryID
	resp.Iterations = result.Iterations
	resp.Truncated = result.Truncated
	// Only the newly generated chunk is spoken; the accumulated text stays
	// in the tracker.
	return result.Text
}

func (e *Engine) narrateTurn(ctx, turnCtx context.Context, req content.Request, resp *content.Response) error {
	narration, err := e.pipeline.Narrate(turnCtx, narrate.Job{
		SessionID: req.SessionID,
		Text:      resp.Text,
		Voice:     req.Voice,
		Prosody:   narrate.ProsodyFor(resp.Type),
	})
	if err != nil {
		if terr := e.turnErr(ctx, turnCtx); terr != nil {
			return terr
		}
	}
	if errors.Is(err, narrate.ErrSuperseded) {
		return ErrSuperseded
	}
	if err != nil {
		// Any chunk failure fails the whole narration; the turn degrades
		// to text-only rather than playing partial audio.
		e.logger.Warn("narration failed, degrading to text-only",
			slog.String("session_id", req.SessionID),
			slogError(err))
		resp.AudioUnavailable = true
		return nil
	}
	resp.Audio = narration.Audio
	resp.SampleRate = narration.SampleRate
	resp.Channels = narration.Channels
	resp.LatencyClass = narration.LatencyClass
	return nil
}

func (e *Engine) recordTurn(ctx context.Context, req content.Request, resp content.Response) {
	err := e.tracker.RecordTurn(ctx, story.Turn{
		SessionID:   req.SessionID,
		StoryID:     resp.StoryID,
		ContentType: string(resp.Type),
		Text:        resp.Text,
		WordCount:   resp.WordCount,
		Truncated:   resp.Truncated,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("failed to record turn", slogError(err))
	}
}

func (e *Engine) observe(ctx context.Context, typ content.Type, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("content_type", string(typ)))
	e.turnCount.Add(ctx, 1, attrs)
	e.turnDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (e *Engine) withDefaults(req content.Request) content.Request {
	if req.Age <= 0 {
		req.Age = e.cfg.DefaultAge
	}
	if req.Voice == "" {
		req.Voice = e.cfg.DefaultVoice
	}
	if req.Language == "" {
		req.Language = e.cfg.DefaultLanguage
	}
	return req
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
