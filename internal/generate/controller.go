package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hearthtales/hearth-core/internal/config"
	"github.com/hearthtales/hearth-core/internal/content"
)

// Controller runs the bounded iterative generation loop: call the provider
// with the accumulated context, append the returned segment, recompute word
// count and structural score, and stop on the first satisfied exit condition.
// Accumulated text is append-only and never revisited or fabricated.
type Controller struct {
	cfg      config.GenerationConfig
	provider Provider
	logger   *slog.Logger
	clock    func() time.Time
}

func NewController(cfg config.GenerationConfig, provider Provider, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		provider: provider,
		logger:   logger.With(slog.String("component", "generation-controller")),
		clock:    time.Now,
	}
}

const emptyStreakLimit = 2

// TargetWords exposes the configured default word target, used by callers
// that size multi-turn work before the first request.
func (c *Controller) TargetWords() int {
	return c.cfg.TargetWords
}

// Generate runs the loop until the first of: target word count reached with
// structural score >= 3; max iterations; overall deadline; or two consecutive
// empty provider responses. A run that exits without meeting the target
// returns Truncated=true with whatever text accumulated. Provider failures
// that survive retries surface as a *ProviderError alongside the partial
// result.
func (c *Controller) Generate(ctx context.Context, req Request) (Result, error) {
	req = c.withDefaults(req)

	runCtx, cancel := context.WithTimeout(ctx, req.Deadline)
	defer cancel()

	var (
		accumulated strings.Builder
		res         Result
		emptyStreak int
	)
	// Narrative structure is only demanded of stories; facts, jokes and
	// conversational replies exit on word count alone.
	scoreTarget := 0
	if req.Type == content.TypeStory {
		scoreTarget = 3
	}
	for res.Iterations < req.MaxIterations {
		if runCtx.Err() != nil {
			break
		}

		// The continuation seed only primes the first prompt; it is never
		// counted into this run's accumulated text.
		tail := lastSentences(accumulated.String(), 2)
		if tail == "" {
			tail = req.Seed
		}
		prompt := c.buildPrompt(req, tail)
		segment, err := c.callWithRetry(runCtx, prompt, req.CallTimeout)
		if err != nil {
			if runCtx.Err() != nil {
				// Overall deadline elapsed mid-call: a loop exit, not a
				// provider failure. Deliver whatever accumulated.
				break
			}
			res.Text = accumulated.String()
			res.Truncated = true
			if errors.Is(err, context.DeadlineExceeded) {
				return res, fmt.Errorf("%w: %v", ErrDeadline, err)
			}
			return res, &ProviderError{Err: err}
		}
		res.Iterations++

		text := strings.TrimSpace(segment.Text)
		if text == "" {
			emptyStreak++
			if emptyStreak >= emptyStreakLimit {
				c.logger.Warn("aborting after consecutive empty segments",
					slog.String("session_id", req.SessionID),
					slog.Int("iterations", res.Iterations))
				break
			}
			continue
		}
		emptyStreak = 0

		if accumulated.Len() > 0 {
			accumulated.WriteString(" ")
		}
		accumulated.WriteString(text)

		res.WordCount = len(strings.Fields(accumulated.String()))
		res.StructuralScore = StructuralScore(accumulated.String())
		if res.WordCount >= req.TargetWords && res.StructuralScore >= scoreTarget {
			break
		}
	}

	res.Text = accumulated.String()
	res.Truncated = res.WordCount < req.TargetWords || res.StructuralScore < scoreTarget
	return res, nil
}

// callWithRetry retries transient provider failures with exponential backoff
// before giving up. The per-call timeout is independent of the run deadline.
func (c *Controller) callWithRetry(ctx context.Context, prompt Prompt, callTimeout time.Duration) (Segment, error) {
	attempts := c.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	expo := backoff.NewExponentialBackOff()
	if c.cfg.RetryBackoffMS > 0 {
		expo.InitialInterval = time.Duration(c.cfg.RetryBackoffMS) * time.Millisecond
	}
	return backoff.Retry(ctx, func() (Segment, error) {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return c.provider.Generate(callCtx, prompt)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(attempts)))
}

func (c *Controller) withDefaults(req Request) Request {
	if req.TargetWords <= 0 {
		req.TargetWords = c.cfg.TargetWords
	}
	if req.MaxIterations <= 0 {
		req.MaxIterations = c.cfg.MaxIterations
	}
	if req.CallTimeout <= 0 {
		req.CallTimeout = time.Duration(c.cfg.CallTimeoutMS) * time.Millisecond
	}
	if req.Deadline <= 0 {
		req.Deadline = time.Duration(c.cfg.DeadlineMS) * time.Millisecond
	}
	return req
}

func (c *Controller) buildPrompt(req Request, tail string) Prompt {
	var sb strings.Builder
	switch req.Type {
	case content.TypeStory:
		fmt.Fprintf(&sb, "Continue a children's story for a %d year old", req.Age)
	case content.TypeFact:
		fmt.Fprintf(&sb, "Share a fun fact for a %d year old", req.Age)
	case content.TypeJoke:
		fmt.Fprintf(&sb, "Tell a gentle joke for a %d year old", req.Age)
	case content.TypeSong:
		fmt.Fprintf(&sb, "Write a short song verse for a %d year old", req.Age)
	default:
		fmt.Fprintf(&sb, "Reply warmly to a %d year old", req.Age)
	}
	if req.Topic != "" {
		fmt.Fprintf(&sb, " about %s", req.Topic)
	}
	if tail != "" {
		fmt.Fprintf(&sb, ". The story so far ends with: %s", tail)
	}
	return Prompt{
		SessionID:   req.SessionID,
		System:      "You are a kind storyteller for young children. Keep language simple and safe.",
		Context:     sb.String(),
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
}

// Narrative marker detectors. Each group contributes at most one point, for
// a structural score of 0 to 5.
var markers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(once upon a time|one (day|morning|evening|night)|long ago|in a faraway land)\b`),
	regexp.MustCompile(`(?i)\b(set (off|out)|began|started|decided to|went on a journey|ventured)\b`),
	regexp.MustCompile(`(?i)\b(but|suddenly|however|a problem|trouble|oh no|until)\b`),
	regexp.MustCompile(`(?i)\b(finally|at last|figured out|found a way|solved|saved|helped)\b`),
	regexp.MustCompile(`(?i)\b(the end|happily ever after|from that day (on|forward)|ever since|went home)\b`),
}

// StructuralScore counts which of the five narrative elements (opening,
// rising action, conflict, resolution, conclusion) are present in text.
func StructuralScore(text string) int {
	score := 0
	for _, m := range markers {
		if m.MatchString(text) {
			score++
		}
	}
	return score
}

// lastSentences returns at most n trailing sentences of text, used as the
// continuation seed to bound provider input size.
func lastSentences(text string, n int) string {
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
	if len(ends) <= n {
		return text
	}
	start := ends[len(ends)-n-1]
	return strings.TrimSpace(text[start:])
}
