package generate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hearthtales/hearth-core/internal/content"
)

// Prompt describes one provider call. Context carries only the accumulated
// tail the provider needs, never the full conversation.
type Prompt struct {
	SessionID   string
	System      string
	Context     string
	MaxTokens   int
	Temperature float64
}

// Segment is one provider response.
type Segment struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Provider defines a pluggable text-generation backend.
type Provider interface {
	Generate(ctx context.Context, prompt Prompt) (Segment, error)
}

// Request drives one bounded generation run.
type Request struct {
	SessionID     string
	Type          content.Type
	Topic         string
	Age           int
	Seed          string // continuation seed, at most the last sentence or two
	TargetWords   int
	MaxIterations int
	CallTimeout   time.Duration
	Deadline      time.Duration
}

// Result is the outcome of a generation run. WordCount is monotonically
// non-decreasing across iterations because accumulation is append-only, and
// Truncated is set whenever the run ended before reaching its target.
type Result struct {
	Text            string
	WordCount       int
	StructuralScore int
	Iterations      int
	Truncated       bool
}

// ErrDeadline marks a run that ran out of its overall time budget.
var ErrDeadline = errors.New("generation deadline exceeded")

// ProviderError wraps a provider failure that survived retries.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("generation provider: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
