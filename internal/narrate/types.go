package narrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hearthtales/hearth-core/internal/content"
)

// ChunkRequest asks a synthesizer for the audio of one text chunk.
type ChunkRequest struct {
	SessionID string
	Text      string
	Voice     string
	Prosody   string
}

// Audio is raw synthesized PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Synthesizer is the contract for producing audio for a single chunk.
type Synthesizer interface {
	Synthesize(ctx context.Context, req ChunkRequest) (Audio, error)
}

// Job is one narration request for a session.
type Job struct {
	SessionID string
	Text      string
	Voice     string
	Prosody   string
}

// ChunkInfo records per-chunk synthesis metadata. Sequence indices are
// contiguous from zero.
type ChunkInfo struct {
	Index    int
	Text     string
	Duration time.Duration
}

// Narration is fully assembled audio in original text order.
type Narration struct {
	Audio        []byte
	SampleRate   int
	Channels     int
	Chunks       []ChunkInfo
	Duration     time.Duration
	LatencyClass string
}

// ErrSuperseded marks a job cancelled because a newer request for the same
// session arrived.
var ErrSuperseded = errors.New("narration superseded by newer request")

// ErrChunkTimeout marks a chunk that exceeded its synthesis timeout.
var ErrChunkTimeout = errors.New("chunk synthesis timed out")

// SynthesisError wraps a chunk failure; any chunk failure fails the whole
// narration.
type SynthesisError struct {
	Chunk int
	Err   error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesize chunk %d: %v", e.Chunk, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// ProsodyFor maps a content type to the hint passed to the synthesizer.
func ProsodyFor(typ content.Type) string {
	switch typ {
	case content.TypeStory:
		return "warm"
	case content.TypeJoke:
		return "playful"
	case content.TypeFact:
		return "bright"
	case content.TypeSong:
		return "melodic"
	case content.TypeGuidance:
		return "gentle"
	default:
		return "friendly"
	}
}
