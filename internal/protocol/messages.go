package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices on the
// voice-input path.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TurnRequest is a single user turn submitted to the content engine.
// Age, language and voice are resolved by the caller before publishing.
type TurnRequest struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	Age       int       `json:"age"`
	Language  string    `json:"language"`
	Voice     string    `json:"voice"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnResponse carries the finished turn back to the caller. Audio is
// delivered separately as NarrationChunk messages; AudioUnavailable marks
// turns that degraded to text-only.
type TurnResponse struct {
	SessionID        string    `json:"session_id"`
	ContentType      string    `json:"content_type"`
	Text             string    `json:"text"`
	Truncated        bool      `json:"truncated"`
	AudioUnavailable bool      `json:"audio_unavailable"`
	SafetyScrubbed   bool      `json:"safety_scrubbed,omitempty"`
	StoryID          string    `json:"story_id,omitempty"`
	Iterations       int       `json:"iterations,omitempty"`
	LatencyClass     string    `json:"latency_class,omitempty"`
	TraceID          string    `json:"trace_id,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// NarrationChunk carries synthesized audio in sequence order.
type NarrationChunk struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTurnRequest      = "turn.request"
	SubjectTurnResponse     = "turn.response"
	SubjectNarrationAudio   = "narration.audio"
)
