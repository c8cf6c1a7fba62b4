package stt

import (
	"context"
)

// TranscriptResult captures recognizer output. An empty Text is legitimate:
// it means the utterance was silence and produces no turn.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts speech-to-text backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error)
}
