package narrate

import (
	"context"
	"time"
)

// mockSynth produces deterministic placeholder PCM proportional to the text
// length, so ordering and assembly can be exercised without a voice model.
type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req ChunkRequest) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	pcm := make([]byte, len(req.Text)*2)
	for i := range pcm {
		pcm[i] = byte(req.Text[i/2])
	}
	return Audio{PCM: pcm, SampleRate: m.sampleRate, Channels: m.channels}, nil
}
