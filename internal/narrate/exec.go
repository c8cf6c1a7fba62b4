package narrate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSynth shells out to a voice command that reads one JSON request on
// stdin and writes one JSON response on stdout.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execChunkRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Prosody    string `json:"prosody,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execChunkResponse struct {
	PCMBase64 string `json:"pcm_base64"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse narration command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("narration command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req ChunkRequest) (Audio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	input, err := json.Marshal(execChunkRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Prosody:    req.Prosody,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return Audio{}, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return Audio{}, fmt.Errorf("narration command failed: %w", err)
	}

	var resp execChunkResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return Audio{}, fmt.Errorf("decode narration response: %w", err)
	}
	pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
	if err != nil {
		return Audio{}, fmt.Errorf("decode narration pcm: %w", err)
	}
	return Audio{PCM: pcm, SampleRate: e.sampleRate, Channels: e.channels}, nil
}
