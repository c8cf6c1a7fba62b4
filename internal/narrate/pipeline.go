package narrate

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hearthtales/hearth-core/internal/config"
	"golang.org/x/sync/errgroup"
)

// Pipeline splits narration text into sentence-bounded chunks, synthesizes
// them with bounded concurrency and reassembles the audio strictly in
// original sequence order.
//
// Single-flight policy: supersede-and-cancel. At most one synthesis job is
// in flight per session; a new job for the same session cancels the prior
// one and waits for it to release its concurrency budget before starting.
// The newest utterance always wins.
type Pipeline struct {
	cfg    config.NarrationConfig
	synth  Synthesizer
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]*flight
}

type flight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPipeline(cfg config.NarrationConfig, synth Synthesizer, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		synth:    synth,
		logger:   logger.With(slog.String("component", "narration-pipeline")),
		inflight: make(map[string]*flight),
	}
}

// Narrate synthesizes job.Text. Any chunk failure fails the whole narration;
// partially concatenated audio is never returned.
func (p *Pipeline) Narrate(ctx context.Context, job Job) (Narration, error) {
	jobCtx, release := p.acquire(ctx, job.SessionID)
	defer release()

	start := time.Now()
	chunks := chunkText(job.Text, p.cfg.ChunkThreshold)
	results := make([]Audio, len(chunks))
	infos := make([]ChunkInfo, len(chunks))

	g, gctx := errgroup.WithContext(jobCtx)
	g.SetLimit(p.cfg.Concurrency)
	for i, text := range chunks {
		g.Go(func() error {
			chunkCtx, cancel := context.WithTimeout(gctx, time.Duration(p.cfg.ChunkTimeoutMS)*time.Millisecond)
			defer cancel()

			chunkStart := time.Now()
			audio, err := p.synth.Synthesize(chunkCtx, ChunkRequest{
				SessionID: job.SessionID,
				Text:      text,
				Voice:     job.Voice,
				Prosody:   job.Prosody,
			})
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && chunkCtx.Err() != nil && gctx.Err() == nil {
					return &SynthesisError{Chunk: i, Err: ErrChunkTimeout}
				}
				return &SynthesisError{Chunk: i, Err: err}
			}
			results[i] = audio
			infos[i] = ChunkInfo{Index: i, Text: text, Duration: time.Since(chunkStart)}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if jobCtx.Err() != nil && ctx.Err() == nil {
			return Narration{}, ErrSuperseded
		}
		p.logger.Warn("narration failed",
			slog.String("session_id", job.SessionID),
			slog.String("error", err.Error()))
		return Narration{}, err
	}

	assembled := make([][]byte, len(results))
	for i, r := range results {
		assembled[i] = r.PCM
	}
	duration := time.Since(start)
	narration := Narration{
		Audio:        bytes.Join(assembled, nil),
		SampleRate:   p.cfg.SampleRate,
		Channels:     p.cfg.Channels,
		Chunks:       infos,
		Duration:     duration,
		LatencyClass: classifyLatency(duration),
	}
	p.logger.Info("narration complete",
		slog.String("session_id", job.SessionID),
		slog.Int("chunks", len(chunks)),
		slog.Duration("latency", duration),
		slog.String("latency_class", narration.LatencyClass))
	return narration, nil
}

// acquire enforces single-flight per session. It cancels any in-flight job
// for the session and blocks until that job has fully released before
// registering the new one.
func (p *Pipeline) acquire(ctx context.Context, sessionID string) (context.Context, func()) {
	p.mu.Lock()
	for {
		prior := p.inflight[sessionID]
		if prior == nil {
			break
		}
		prior.cancel()
		p.mu.Unlock()
		<-prior.done
		p.mu.Lock()
	}
	jobCtx, cancel := context.WithCancel(ctx)
	f := &flight{cancel: cancel, done: make(chan struct{})}
	p.inflight[sessionID] = f
	p.mu.Unlock()

	return jobCtx, func() {
		cancel()
		p.mu.Lock()
		if p.inflight[sessionID] == f {
			delete(p.inflight, sessionID)
		}
		p.mu.Unlock()
		close(f.done)
	}
}

// chunkText splits text at sentence boundaries into ordered chunks each
// under threshold characters. Text at or under the threshold stays a single
// chunk. A lone sentence longer than the threshold becomes its own chunk;
// sentence boundaries are never broken.
func chunkText(text string, threshold int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= threshold {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	for _, sentence := range splitSentences(text) {
		if current.Len() > 0 && current.Len()+1+len(sentence) > threshold {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sentence)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '.' || c == '!' || c == '?' {
			for i+1 < len(text) && (text[i+1] == '.' || text[i+1] == '!' || text[i+1] == '?') {
				i++
			}
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// classifyLatency buckets job latency for observability only; it never
// alters correctness or retry behavior.
func classifyLatency(d time.Duration) string {
	switch {
	case d < time.Second:
		return "fast"
	case d < 3*time.Second:
		return "acceptable"
	default:
		return "slow"
	}
}
