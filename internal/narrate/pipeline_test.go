package narrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hearthtales/hearth-core/internal/config"
	"github.com/hearthtales/hearth-core/internal/content"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.NarrationConfig {
	return config.NarrationConfig{
		SampleRate:     22050,
		Channels:       1,
		ChunkThreshold: 40,
		Concurrency:    3,
		ChunkTimeoutMS: 1000,
	}
}

// synthFunc adapts a function to the Synthesizer interface.
type synthFunc func(ctx context.Context, req ChunkRequest) (Audio, error)

func (f synthFunc) Synthesize(ctx context.Context, req ChunkRequest) (Audio, error) {
	return f(ctx, req)
}

func TestChunkText(t *testing.T) {
	if got := chunkText("short text.", 40); len(got) != 1 {
		t.Fatalf("text under threshold must stay one chunk, got %d", len(got))
	}
	text := "First sentence here. Second sentence here. Third sentence here."
	chunks := chunkText(text, 40)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %v", chunks)
	}
	for _, c := range chunks {
		if len(c) > 40 {
			t.Fatalf("chunk over threshold: %q", c)
		}
	}
	if joined := strings.Join(chunks, " "); joined != text {
		t.Fatalf("chunking lost text: %q vs %q", joined, text)
	}
}

func TestNarrateOrderPreservedUnderOutOfOrderCompletion(t *testing.T) {
	// Later chunks complete before earlier ones; assembly must still follow
	// original sequence order.
	var order atomic.Int32
	synth := synthFunc(func(ctx context.Context, req ChunkRequest) (Audio, error) {
		n := order.Add(1)
		delay := time.Duration(10-n) * 10 * time.Millisecond
		select {
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		case <-time.After(delay):
		}
		return Audio{PCM: []byte("<" + req.Text + ">")}, nil
	})

	p := NewPipeline(testConfig(), synth, newLogger())
	text := "Alpha sentence one. Beta sentence two. Gamma sentence three. Delta sentence four."
	n, err := p.Narrate(context.Background(), Job{SessionID: "s", Text: text, Voice: "ember"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var want bytes.Buffer
	for _, c := range chunkText(text, 40) {
		want.WriteString("<" + c + ">")
	}
	if !bytes.Equal(n.Audio, want.Bytes()) {
		t.Fatalf("audio out of order:\n got %q\nwant %q", n.Audio, want.Bytes())
	}
	for i, info := range n.Chunks {
		if info.Index != i {
			t.Fatalf("chunk indices not contiguous: %v", n.Chunks)
		}
	}
}

func TestNarrateBoundedConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	synth := synthFunc(func(ctx context.Context, req ChunkRequest) (Audio, error) {
		c := current.Add(1)
		for {
			p := peak.Load()
			if c <= p || peak.CompareAndSwap(p, c) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return Audio{PCM: []byte("x")}, nil
	})

	cfg := testConfig()
	cfg.Concurrency = 2
	p := NewPipeline(cfg, synth, newLogger())
	text := strings.Repeat("A sentence that is long enough here. ", 6)
	if _, err := p.Narrate(context.Background(), Job{SessionID: "s", Text: text}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("concurrency bound violated: peak %d", got)
	}
}

func TestNarrateChunkFailureFailsWholeJob(t *testing.T) {
	boom := errors.New("voice backend down")
	var calls atomic.Int32
	synth := synthFunc(func(ctx context.Context, req ChunkRequest) (Audio, error) {
		if calls.Add(1) == 2 {
			return Audio{}, boom
		}
		return Audio{PCM: []byte("ok")}, nil
	})

	p := NewPipeline(testConfig(), synth, newLogger())
	text := "One sentence goes here first. Another sentence goes here second. A third sentence goes here."
	n, err := p.Narrate(context.Background(), Job{SessionID: "s", Text: text})
	var serr *SynthesisError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SynthesisError, got %v", err)
	}
	if len(n.Audio) != 0 {
		t.Fatal("partial audio must never be returned")
	}
}

func TestNarrateSingleFlightPerSession(t *testing.T) {
	var inflight, maxInflight atomic.Int32
	started := make(chan struct{}, 16)
	synth := synthFunc(func(ctx context.Context, req ChunkRequest) (Audio, error) {
		c := inflight.Add(1)
		for {
			p := maxInflight.Load()
			if c <= p || maxInflight.CompareAndSwap(p, c) {
				break
			}
		}
		started <- struct{}{}
		defer inflight.Add(-1)
		select {
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return Audio{PCM: []byte("ok")}, nil
		}
	})

	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.ChunkThreshold = 1000
	p := NewPipeline(cfg, synth, newLogger())

	var wg sync.WaitGroup
	errsCh := make(chan error, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := p.Narrate(context.Background(), Job{SessionID: "same", Text: fmt.Sprintf("request %d here.", i)})
			errsCh <- err
		}(i)
	}
	wg.Wait()
	close(errsCh)

	if got := maxInflight.Load(); got > 1 {
		t.Fatalf("two simultaneous in-flight synthesis calls for one session: %d", got)
	}

	var superseded, succeeded int
	for err := range errsCh {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrSuperseded):
			superseded++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded < 1 {
		t.Fatalf("expected at least one request to finish (superseded=%d)", superseded)
	}
}

func TestNarrateSupersedeCancelsPromptly(t *testing.T) {
	blocked := make(chan struct{})
	synth := synthFunc(func(ctx context.Context, req ChunkRequest) (Audio, error) {
		if strings.HasPrefix(req.Text, "first") {
			close(blocked)
			<-ctx.Done()
			return Audio{}, ctx.Err()
		}
		return Audio{PCM: []byte("second")}, nil
	})

	cfg := testConfig()
	cfg.ChunkThreshold = 1000
	p := NewPipeline(cfg, synth, newLogger())

	firstErr := make(chan error, 1)
	go func() {
		_, err := p.Narrate(context.Background(), Job{SessionID: "s", Text: "first request."})
		firstErr <- err
	}()
	<-blocked

	n, err := p.Narrate(context.Background(), Job{SessionID: "s", Text: "second request."})
	if err != nil {
		t.Fatalf("superseding request failed: %v", err)
	}
	if string(n.Audio) != "second" {
		t.Fatalf("unexpected audio: %q", n.Audio)
	}
	if err := <-firstErr; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected first job superseded, got %v", err)
	}
}

func TestNarrateIndependentSessionsProceedConcurrently(t *testing.T) {
	var inflight, peak atomic.Int32
	synth := synthFunc(func(ctx context.Context, req ChunkRequest) (Audio, error) {
		c := inflight.Add(1)
		for {
			p := peak.Load()
			if c <= p || peak.CompareAndSwap(p, c) {
				break
			}
		}
		defer inflight.Add(-1)
		time.Sleep(50 * time.Millisecond)
		return Audio{PCM: []byte("ok")}, nil
	})

	cfg := testConfig()
	cfg.ChunkThreshold = 1000
	p := NewPipeline(cfg, synth, newLogger())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := p.Narrate(context.Background(), Job{SessionID: fmt.Sprintf("session-%d", i), Text: "hello there."}); err != nil {
				t.Errorf("session %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if peak.Load() < 2 {
		t.Fatalf("independent sessions did not overlap: peak %d", peak.Load())
	}
}

func TestClassifyLatency(t *testing.T) {
	cases := map[time.Duration]string{
		100 * time.Millisecond: "fast",
		2 * time.Second:        "acceptable",
		5 * time.Second:        "slow",
	}
	for d, want := range cases {
		if got := classifyLatency(d); got != want {
			t.Fatalf("classifyLatency(%v) = %s, want %s", d, got, want)
		}
	}
}

func TestProsodyFor(t *testing.T) {
	if ProsodyFor(content.TypeStory) != "warm" || ProsodyFor(content.TypeGuidance) != "gentle" {
		t.Fatal("unexpected prosody mapping")
	}
}
