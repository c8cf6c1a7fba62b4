package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthtales/hearth-core/internal/bus"
	"github.com/hearthtales/hearth-core/internal/config"
	"github.com/hearthtales/hearth-core/internal/content"
	"github.com/hearthtales/hearth-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Audio is streamed back in frames of this many PCM bytes.
const audioFrameBytes = 32 * 1024

const turnTimeout = 90 * time.Second

// Service is the bus-facing side of the engine: it consumes turn requests
// and publishes the finished response plus sequenced narration audio.
type Service struct {
	cfg    config.EngineConfig
	bus    *bus.Client
	engine *Engine
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.EngineConfig, busClient *bus.Client, engine *Engine, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		engine: engine,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "engine-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTurnRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TurnRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode turn request", slogError(err))
		return
	}
	if req.Message == "" {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, turnTimeout)
		defer cancel()

		resp, err := s.engine.HandleTurn(ctx, content.Request{
			SessionID: req.SessionID,
			UserID:    req.UserID,
			Message:   req.Message,
			Age:       req.Age,
			Language:  req.Language,
			Voice:     req.Voice,
			TraceID:   req.TraceID,
		})
		if errors.Is(err, ErrSuperseded) {
			// A newer request for the session won; this response is dropped.
			s.logger.Debug("turn superseded", slog.String("session_id", req.SessionID))
			return
		}
		if err != nil {
			s.logger.Warn("turn failed", slog.String("session_id", req.SessionID), slogError(err))
			return
		}

		s.publishResponse(req, resp)
		if !resp.AudioUnavailable && len(resp.Audio) > 0 {
			s.publishAudio(resp)
		}
	}()
}

func (s *Service) publishResponse(req protocol.TurnRequest, resp content.Response) {
	out := protocol.TurnResponse{
		SessionID:        resp.SessionID,
		ContentType:      string(resp.Type),
		Text:             resp.Text,
		Truncated:        resp.Truncated,
		AudioUnavailable: resp.AudioUnavailable,
		SafetyScrubbed:   resp.SafetyScrubbed,
		StoryID:          resp.StoryID,
		Iterations:       resp.Iterations,
		LatencyClass:     resp.LatencyClass,
		TraceID:          req.TraceID,
		Timestamp:        time.Now().UTC(),
	}
	data, err := json.Marshal(out)
	if err != nil {
		s.logger.Warn("failed to marshal turn response", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTurnResponse, data); err != nil {
		s.logger.Warn("failed to publish turn response", slogError(err))
	}
}

// publishAudio streams assembled narration as contiguously sequenced frames
// starting at zero; the last frame carries the final marker.
func (s *Service) publishAudio(resp content.Response) {
	pcm := resp.Audio
	sequence := 0
	for offset := 0; offset < len(pcm); offset += audioFrameBytes {
		end := offset + audioFrameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := protocol.NarrationChunk{
			SessionID:  resp.SessionID,
			Sequence:   sequence,
			SampleRate: resp.SampleRate,
			Channels:   resp.Channels,
			PCM:        pcm[offset:end],
			Final:      end == len(pcm),
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			s.logger.Warn("failed to marshal narration chunk", slogError(err))
			return
		}
		if err := s.bus.Conn().Publish(protocol.SubjectNarrationAudio, data); err != nil {
			s.logger.Warn("failed to publish narration chunk", slogError(err))
			return
		}
		sequence++
	}
}
