package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthtales/hearth-core/internal/bus"
	"github.com/hearthtales/hearth-core/internal/config"
	"github.com/hearthtales/hearth-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

const transcribeTimeout = 45 * time.Second

// Service buffers audio frames per session and turns each finished
// utterance into a turn request. Silent utterances are dropped.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     *slog.Logger
	sessions   map[string][]byte
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     log.With(slog.String("component", "stt-service")),
		sessions:   make(map[string][]byte),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
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

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}

	s.mu.Lock()
	s.sessions[frame.SessionID] = append(s.sessions[frame.SessionID], frame.PCM...)
	if !frame.Final {
		s.mu.Unlock()
		return
	}
	pcm := s.sessions[frame.SessionID]
	delete(s.sessions, frame.SessionID)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
		defer cancel()

		result, err := s.recognizer.Transcribe(ctx, pcm, s.cfg.SampleRate, s.cfg.Channels)
		if err != nil {
			s.logger.Warn("transcription failed", slog.String("session_id", frame.SessionID), slogError(err))
			return
		}
		if result.Text == "" {
			// Silence is not an error and yields no turn.
			return
		}
		s.publishTurn(frame.SessionID, result.Text)
	}()
}

func (s *Service) publishTurn(sessionID, message string) {
	req := protocol.TurnRequest{
		SessionID: sessionID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		s.logger.Warn("failed to marshal turn request", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTurnRequest, data); err != nil {
		s.logger.Warn("failed to publish turn request", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
