// Package remote implements the live external generator adapter: it speaks
// to Google's Lyria RealTime music-generation backend via
// [google.golang.org/genai]'s live-music client and falls back to an
// embedded mock session when the backend cannot be initialized at Start.
// Receive errors after a successful start are logged and retried; they do
// not switch the session to the mock.
//
// The structure mirrors the teacher's Gemini Live client
// (pkg/provider/s2s/gemini): a setup call, a background receive loop that
// forwards decoded audio to a callback, and a close-once teardown — adapted
// here from a hand-rolled JSON-over-websocket protocol to the genai SDK's
// live-music session, and from conversational turns to MusicConfig/
// WeightedPrompt state reconciliation.
package remote

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/lyeria/internal/generator"
	"github.com/MrWong99/lyeria/internal/generator/mock"
	"github.com/MrWong99/lyeria/internal/room"
)

// retryDelay is how long the receive loop waits after a non-cancellation
// error before attempting to receive again.
const retryDelay = 250 * time.Millisecond

// defaultPromptText is substituted when a room has no prompts, so the
// remote session stays steerable even with an empty UI prompt list.
const defaultPromptText = "minimal techno"

// musicSession is the subset of the genai live-music session this adapter
// depends on, narrowed to an interface so tests can substitute a fake.
type musicSession interface {
	SendWeightedPrompts(ctx context.Context, prompts []*genai.WeightedPrompt) error
	SendMusicGenerationConfig(ctx context.Context, config *genai.LiveMusicGenerationConfig) error
	SendPlaybackControl(ctx context.Context, control genai.LiveMusicPlaybackControl) error
	Receive() (*genai.LiveMusicServerMessage, error)
	Close() error
}

// Session is a [generator.Session] backed by the remote Lyria RealTime
// backend, with automatic fallback to a deterministic mock on
// initialization failure.
type Session struct {
	onAudioChunk generator.AudioChunkFunc
	apiKey       string
	model        string

	mockFallback *mock.Session

	mu         sync.Mutex
	usingMock  bool
	running    bool
	client     *genai.Client
	session    musicSession
	latest     *room.State
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	recvDone   chan struct{}
}

// New returns a Session that targets model using apiKey, invoking
// onAudioChunk for every decoded audio frame (real or mock-sourced).
func New(onAudioChunk generator.AudioChunkFunc, apiKey, model string) *Session {
	return &Session{
		onAudioChunk: onAudioChunk,
		apiKey:       apiKey,
		model:        model,
		mockFallback: mock.New(onAudioChunk),
	}
}

// Start implements [generator.Session]. It attempts to initialize the real
// backend; on any failure it logs, downgrades to the embedded mock, and
// still reports success — the session is "running" in both branches.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.startReal(); err != nil {
		slog.Warn("remote generator: failed to initialize real session, falling back to mock", "err", err)
		s.mu.Lock()
		s.usingMock = true
		s.running = true
		s.mu.Unlock()
		return s.mockFallback.Start()
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

// startReal dials the live-music backend, performs initial state
// reconciliation if a state was already applied before Start, and launches
// the background receive loop.
func (s *Session) startReal() error {
	ctx, cancel := context.WithCancel(context.Background())

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		cancel()
		return err
	}

	musicClient, err := client.Live.Music.Connect(ctx, s.model, nil)
	if err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	s.client = client
	s.session = musicClient
	s.ctx = ctx
	s.cancel = cancel
	s.recvDone = make(chan struct{})
	latest := s.latest
	s.mu.Unlock()

	if latest != nil {
		if err := s.applyPrompts(ctx, *latest); err != nil {
			slog.Warn("remote generator: initial prompt replay failed", "err", err)
		}
		if err := s.applyConfig(ctx, *latest); err != nil {
			slog.Warn("remote generator: initial config replay failed", "err", err)
		}
		if latest.PlaybackState == room.PlaybackPlaying {
			_ = musicClient.SendPlaybackControl(ctx, genai.LiveMusicPlaybackControlPlay)
		}
	}

	go s.receiveLoop()
	return nil
}

// receiveLoop reads decoded server messages from the live-music session and
// forwards audio payloads to the callback until the session's context is
// canceled. Per the specification's explicit open question, the loop
// condition is simply "alive until canceled or closed" — it does not
// attempt to reproduce the original's running/using_mock conjunction.
func (s *Session) receiveLoop() {
	s.mu.Lock()
	done := s.recvDone
	ctx := s.ctx
	sess := s.session
	s.mu.Unlock()

	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := sess.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("remote generator: receive loop error, retrying", "err", err, "delay", retryDelay)
			select {
			case <-time.After(retryDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

		if msg == nil || msg.ServerContent == nil {
			continue
		}
		for _, chunk := range msg.ServerContent.AudioChunks {
			if len(chunk.Data) == 0 {
				continue
			}
			s.onAudioChunk(chunk.Data)
		}
	}
}

// Close implements [generator.Session].
func (s *Session) Close() error {
	s.mu.Lock()
	usingMock := s.usingMock
	cancel := s.cancel
	done := s.recvDone
	sess := s.session
	s.mu.Unlock()

	if usingMock {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return s.mockFallback.Close()
	}

	var closeErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
		if sess != nil {
			closeErr = sess.Close()
		}
	})
	return closeErr
}

// ApplyState implements [generator.Session].
func (s *Session) ApplyState(state room.State) error {
	s.mu.Lock()
	s.latest = &state
	usingMock := s.usingMock
	sess := s.session
	ctx := s.ctx
	s.mu.Unlock()

	if usingMock {
		return s.mockFallback.ApplyState(state)
	}
	if sess == nil {
		return nil
	}

	if err := s.applyPrompts(ctx, state); err != nil {
		return err
	}
	if err := s.applyConfig(ctx, state); err != nil {
		return err
	}

	switch state.PlaybackState {
	case room.PlaybackPlaying:
		return sess.SendPlaybackControl(ctx, genai.LiveMusicPlaybackControlPlay)
	case room.PlaybackPaused:
		return sess.SendPlaybackControl(ctx, genai.LiveMusicPlaybackControlPause)
	case room.PlaybackStopped:
		return sess.SendPlaybackControl(ctx, genai.LiveMusicPlaybackControlStop)
	}
	return nil
}

func (s *Session) applyPrompts(ctx context.Context, state room.State) error {
	prompts := make([]*genai.WeightedPrompt, 0, len(state.Prompts))
	for _, p := range state.Prompts {
		prompts = append(prompts, &genai.WeightedPrompt{Text: p.Text, Weight: float32(p.Weight)})
	}
	if len(prompts) == 0 {
		prompts = append(prompts, &genai.WeightedPrompt{Text: defaultPromptText, Weight: 1.0})
	}
	return s.session.SendWeightedPrompts(ctx, prompts)
}

func (s *Session) applyConfig(ctx context.Context, state room.State) error {
	cfg := state.MusicConfig
	liveCfg := &genai.LiveMusicGenerationConfig{
		Guidance:            float32(cfg.Guidance),
		Bpm:                 int32(cfg.BPM),
		Density:             float32(cfg.Density),
		Brightness:          float32(cfg.Brightness),
		MuteBass:            cfg.MuteBass,
		MuteDrums:           cfg.MuteDrums,
		OnlyBassAndDrums:    cfg.OnlyBassAndDrums,
		Temperature:         float32(cfg.Temperature),
		TopK:                int32(cfg.TopK),
		MusicGenerationMode: genai.MusicGenerationMode(cfg.MusicGenerationMode),
		Scale:               genai.Scale(cfg.Scale),
	}
	if cfg.Seed != nil {
		seed := int32(*cfg.Seed)
		liveCfg.Seed = &seed
	}
	return s.session.SendMusicGenerationConfig(ctx, liveCfg)
}

// Play implements [generator.Session].
func (s *Session) Play() error {
	return s.delegate(func(sess musicSession, ctx context.Context) error {
		return sess.SendPlaybackControl(ctx, genai.LiveMusicPlaybackControlPlay)
	}, (*mock.Session).Play)
}

// Pause implements [generator.Session].
func (s *Session) Pause() error {
	return s.delegate(func(sess musicSession, ctx context.Context) error {
		return sess.SendPlaybackControl(ctx, genai.LiveMusicPlaybackControlPause)
	}, (*mock.Session).Pause)
}

// Stop implements [generator.Session].
func (s *Session) Stop() error {
	return s.delegate(func(sess musicSession, ctx context.Context) error {
		return sess.SendPlaybackControl(ctx, genai.LiveMusicPlaybackControlStop)
	}, (*mock.Session).Stop)
}

// ResetContext implements [generator.Session]. The real backend has no
// direct reset call exposed by this adapter's narrowed interface; resetting
// context is only meaningful for the mock's phase accumulator, so on the
// real branch this is a no-op.
func (s *Session) ResetContext() error {
	s.mu.Lock()
	usingMock := s.usingMock
	s.mu.Unlock()
	if usingMock {
		return s.mockFallback.ResetContext()
	}
	return nil
}

// delegate calls realFn against the active session if the real backend is
// in use, or mockFn against the embedded mock otherwise.
func (s *Session) delegate(realFn func(musicSession, context.Context) error, mockFn func(*mock.Session) error) error {
	s.mu.Lock()
	usingMock := s.usingMock
	sess := s.session
	ctx := s.ctx
	s.mu.Unlock()

	if usingMock {
		return mockFn(s.mockFallback)
	}
	if sess == nil {
		return nil
	}
	return realFn(sess, ctx)
}
