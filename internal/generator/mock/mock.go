// Package mock implements a deterministic additive-synthesis PCM16 stereo
// generator used for local development and integration testing in place of
// the real external music service.
package mock

import (
	"math"
	"sync"
	"time"

	"github.com/MrWong99/lyeria/internal/generator"
	"github.com/MrWong99/lyeria/internal/room"
)

// phaseWrap bounds the running phase accumulator so it never grows
// unbounded across a long-lived session.
const phaseWrap = 10_000.0

// Session is a [generator.Session] that synthesizes audio from a fixed,
// reproducible formula driven by the room's MusicConfig and prompt weights.
// Safe for concurrent use.
type Session struct {
	onAudioChunk generator.AudioChunkFunc

	mu            sync.Mutex
	config        room.MusicConfig
	promptWeights []float64
	phase         float64
	playing       bool

	done    chan struct{}
	started bool
	wg      sync.WaitGroup
}

// New returns a Session that invokes onAudioChunk once per frame while
// playing. The session does not start producing until Start is called.
func New(onAudioChunk generator.AudioChunkFunc) *Session {
	return &Session{
		onAudioChunk: onAudioChunk,
		config:       room.NewMusicConfig(),
		done:         make(chan struct{}),
	}
}

// Start implements [generator.Session]. Idempotent.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.started = true

	s.wg.Add(1)
	go s.run()
	return nil
}

// Close implements [generator.Session]. Idempotent and safe whether or not
// Start succeeded.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	select {
	case <-s.done:
		// Already closed.
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// ApplyState implements [generator.Session].
func (s *Session) ApplyState(state room.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.config = state.MusicConfig
	s.promptWeights = make([]float64, len(state.Prompts))
	for i, p := range state.Prompts {
		s.promptWeights[i] = p.Weight
	}

	switch state.PlaybackState {
	case room.PlaybackPlaying:
		s.playing = true
	case room.PlaybackPaused:
		s.playing = false
	case room.PlaybackStopped:
		s.playing = false
		s.phase = 0
	}
	return nil
}

// Play implements [generator.Session].
func (s *Session) Play() error {
	s.mu.Lock()
	s.playing = true
	s.mu.Unlock()
	return nil
}

// Pause implements [generator.Session]. Phase is left untouched.
func (s *Session) Pause() error {
	s.mu.Lock()
	s.playing = false
	s.mu.Unlock()
	return nil
}

// Stop implements [generator.Session]. Resets phase, unlike Pause.
func (s *Session) Stop() error {
	s.mu.Lock()
	s.playing = false
	s.phase = 0
	s.mu.Unlock()
	return nil
}

// ResetContext implements [generator.Session].
func (s *Session) ResetContext() error {
	s.mu.Lock()
	s.phase = 0
	s.mu.Unlock()
	return nil
}

// run is the background producer loop started by Start. It fires roughly
// every 20ms on a cooperative timer, never busy-waiting; drift against wall
// clock is acceptable.
func (s *Session) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(generator.FrameMillis * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			chunk, ok := s.renderIfPlaying()
			if ok {
				s.onAudioChunk(chunk)
			}
		}
	}
}

// renderIfPlaying renders one frame under lock if the session is currently
// playing, advancing the phase accumulator, and returns (frame, true); if
// not playing it returns (nil, false).
func (s *Session) renderIfPlaying() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.playing {
		return nil, false
	}
	return s.renderLocked(), true
}

// renderLocked synthesizes one FrameBytes-length PCM16 stereo frame per the
// formula in the room-runtime specification. Must be called with s.mu held.
func (s *Session) renderLocked() []byte {
	cfg := s.config

	promptBias := 0.0
	if len(s.promptWeights) > 0 {
		sum := 0.0
		for _, w := range s.promptWeights {
			sum += w
		}
		promptBias = sum / float64(len(s.promptWeights))
	}

	baseFreq := 90.0 + (float64(cfg.BPM) * 0.55) + (cfg.Brightness * 180.0) + (promptBias * 8.0)
	switch cfg.MusicGenerationMode {
	case room.ModeDiversity:
		baseFreq *= 1.07
	case room.ModeVocalization:
		baseFreq *= 1.18
	}
	lfoFreq := 0.35 + (cfg.Density * 0.8)

	guidanceMix := clamp(cfg.Guidance/6.0, 0.05, 1.0)
	amplitude := 0.12 + (cfg.Density * 0.26)
	if cfg.MuteBass {
		amplitude *= 0.7
	}
	if cfg.OnlyBassAndDrums {
		amplitude *= 0.85
	}

	step := 2.0 * math.Pi * baseFreq / generator.SampleRateHz
	lfoStep := 2.0 * math.Pi * lfoFreq / generator.SampleRateHz

	pcm := make([]byte, generator.FrameBytes)
	writeIndex := 0

	for i := 0; i < generator.FrameSamples; i++ {
		idx := float64(i)
		lfo := math.Sin((s.phase * 0.08) + (idx * lfoStep))
		carrier := math.Sin(s.phase + (idx * step))
		overtone := math.Sin((s.phase * 1.9) + (idx * step * 1.92))

		sample := (carrier * (0.75 + 0.25*guidanceMix)) + (overtone * 0.35 * (0.5 + guidanceMix))
		sample *= 1.0 + 0.25*lfo
		sample *= amplitude
		if cfg.MuteDrums {
			sample *= 0.8
		}

		left := clamp(sample, -1.0, 1.0)
		right := clamp((sample*0.92)+(0.08*math.Sin(s.phase*0.5)), -1.0, 1.0)

		leftI := int16(math.Round(left * 32767.0))
		rightI := int16(math.Round(right * 32767.0))

		pcm[writeIndex] = byte(leftI)
		pcm[writeIndex+1] = byte(leftI >> 8)
		pcm[writeIndex+2] = byte(rightI)
		pcm[writeIndex+3] = byte(rightI >> 8)
		writeIndex += 4
	}

	s.phase += float64(generator.FrameSamples) * step
	if s.phase > phaseWrap {
		s.phase = math.Mod(s.phase, phaseWrap)
	}

	return pcm
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
