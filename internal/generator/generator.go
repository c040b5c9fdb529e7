// Package generator defines the capability set a room depends on to produce
// audio: a small polymorphic interface implemented by a deterministic mock
// synthesizer ([generator/mock]) and a live external adapter with
// fallback-to-mock ([generator/remote]). Rooms depend on the capability, not
// the concrete variant.
package generator

import "github.com/MrWong99/lyeria/internal/room"

// SampleRateHz, Channels, and FrameMillis fix the wire format every variant
// must emit: 16-bit signed little-endian PCM, stereo, 48kHz, 20ms frames.
const (
	SampleRateHz = 48_000
	Channels     = 2
	FrameMillis  = 20
	// FrameSamples is samples-per-channel in one frame: floor(48000*0.02).
	FrameSamples = SampleRateHz * FrameMillis / 1000
	// FrameBytes is the byte length of one frame: FrameSamples * Channels * 2.
	FrameBytes = FrameSamples * Channels * 2
)

// AudioChunkFunc is invoked by a Session once per emitted frame with a
// freshly allocated FrameBytes-length buffer. Implementations must not
// retain the slice's backing array beyond the call.
type AudioChunkFunc func(chunk []byte)

// Session is the capability set exposed to a room. All methods are safe
// for concurrent use and must not be called with the room's lock held:
// every method may perform I/O.
type Session interface {
	// Start begins producing frames. Idempotent: a second call while already
	// started is a no-op.
	Start() error

	// Close stops production, releases resources, and awaits termination of
	// any background producer. Idempotent and safe whether or not Start
	// succeeded.
	Close() error

	// ApplyState reconciles the session's internal configuration with the
	// full current room state and resumes or suspends generation to match
	// state.PlaybackState.
	ApplyState(state room.State) error

	Play() error
	Pause() error
	Stop() error
	ResetContext() error
}
