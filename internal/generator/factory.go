package generator

import (
	"github.com/MrWong99/lyeria/internal/generator/mock"
	"github.com/MrWong99/lyeria/internal/generator/remote"
)

// Config selects which Session variant New constructs.
type Config struct {
	// UseMock forces the mock synthesizer regardless of APIKey.
	UseMock bool
	// APIKey is the remote backend's API key. An empty key forces the mock
	// regardless of UseMock.
	APIKey string
	// Model is the remote backend's model identifier.
	Model string
}

// New returns the mock session if cfg.UseMock is true or cfg.APIKey is
// empty; otherwise it returns a remote session (which itself falls back to
// an embedded mock at Start time if the real backend cannot be reached).
func New(onAudioChunk AudioChunkFunc, cfg Config) Session {
	if cfg.UseMock || cfg.APIKey == "" {
		return mock.New(onAudioChunk)
	}
	return remote.New(onAudioChunk, cfg.APIKey, cfg.Model)
}
