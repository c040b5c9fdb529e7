// Package config provides the environment-backed configuration schema and
// loader for the room server.
package config

import "time"

// LogLevel selects the verbosity of the process-wide slog handler.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognized log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	default:
		return false
	}
}

// Config is the root configuration structure. It is populated by [Load],
// which reads from the process environment: the server has no on-disk
// settings file to hot-reload.
type Config struct {
	// AppName is used in the startup banner and as the OTel service name.
	AppName string
	// AppEnv labels the deployment environment (e.g. "development", "production").
	AppEnv string
	// LogLevel controls the verbosity of the slog handler newLogger builds.
	LogLevel LogLevel

	// ListenAddr is the TCP address the HTTP/WS server listens on.
	ListenAddr string

	// CORSOrigins lists allowed cross-origin request origins. Defaults to
	// ["*"], matching the original wide-open development default.
	CORSOrigins []string

	// TokenSecret signs and verifies room join tokens. Must be non-empty, and
	// must differ from the built-in default when AppEnv is "production".
	TokenSecret string
	// TokenTTL bounds how long an issued token remains valid.
	TokenTTL time.Duration
	// ReservationTTL bounds how long a reserved-but-not-yet-connected role
	// holds its slot before another client may claim it.
	ReservationTTL time.Duration

	// UseMockGenerator forces the deterministic synthesizer regardless of
	// whether GeminiAPIKey is set.
	UseMockGenerator bool
	// GeminiAPIKey authenticates the remote generator backend. Empty forces
	// the mock generator regardless of UseMockGenerator.
	GeminiAPIKey string
	// GeminiModel selects the remote backend's Lyria RealTime model id.
	GeminiModel string

	// RoomIdleTimeout is how long a room may sit with zero subscribers
	// before the reaper closes it.
	RoomIdleTimeout time.Duration
}
