package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTokenTTL       = 24 * time.Hour
	defaultReservationTTL = 30 * time.Second
	defaultRoomIdleTimeout = 30 * time.Minute
	defaultGeminiModel    = "models/lyria-realtime-exp"
	defaultTokenSecret    = "dev-secret-change-me"
)

// Load reads configuration from the process environment and returns a
// validated [Config].
func Load() (*Config, error) {
	cfg := &Config{
		AppName:          envOr("APP_NAME", "lyeria-server"),
		AppEnv:           envOr("APP_ENV", "development"),
		LogLevel:         LogLevel(envOr("LOG_LEVEL", string(LogInfo))),
		ListenAddr:       envOr("LISTEN_ADDR", ":8080"),
		CORSOrigins:      envCSVOr("CORS_ORIGINS", []string{"*"}),
		TokenSecret:      envOr("TOKEN_SECRET", defaultTokenSecret),
		TokenTTL:         envSecondsOr("TOKEN_TTL_SECONDS", defaultTokenTTL),
		ReservationTTL:   envSecondsOr("RESERVATION_TTL_SECONDS", defaultReservationTTL),
		UseMockGenerator: envBoolOr("USE_MOCK_LYRIA", true),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		GeminiModel:      envOr("GEMINI_MODEL", defaultGeminiModel),
		RoomIdleTimeout:  envSecondsOr("ROOM_IDLE_TIMEOUT_SECONDS", defaultRoomIdleTimeout),
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found, rather than failing
// on the first one.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.AppName == "" {
		errs = append(errs, errors.New("app_name must not be empty"))
	}
	if cfg.TokenSecret == "" {
		errs = append(errs, errors.New("token_secret must not be empty"))
	}
	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.TokenSecret == defaultTokenSecret && cfg.AppEnv == "production" {
		errs = append(errs, errors.New("token_secret must be overridden when app_env is production"))
	}
	if cfg.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("token_ttl_seconds must be positive, got %s", cfg.TokenTTL))
	}
	if cfg.ReservationTTL <= 0 {
		errs = append(errs, fmt.Errorf("reservation_ttl_seconds must be positive, got %s", cfg.ReservationTTL))
	}
	if cfg.RoomIdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("room_idle_timeout_seconds must be positive, got %s", cfg.RoomIdleTimeout))
	}
	if len(cfg.CORSOrigins) == 0 {
		errs = append(errs, errors.New("cors_origins must not be empty"))
	}
	// A missing gemini_api_key is not a startup error: generator.New falls
	// back to the mock synthesizer whenever use_mock_lyria is true or no key
	// is set.

	return errors.Join(errs...)
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBoolOr(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envSecondsOr(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

func envCSVOr(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
