// Package room implements the per-room aggregate: authoritative room state,
// the generator session, connected subscribers, and pending role
// reservations. All mutations pass through the room's internal mutex; the
// package never holds that lock across I/O.
package room

import (
	"time"
)

// Role is one of the two fixed participant identities within a room.
type Role string

const (
	RoleA Role = "A"
	RoleB Role = "B"
)

// roleColors gives each role a fixed display color, matching the original
// room UI's participant badges.
var roleColors = map[Role]string{
	RoleA: "#2f7bff",
	RoleB: "#ff4a4a",
}

// PlaybackState is the room's transport state.
type PlaybackState string

const (
	PlaybackPaused  PlaybackState = "paused"
	PlaybackPlaying PlaybackState = "playing"
	PlaybackStopped PlaybackState = "stopped"
)

// MusicGenerationMode selects the generator's sampling strategy.
type MusicGenerationMode string

const (
	ModeQuality      MusicGenerationMode = "QUALITY"
	ModeDiversity    MusicGenerationMode = "DIVERSITY"
	ModeVocalization MusicGenerationMode = "VOCALIZATION"
)

// Scale enumerates the fixed set of musical-scale labels a MusicConfig may
// request. SCALE_UNSPECIFIED is the default and leaves scale selection to
// the generator.
type Scale string

const (
	ScaleCMajorAMinor           Scale = "C_MAJOR_A_MINOR"
	ScaleDFlatMajorBFlatMinor   Scale = "D_FLAT_MAJOR_B_FLAT_MINOR"
	ScaleDMajorBMinor           Scale = "D_MAJOR_B_MINOR"
	ScaleEFlatMajorCMinor       Scale = "E_FLAT_MAJOR_C_MINOR"
	ScaleEMajorDFlatMinor       Scale = "E_MAJOR_D_FLAT_MINOR"
	ScaleFMajorDMinor           Scale = "F_MAJOR_D_MINOR"
	ScaleGFlatMajorEFlatMinor   Scale = "G_FLAT_MAJOR_E_FLAT_MINOR"
	ScaleGMajorEMinor           Scale = "G_MAJOR_E_MINOR"
	ScaleAFlatMajorFMinor       Scale = "A_FLAT_MAJOR_F_MINOR"
	ScaleAMajorGFlatMinor       Scale = "A_MAJOR_G_FLAT_MINOR"
	ScaleBFlatMajorGMinor       Scale = "B_FLAT_MAJOR_G_MINOR"
	ScaleBMajorAFlatMinor       Scale = "B_MAJOR_A_FLAT_MINOR"
	ScaleUnspecified            Scale = "SCALE_UNSPECIFIED"
)

// WeightedPrompt is one entry in a room's ordered prompt sequence.
type WeightedPrompt struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	Weight    float64 `json:"weight"`
	CreatedBy Role    `json:"created_by"`
}

// MusicConfig is the bundle of independently validated generation knobs.
// Zero value is not valid; use NewMusicConfig for defaults.
type MusicConfig struct {
	Guidance            float64             `json:"guidance"`
	BPM                 int                 `json:"bpm"`
	Density             float64             `json:"density"`
	Brightness          float64             `json:"brightness"`
	Scale               Scale               `json:"scale"`
	MuteBass            bool                `json:"mute_bass"`
	MuteDrums           bool                `json:"mute_drums"`
	OnlyBassAndDrums    bool                `json:"only_bass_and_drums"`
	MusicGenerationMode MusicGenerationMode `json:"music_generation_mode"`
	Temperature         float64             `json:"temperature"`
	TopK                int                 `json:"top_k"`
	Seed                *int                `json:"seed"`
}

// NewMusicConfig returns a MusicConfig populated with the spec's defaults.
func NewMusicConfig() MusicConfig {
	return MusicConfig{
		Guidance:            4.0,
		BPM:                 130,
		Density:             0.5,
		Brightness:          0.5,
		Scale:               ScaleUnspecified,
		MusicGenerationMode: ModeQuality,
		Temperature:         1.1,
		TopK:                40,
	}
}

// ParticipantState describes one role's connection status within a room.
type ParticipantState struct {
	Role          Role    `json:"role"`
	Color         string  `json:"color"`
	Connected     bool    `json:"connected"`
	ActiveControl *string `json:"active_control"`
}

// newParticipant returns a disconnected ParticipantState for role.
func newParticipant(r Role) ParticipantState {
	return ParticipantState{Role: r, Color: roleColors[r], Connected: false}
}

// State is the authoritative, externally observable room state. It is the
// exact payload serialized for state-snapshot broadcasts and for the
// GET /api/rooms/{id}/state HTTP response.
type State struct {
	RoomID        string                  `json:"room_id"`
	Prompts       []WeightedPrompt        `json:"prompts"`
	MusicConfig   MusicConfig             `json:"music_config"`
	Participants  map[Role]ParticipantState `json:"participants"`
	PlaybackState PlaybackState           `json:"playback_state"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// newState returns the initial state for a freshly created room.
func newState(roomID string) State {
	now := time.Now().UTC()
	return State{
		RoomID:      roomID,
		Prompts:     []WeightedPrompt{},
		MusicConfig: NewMusicConfig(),
		Participants: map[Role]ParticipantState{
			RoleA: newParticipant(RoleA),
			RoleB: newParticipant(RoleB),
		},
		PlaybackState: PlaybackPaused,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// clone returns a deep-enough copy of s suitable for handing to callers
// outside the room's lock (broadcast payloads, generator.ApplyState, HTTP
// responses) without risk of a data race on subsequent mutation.
func (s State) clone() State {
	prompts := make([]WeightedPrompt, len(s.Prompts))
	copy(prompts, s.Prompts)

	participants := make(map[Role]ParticipantState, len(s.Participants))
	for role, p := range s.Participants {
		if p.ActiveControl != nil {
			v := *p.ActiveControl
			p.ActiveControl = &v
		}
		participants[role] = p
	}

	cfg := s.MusicConfig
	if s.MusicConfig.Seed != nil {
		v := *s.MusicConfig.Seed
		cfg.Seed = &v
	}

	return State{
		RoomID:        s.RoomID,
		Prompts:       prompts,
		MusicConfig:   cfg,
		Participants:  participants,
		PlaybackState: s.PlaybackState,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}
