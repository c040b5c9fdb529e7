package room

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Generator is the capability set a Room depends on to drive audio
// production. It is satisfied structurally by generator.Session
// implementations (mock and remote) without this package importing the
// generator package, which would otherwise create an import cycle since
// generator.Session.ApplyState takes a room.State.
type Generator interface {
	Start() error
	Close() error
	ApplyState(state State) error
	Play() error
	Pause() error
	Stop() error
	ResetContext() error
}

// Options bundles the knobs a Room needs beyond its id and generator.
type Options struct {
	ReservationTTL  time.Duration
	IdleTimeout     time.Duration
}

const (
	defaultReservationTTL = 30 * time.Second
	defaultIdleTimeout    = 30 * time.Minute
)

// Room is the per-room aggregate: the authoritative state, the generator
// session, connected subscribers, and pending role reservations. All
// mutations pass through mu; generator I/O and subscriber sends always
// happen after mu is released.
type Room struct {
	id  string
	opt Options

	mu            sync.Mutex
	state         State
	controlSocks  map[ControlSocket]Role
	audioSocks    map[AudioSocket]struct{}
	reservations  map[Role]time.Time

	gen        Generator
	genStarted bool
}

// New constructs a Room with a freshly initialized state and the given
// generator session. The generator is not started until the first
// subscriber registers (see EnsureSession).
func New(id string, gen Generator, opt Options) *Room {
	if opt.ReservationTTL <= 0 {
		opt.ReservationTTL = defaultReservationTTL
	}
	if opt.IdleTimeout <= 0 {
		opt.IdleTimeout = defaultIdleTimeout
	}
	return &Room{
		id:           id,
		opt:          opt,
		state:        newState(id),
		controlSocks: make(map[ControlSocket]Role),
		audioSocks:   make(map[AudioSocket]struct{}),
		reservations: make(map[Role]time.Time),
		gen:          gen,
	}
}

// ID returns the room's opaque identifier.
func (r *Room) ID() string { return r.id }

// EnsureSession starts the generator session exactly once and reconciles it
// with the room's current state. Safe to call repeatedly.
func (r *Room) EnsureSession() error {
	r.mu.Lock()
	if r.genStarted {
		r.mu.Unlock()
		return nil
	}
	r.genStarted = true
	r.mu.Unlock()

	if err := r.gen.Start(); err != nil {
		return err
	}

	r.mu.Lock()
	snapshot := r.state.clone()
	r.mu.Unlock()

	return r.gen.ApplyState(snapshot)
}

// Close stops the generator session. Safe to call once, from the manager,
// when the room is torn down.
func (r *Room) Close() error {
	return r.gen.Close()
}

// ReserveRole implements the role-reservation algorithm from the
// room-runtime specification: sweep expired reservations, compute the
// unavailable set, try [preferred, other] in order, and fail with
// ErrCapacity if both roles are taken.
func (r *Room) ReserveRole(preferred *Role) (Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for role, exp := range r.reservations {
		if !exp.After(now) {
			delete(r.reservations, role)
		}
	}

	unavailable := make(map[Role]struct{}, 2)
	for _, role := range r.controlSocks {
		unavailable[role] = struct{}{}
	}
	for role := range r.reservations {
		unavailable[role] = struct{}{}
	}

	order := []Role{RoleA, RoleB}
	if preferred != nil {
		order = []Role{*preferred}
		for _, role := range []Role{RoleA, RoleB} {
			if role != *preferred {
				order = append(order, role)
			}
		}
	}

	for _, role := range order {
		if _, taken := unavailable[role]; !taken {
			r.reservations[role] = now.Add(r.opt.ReservationTTL)
			return role, nil
		}
	}

	return "", ErrCapacity
}

// RegisterControlSocket binds sock to role, marks the participant connected,
// clears its active control, and consumes any matching reservation.
func (r *Room) RegisterControlSocket(sock ControlSocket, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.controlSocks[sock] = role
	delete(r.reservations, role)

	p := r.state.Participants[role]
	p.Connected = true
	p.ActiveControl = nil
	r.state.Participants[role] = p
	r.touchLocked()
}

// UnregisterControlSocket removes sock and marks its role disconnected.
func (r *Room) UnregisterControlSocket(sock ControlSocket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	role, ok := r.controlSocks[sock]
	if !ok {
		return
	}
	delete(r.controlSocks, sock)

	p := r.state.Participants[role]
	p.Connected = false
	p.ActiveControl = nil
	r.state.Participants[role] = p
	r.touchLocked()
}

// RegisterAudioSocket adds sock to the audio subscriber set.
func (r *Room) RegisterAudioSocket(sock AudioSocket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audioSocks[sock] = struct{}{}
}

// UnregisterAudioSocket removes sock from the audio subscriber set.
func (r *Room) UnregisterAudioSocket(sock AudioSocket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.audioSocks, sock)
}

// Snapshot returns a copy of the current state safe for callers outside the
// room's lock.
func (r *Room) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

// SetActiveControl sets role's active-control field to controlID; nil
// clears it. The pointer is stored and serialized as given: the control
// dispatcher passes nil for active=false and for an empty control id.
func (r *Room) SetActiveControl(role Role, controlID *string) error {
	r.mu.Lock()
	p := r.state.Participants[role]
	p.ActiveControl = controlID
	r.state.Participants[role] = p
	r.touchLocked()
	snapshot := r.state.clone()
	r.mu.Unlock()

	return r.gen.ApplyState(snapshot)
}

// maxPromptTextLength and promptWeightMin/Max mirror the bounds the ground
// truth enforces via pydantic.Field(min_length=1, max_length=300) and
// Field(ge=-10.0, le=10.0) on WeightedPrompt.
const (
	maxPromptTextLength = 300
	promptWeightMin     = -10.0
	promptWeightMax     = 10.0
)

func validatePromptText(text string) error {
	if text == "" {
		return newError(KindInvalidArgument, "prompt text is required")
	}
	if n := utf8.RuneCountInString(text); n > maxPromptTextLength {
		return newError(KindInvalidArgument, "prompt text must be at most %d characters, got %d", maxPromptTextLength, n)
	}
	return nil
}

func validatePromptWeight(weight float64) error {
	if weight < promptWeightMin || weight > promptWeightMax {
		return newError(KindInvalidArgument, "prompt weight must be within [%v, %v], got %v", promptWeightMin, promptWeightMax, weight)
	}
	return nil
}

// AddPrompt appends a new WeightedPrompt created by role and returns the
// resulting snapshot.
func (r *Room) AddPrompt(role Role, text string, weight float64) (State, error) {
	if err := validatePromptText(text); err != nil {
		return State{}, err
	}
	if err := validatePromptWeight(weight); err != nil {
		return State{}, err
	}

	r.mu.Lock()
	r.state.Prompts = append(r.state.Prompts, WeightedPrompt{
		ID:        uuid.NewString(),
		Text:      text,
		Weight:    weight,
		CreatedBy: role,
	})
	r.touchLocked()
	snapshot := r.state.clone()
	r.mu.Unlock()

	if err := r.gen.ApplyState(snapshot); err != nil {
		slog.Warn("room: apply_state failed after add_prompt", "room_id", r.id, "err", err)
	}
	return snapshot, nil
}

// UpdatePromptWeight mutates the weight of the prompt with the given id.
func (r *Room) UpdatePromptWeight(promptID string, weight float64) (State, error) {
	if err := validatePromptWeight(weight); err != nil {
		return State{}, err
	}

	r.mu.Lock()
	found := false
	for i := range r.state.Prompts {
		if r.state.Prompts[i].ID == promptID {
			r.state.Prompts[i].Weight = weight
			found = true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return State{}, ErrPromptNotFound
	}
	r.touchLocked()
	snapshot := r.state.clone()
	r.mu.Unlock()

	if err := r.gen.ApplyState(snapshot); err != nil {
		slog.Warn("room: apply_state failed after update_prompt_weight", "room_id", r.id, "err", err)
	}
	return snapshot, nil
}

// RemovePrompt removes the prompt with the given id.
func (r *Room) RemovePrompt(promptID string) (State, error) {
	r.mu.Lock()
	originalLen := len(r.state.Prompts)
	kept := r.state.Prompts[:0:0]
	for _, p := range r.state.Prompts {
		if p.ID != promptID {
			kept = append(kept, p)
		}
	}
	if len(kept) == originalLen {
		r.mu.Unlock()
		return State{}, ErrPromptNotFound
	}
	r.state.Prompts = kept
	r.touchLocked()
	snapshot := r.state.clone()
	r.mu.Unlock()

	if err := r.gen.ApplyState(snapshot); err != nil {
		slog.Warn("room: apply_state failed after remove_prompt", "room_id", r.id, "err", err)
	}
	return snapshot, nil
}

// ApplyMusicConfigPatch merges patch (canonical snake_case keys or their
// camelCase aliases, which are normalized here) over the current config, re-validates the full resulting bundle, and
// reports whether the change requires a generator reset (bpm or scale
// changed). The entire patch is rejected atomically on validation failure.
func (r *Room) ApplyMusicConfigPatch(patch map[string]any) (State, bool, error) {
	r.mu.Lock()

	merged, changedKeys, err := mergeMusicConfig(r.state.MusicConfig, patch)
	if err != nil {
		r.mu.Unlock()
		return State{}, false, newError(KindInvalidArgument, "%v", err)
	}

	r.state.MusicConfig = merged
	r.touchLocked()
	snapshot := r.state.clone()
	r.mu.Unlock()

	if err := r.gen.ApplyState(snapshot); err != nil {
		slog.Warn("room: apply_state failed after config patch", "room_id", r.id, "err", err)
	}

	_, bpmChanged := changedKeys["bpm"]
	_, scaleChanged := changedKeys["scale"]
	return snapshot, bpmChanged || scaleChanged, nil
}

// PlaybackCommand is one of the four transport commands accepted by
// HandlePlaybackCommand.
type PlaybackCommand string

const (
	CommandPlay         PlaybackCommand = "play"
	CommandPause        PlaybackCommand = "pause"
	CommandStop         PlaybackCommand = "stop"
	CommandResetContext PlaybackCommand = "reset_context"
)

// HandlePlaybackCommand executes cmd against both the room's playback state
// (for play/pause/stop) and the generator, then re-applies the resulting
// state to the generator.
func (r *Room) HandlePlaybackCommand(cmd PlaybackCommand) (State, error) {
	switch cmd {
	case CommandPlay, CommandPause, CommandStop, CommandResetContext:
	default:
		return State{}, newError(KindInvalidArgument, "unsupported playback command: %q", cmd)
	}

	r.mu.Lock()
	switch cmd {
	case CommandPlay:
		r.state.PlaybackState = PlaybackPlaying
	case CommandPause:
		r.state.PlaybackState = PlaybackPaused
	case CommandStop:
		r.state.PlaybackState = PlaybackStopped
	}
	r.touchLocked()
	snapshot := r.state.clone()
	r.mu.Unlock()

	var genErr error
	switch cmd {
	case CommandPlay:
		genErr = r.gen.Play()
	case CommandPause:
		genErr = r.gen.Pause()
	case CommandStop:
		genErr = r.gen.Stop()
	case CommandResetContext:
		genErr = r.gen.ResetContext()
	}
	if genErr != nil {
		slog.Warn("room: generator transport command failed", "room_id", r.id, "cmd", cmd, "err", genErr)
	}

	if err := r.gen.ApplyState(snapshot); err != nil {
		slog.Warn("room: apply_state failed after playback command", "room_id", r.id, "err", err)
	}
	return snapshot, nil
}

// ControlClientCount reports the number of registered control sockets.
func (r *Room) ControlClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controlSocks)
}

// IsIdle reports whether the room has no subscribers and has not been
// mutated for at least the configured idle timeout.
func (r *Room) IsIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	noClients := len(r.controlSocks) == 0 && len(r.audioSocks) == 0
	idleFor := time.Since(r.state.UpdatedAt)
	return noClients && idleFor >= r.opt.IdleTimeout
}

// BroadcastState snapshots the current state and sends a
// server.state_snapshot envelope to every control subscriber in parallel,
// outside the lock. Subscribers whose send fails are evicted and their
// participant is marked disconnected.
func (r *Room) BroadcastState(ctx context.Context) {
	r.mu.Lock()
	snapshot := r.state.clone()
	clients := make(map[ControlSocket]Role, len(r.controlSocks))
	for sock, role := range r.controlSocks {
		clients[sock] = role
	}
	r.mu.Unlock()

	if len(clients) == 0 {
		return
	}

	env := Envelope{Type: "server.state_snapshot", Payload: snapshot}
	stale := r.sendToControlSockets(ctx, clients, env)
	r.evictControlSockets(stale)
}

// BroadcastError sends a server.error envelope to every control subscriber.
// Used rarely; dispatch errors are normally returned to the originating
// socket only (see internal/transport/ws).
func (r *Room) BroadcastError(ctx context.Context, message string) {
	r.mu.Lock()
	clients := make(map[ControlSocket]Role, len(r.controlSocks))
	for sock, role := range r.controlSocks {
		clients[sock] = role
	}
	r.mu.Unlock()

	if len(clients) == 0 {
		return
	}

	env := Envelope{Type: "server.error", Payload: map[string]string{"message": message}}
	stale := r.sendToControlSockets(ctx, clients, env)
	r.evictControlSockets(stale)
}

func (r *Room) sendToControlSockets(ctx context.Context, clients map[ControlSocket]Role, env Envelope) []ControlSocket {
	var mu sync.Mutex
	var stale []ControlSocket

	var wg sync.WaitGroup
	for sock := range clients {
		wg.Add(1)
		go func(sock ControlSocket) {
			defer wg.Done()
			if err := sock.SendEnvelope(ctx, env); err != nil {
				mu.Lock()
				stale = append(stale, sock)
				mu.Unlock()
			}
		}(sock)
	}
	wg.Wait()
	return stale
}

func (r *Room) evictControlSockets(stale []ControlSocket) {
	if len(stale) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	touched := false
	for _, sock := range stale {
		role, ok := r.controlSocks[sock]
		if !ok {
			continue
		}
		delete(r.controlSocks, sock)
		p := r.state.Participants[role]
		p.Connected = false
		p.ActiveControl = nil
		r.state.Participants[role] = p
		touched = true
	}
	if touched {
		r.touchLocked()
	}
}

// SendAudioFormat sends the one-shot server.audio_format envelope a newly
// registered audio subscriber expects.
func (r *Room) SendAudioFormat(ctx context.Context, sock ControlSocket) error {
	return sock.SendEnvelope(ctx, Envelope{
		Type: "server.audio_format",
		Payload: map[string]any{
			"sampleRateHz": 48_000,
			"channels":     2,
			"encoding":     "pcm16",
		},
	})
}

// BroadcastAudio fans chunk out to every audio subscriber in parallel,
// outside the lock, starting one goroutine per subscriber for each frame and
// waiting for all of them. No queue per subscriber: a
// slow send blocks only that subscriber's send for this frame; a failing
// send evicts the subscriber with no further state side-effects.
func (r *Room) BroadcastAudio(ctx context.Context, chunk []byte) {
	r.mu.Lock()
	clients := make([]AudioSocket, 0, len(r.audioSocks))
	for sock := range r.audioSocks {
		clients = append(clients, sock)
	}
	r.mu.Unlock()

	if len(clients) == 0 {
		return
	}

	var mu sync.Mutex
	var stale []AudioSocket

	var wg sync.WaitGroup
	for _, sock := range clients {
		wg.Add(1)
		go func(sock AudioSocket) {
			defer wg.Done()
			if err := sock.SendAudio(ctx, chunk); err != nil {
				mu.Lock()
				stale = append(stale, sock)
				mu.Unlock()
			}
		}(sock)
	}
	wg.Wait()

	if len(stale) == 0 {
		return
	}
	r.mu.Lock()
	for _, sock := range stale {
		delete(r.audioSocks, sock)
	}
	r.mu.Unlock()
}

// touchLocked advances UpdatedAt. Must be called with mu held.
func (r *Room) touchLocked() {
	r.state.UpdatedAt = time.Now().UTC()
}
