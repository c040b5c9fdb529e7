package room

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeGenerator counts the calls made to each method and lets tests
// assert on the last state handed to ApplyState without needing a real
// generator.Session implementation.
type fakeGenerator struct {
	mu          sync.Mutex
	started     bool
	closed      bool
	applyCount  int
	lastState   State
	playCount   int
	pauseCount  int
	stopCount   int
	resetCount  int
}

func (f *fakeGenerator) Start() error { f.mu.Lock(); defer f.mu.Unlock(); f.started = true; return nil }
func (f *fakeGenerator) Close() error { f.mu.Lock(); defer f.mu.Unlock(); f.closed = true; return nil }
func (f *fakeGenerator) ApplyState(s State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCount++
	f.lastState = s
	return nil
}
func (f *fakeGenerator) Play() error         { f.mu.Lock(); defer f.mu.Unlock(); f.playCount++; return nil }
func (f *fakeGenerator) Pause() error        { f.mu.Lock(); defer f.mu.Unlock(); f.pauseCount++; return nil }
func (f *fakeGenerator) Stop() error         { f.mu.Lock(); defer f.mu.Unlock(); f.stopCount++; return nil }
func (f *fakeGenerator) ResetContext() error { f.mu.Lock(); defer f.mu.Unlock(); f.resetCount++; return nil }

// fakeControlSocket records sent envelopes, or fails every send if broken.
type fakeControlSocket struct {
	mu      sync.Mutex
	broken  bool
	sent    []Envelope
}

func (s *fakeControlSocket) SendEnvelope(_ context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return errors.New("fake: send failed")
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeControlSocket) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestReserveRole_PrefersRequestedRoleThenFallsBack(t *testing.T) {
	t.Parallel()
	r := New("room-1", &fakeGenerator{}, Options{})

	preferredA := RoleA
	role, err := r.ReserveRole(&preferredA)
	if err != nil || role != RoleA {
		t.Fatalf("expected RoleA reservation, got %v err %v", role, err)
	}

	role2, err := r.ReserveRole(&preferredA)
	if err != nil {
		t.Fatalf("expected fallback to RoleB, got err %v", err)
	}
	if role2 != RoleB {
		t.Fatalf("expected fallback RoleB, got %v", role2)
	}

	if _, err := r.ReserveRole(nil); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity once both roles reserved, got %v", err)
	}
}

func TestReserveRole_ExpiredReservationIsReclaimed(t *testing.T) {
	t.Parallel()
	r := New("room-2", &fakeGenerator{}, Options{ReservationTTL: time.Millisecond})

	if _, err := r.ReserveRole(nil); err != nil {
		t.Fatalf("first reservation: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := r.ReserveRole(nil); err != nil {
		t.Fatalf("expected expired reservation to be reclaimed, got %v", err)
	}
}

func TestRegisterControlSocket_MarksParticipantConnected(t *testing.T) {
	t.Parallel()
	r := New("room-3", &fakeGenerator{}, Options{})
	sock := &fakeControlSocket{}

	r.RegisterControlSocket(sock, RoleA)

	snap := r.Snapshot()
	if !snap.Participants[RoleA].Connected {
		t.Fatal("expected RoleA to be marked connected")
	}

	r.UnregisterControlSocket(sock)
	snap = r.Snapshot()
	if snap.Participants[RoleA].Connected {
		t.Fatal("expected RoleA to be marked disconnected after unregister")
	}
}

func TestAddUpdateRemovePrompt_AppliesStateEachTime(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{}
	r := New("room-4", gen, Options{})

	snap, err := r.AddPrompt(RoleA, "warm pads", 1.0)
	if err != nil {
		t.Fatalf("AddPrompt: %v", err)
	}
	if len(snap.Prompts) != 1 {
		t.Fatalf("expected 1 prompt, got %d", len(snap.Prompts))
	}
	promptID := snap.Prompts[0].ID

	if _, err := r.UpdatePromptWeight(promptID, 0.3); err != nil {
		t.Fatalf("UpdatePromptWeight: %v", err)
	}
	if _, err := r.RemovePrompt(promptID); err != nil {
		t.Fatalf("RemovePrompt: %v", err)
	}

	if _, err := r.RemovePrompt("does-not-exist"); !errors.Is(err, ErrPromptNotFound) {
		t.Fatalf("expected ErrPromptNotFound, got %v", err)
	}

	if gen.applyCount != 3 {
		t.Fatalf("expected ApplyState called once per mutation (add/update/remove), got %d", gen.applyCount)
	}
}

func TestAddPrompt_RejectsOutOfRangeWeightAndOverlongText(t *testing.T) {
	t.Parallel()
	r := New("room-4b", &fakeGenerator{}, Options{})

	if _, err := r.AddPrompt(RoleA, "warm pads", 999); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for out-of-range weight, got %v", err)
	}
	if _, err := r.AddPrompt(RoleA, "warm pads", -10.1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for out-of-range weight, got %v", err)
	}

	overlong := make([]byte, maxPromptTextLength+1)
	for i := range overlong {
		overlong[i] = 'x'
	}
	if _, err := r.AddPrompt(RoleA, string(overlong), 1.0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for overlong text, got %v", err)
	}

	if snap := r.Snapshot(); len(snap.Prompts) != 0 {
		t.Fatalf("expected no prompts committed after rejected calls, got %d", len(snap.Prompts))
	}

	if _, err := r.AddPrompt(RoleA, "warm pads", promptWeightMax); err != nil {
		t.Fatalf("expected boundary weight %v to be accepted: %v", promptWeightMax, err)
	}
}

func TestUpdatePromptWeight_RejectsOutOfRangeWeight(t *testing.T) {
	t.Parallel()
	r := New("room-4c", &fakeGenerator{}, Options{})

	snap, err := r.AddPrompt(RoleA, "warm pads", 1.0)
	if err != nil {
		t.Fatalf("AddPrompt: %v", err)
	}
	promptID := snap.Prompts[0].ID

	if _, err := r.UpdatePromptWeight(promptID, 10.01); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for out-of-range weight, got %v", err)
	}

	updated := r.Snapshot()
	if updated.Prompts[0].Weight != 1.0 {
		t.Fatalf("expected weight to remain unchanged after rejected update, got %v", updated.Prompts[0].Weight)
	}
}

func TestApplyMusicConfigPatch_RejectsWholePatchOnInvalidField(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{}
	r := New("room-5", gen, Options{})

	before := r.Snapshot().MusicConfig

	_, _, err := r.ApplyMusicConfigPatch(map[string]any{
		"bpm":      140.0,
		"guidance": 99.0, // out of range, must abort the whole patch
	})
	if err == nil {
		t.Fatal("expected validation error")
	}

	after := r.Snapshot().MusicConfig
	if after != before {
		t.Fatalf("expected config unchanged on rejected patch, before=%+v after=%+v", before, after)
	}
}

func TestApplyMusicConfigPatch_BpmOrScaleChangeRequiresReset(t *testing.T) {
	t.Parallel()
	r := New("room-6", &fakeGenerator{}, Options{})

	_, requiresReset, err := r.ApplyMusicConfigPatch(map[string]any{"density": 0.9})
	if err != nil {
		t.Fatalf("ApplyMusicConfigPatch: %v", err)
	}
	if requiresReset {
		t.Fatal("density-only change should not require a reset")
	}

	_, requiresReset, err = r.ApplyMusicConfigPatch(map[string]any{"bpm": 150.0})
	if err != nil {
		t.Fatalf("ApplyMusicConfigPatch: %v", err)
	}
	if !requiresReset {
		t.Fatal("bpm change should require a reset")
	}

	_, requiresReset, err = r.ApplyMusicConfigPatch(map[string]any{"scale": string(ScaleDMajorBMinor)})
	if err != nil {
		t.Fatalf("ApplyMusicConfigPatch: %v", err)
	}
	if !requiresReset {
		t.Fatal("scale change should require a reset")
	}
}

func TestApplyMusicConfigPatch_AcceptsCamelCaseAliases(t *testing.T) {
	t.Parallel()
	r := New("room-7", &fakeGenerator{}, Options{})

	snap, _, err := r.ApplyMusicConfigPatch(map[string]any{
		"topK":                50.0,
		"muteBass":            true,
		"musicGenerationMode": string(ModeDiversity),
	})
	if err != nil {
		t.Fatalf("ApplyMusicConfigPatch: %v", err)
	}
	if snap.MusicConfig.TopK != 50 || !snap.MusicConfig.MuteBass || snap.MusicConfig.MusicGenerationMode != ModeDiversity {
		t.Fatalf("camelCase aliases not applied: %+v", snap.MusicConfig)
	}
}

func TestHandlePlaybackCommand_UpdatesStateAndDrivesGenerator(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{}
	r := New("room-8", gen, Options{})

	if _, err := r.HandlePlaybackCommand(CommandPlay); err != nil {
		t.Fatalf("HandlePlaybackCommand(play): %v", err)
	}
	if r.Snapshot().PlaybackState != PlaybackPlaying {
		t.Fatal("expected playback state playing")
	}
	if gen.playCount != 1 {
		t.Fatalf("expected generator Play called once, got %d", gen.playCount)
	}

	if _, err := r.HandlePlaybackCommand(PlaybackCommand("nonsense")); err == nil {
		t.Fatal("expected error for unsupported command")
	}
}

func TestBroadcastState_EvictsFailingSubscriberWithoutBlockingOthers(t *testing.T) {
	t.Parallel()
	r := New("room-9", &fakeGenerator{}, Options{})

	good := &fakeControlSocket{}
	bad := &fakeControlSocket{broken: true}
	r.RegisterControlSocket(good, RoleA)
	r.RegisterControlSocket(bad, RoleB)

	r.BroadcastState(context.Background())

	if good.sentCount() != 1 {
		t.Fatalf("expected good subscriber to receive 1 envelope, got %d", good.sentCount())
	}

	snap := r.Snapshot()
	if snap.Participants[RoleB].Connected {
		t.Fatal("expected RoleB's failing socket to be evicted and marked disconnected")
	}
	if !snap.Participants[RoleA].Connected {
		t.Fatal("expected RoleA to remain connected")
	}
}

// fakeAudioSocket counts delivered chunks and can simulate a slow subscriber
// to verify broadcasts do not serialize on one another.
type fakeAudioSocket struct {
	delay time.Duration
	fail  bool
	count int32
}

func (s *fakeAudioSocket) SendAudio(_ context.Context, _ []byte) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail {
		return errors.New("fake: audio send failed")
	}
	atomic.AddInt32(&s.count, 1)
	return nil
}

func TestBroadcastAudio_SlowSubscriberDoesNotBlockFastOnes(t *testing.T) {
	t.Parallel()
	r := New("room-10", &fakeGenerator{}, Options{})

	slow := &fakeAudioSocket{delay: 50 * time.Millisecond}
	fast := &fakeAudioSocket{}
	r.RegisterAudioSocket(slow)
	r.RegisterAudioSocket(fast)

	start := time.Now()
	r.BroadcastAudio(context.Background(), []byte{1, 2, 3})
	elapsed := time.Since(start)

	if elapsed >= 100*time.Millisecond {
		t.Fatalf("expected parallel fan-out, took %s", elapsed)
	}
	if atomic.LoadInt32(&fast.count) != 1 {
		t.Fatalf("expected fast subscriber to receive chunk, count=%d", fast.count)
	}
}

func TestIsIdle_TrueOnlyWhenNoSubscribersAndPastTimeout(t *testing.T) {
	t.Parallel()
	r := New("room-11", &fakeGenerator{}, Options{IdleTimeout: time.Millisecond})

	if r.IsIdle() {
		t.Fatal("freshly created room should not be idle before the timeout elapses")
	}

	time.Sleep(5 * time.Millisecond)
	if !r.IsIdle() {
		t.Fatal("expected room with no subscribers past the idle timeout to be idle")
	}

	sock := &fakeControlSocket{}
	r.RegisterControlSocket(sock, RoleA)
	if r.IsIdle() {
		t.Fatal("room with a connected subscriber must never be idle")
	}
}
