// Package roommanager owns the registry of live rooms: creation, lookup,
// idle reaping, and coordinated shutdown.
package roommanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lyeria/internal/generator"
	"github.com/MrWong99/lyeria/internal/room"
)

// ErrRoomNotFound is returned by GetRoom when no room with the given id is
// registered. Kept distinct from room.ErrPromptNotFound: the two are
// different failure domains that map to different HTTP/WS outcomes.
var ErrRoomNotFound = fmt.Errorf("roommanager: room not found")

// Options configures a Manager and every room it creates.
type Options struct {
	GeneratorConfig generator.Config
	ReservationTTL  time.Duration
	IdleTimeout     time.Duration
	ReapInterval    time.Duration
}

const defaultReapInterval = 20 * time.Second

// Manager is the registry of live rooms, guarded by a single mutex. Room
// mutations themselves are guarded independently by each room's own mutex;
// the manager's lock only ever protects the registry map.
type Manager struct {
	opt Options

	mu    sync.Mutex
	rooms map[string]*room.Room

	stop chan struct{}
	done chan struct{}
}

// New constructs a Manager. Call StartReaper to begin background idle
// reaping.
func New(opt Options) *Manager {
	if opt.ReapInterval <= 0 {
		opt.ReapInterval = defaultReapInterval
	}
	return &Manager{
		opt:   opt,
		rooms: make(map[string]*room.Room),
	}
}

// CreateRoom allocates a new room with a freshly minted id and registers it.
func (m *Manager) CreateRoom() *room.Room {
	id := uuid.NewString()

	var r *room.Room
	r = room.New(id, generator.New(func(chunk []byte) {
		r.BroadcastAudio(context.Background(), chunk)
	}, m.opt.GeneratorConfig), room.Options{
		ReservationTTL: m.opt.ReservationTTL,
		IdleTimeout:    m.opt.IdleTimeout,
	})

	m.mu.Lock()
	m.rooms[id] = r
	m.mu.Unlock()

	return r
}

// GetRoom looks up a room by id.
func (m *Manager) GetRoom(id string) (*room.Room, error) {
	m.mu.Lock()
	r, ok := m.rooms[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r, nil
}

// CloseRoomIfIdle closes and unregisters the room if it reports idle. A
// missing room id is a no-op.
func (m *Manager) CloseRoomIfIdle(id string) {
	m.mu.Lock()
	r, ok := m.rooms[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	if !r.IsIdle() {
		return
	}

	if err := r.Close(); err != nil {
		slog.Warn("roommanager: error closing idle room", "room_id", id, "err", err)
	}

	m.mu.Lock()
	delete(m.rooms, id)
	m.mu.Unlock()

	slog.Info("roommanager: closed idle room", "room_id", id)
}

// listRoomIDs snapshots the registry's keys so CloseIdleRooms never holds
// the manager lock while closing a room.
func (m *Manager) listRoomIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	return ids
}

// CloseIdleRooms reaps every currently-idle room once.
func (m *Manager) CloseIdleRooms() {
	for _, id := range m.listRoomIDs() {
		m.CloseRoomIfIdle(id)
	}
}

// CloseAll closes every registered room concurrently and clears the
// registry, returning the first error encountered (if any).
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	rooms := make([]*room.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*room.Room)
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, r := range rooms {
		r := r
		g.Go(func() error {
			return r.Close()
		})
	}
	return g.Wait()
}

// StartReaper launches the background idle-room sweep. It reaps immediately
// on startup, then waits ReapInterval before reaping again, using a timer
// that is only reset once the previous CloseIdleRooms call has returned — a
// slow sweep never overlaps the next one.
func (m *Manager) StartReaper() {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		m.CloseIdleRooms()

		timer := time.NewTimer(m.opt.ReapInterval)
		defer timer.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-timer.C:
				m.CloseIdleRooms()
				timer.Reset(m.opt.ReapInterval)
			}
		}
	}()
}

// StopReaper signals the background sweep to exit and waits for it.
func (m *Manager) StopReaper() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
}
