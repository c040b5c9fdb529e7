// Package ws implements the two WebSocket endpoints a room exposes: the
// bidirectional JSON control channel and the one-way binary audio channel.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/lyeria/internal/dispatch"
	"github.com/MrWong99/lyeria/internal/observe"
	"github.com/MrWong99/lyeria/internal/room"
	"github.com/MrWong99/lyeria/internal/roommanager"
	"github.com/MrWong99/lyeria/internal/token"
)

// statusRoomNotFound is the non-standard close code sent when a socket
// connects to a room id that no longer exists.
const statusRoomNotFound websocket.StatusCode = 4404

// Deps bundles the collaborators the WebSocket layer needs.
type Deps struct {
	Manager     *roommanager.Manager
	Metrics     *observe.Metrics
	TokenSecret []byte
}

// Mount registers the control and audio WebSocket routes on r.
func Mount(r chi.Router, d Deps) {
	r.Get("/ws/rooms/{roomID}/control", d.handleControl)
	r.Get("/ws/rooms/{roomID}/audio", d.handleAudio)
}

// controlSocket adapts a *websocket.Conn to room.ControlSocket.
type controlSocket struct {
	conn *websocket.Conn
}

func (s controlSocket) SendEnvelope(ctx context.Context, env room.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// audioSocket adapts a *websocket.Conn to room.AudioSocket. It also embeds
// controlSocket so it can receive the one-shot server.audio_format envelope,
// which the original protocol sends over the audio connection itself.
type audioSocket struct {
	controlSocket
}

func (s audioSocket) SendAudio(ctx context.Context, chunk []byte) error {
	return s.controlSocket.conn.Write(ctx, websocket.MessageBinary, chunk)
}

func extractToken(r *http.Request) string {
	return r.URL.Query().Get("token")
}

func (d Deps) authorize(r *http.Request, roomID string) (room.Role, error) {
	tok := extractToken(r)
	if tok == "" {
		return "", errors.New("missing token")
	}
	payload, err := token.Verify(tok, d.TokenSecret)
	if err != nil {
		return "", err
	}
	if payload.RoomID != roomID {
		return "", errors.New("token room mismatch")
	}
	switch room.Role(payload.Role) {
	case room.RoleA, room.RoleB:
		return room.Role(payload.Role), nil
	default:
		return "", errors.New("invalid role in token")
	}
}

func (d Deps) handleControl(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	ctx := r.Context()

	role, err := d.authorize(r, roomID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	rm, err := d.Manager.GetRoom(roomID)
	if err != nil {
		_ = conn.Close(statusRoomNotFound, "room not found")
		return
	}

	if err := rm.EnsureSession(); err != nil {
		slog.Error("ws control: ensure_session failed", "room_id", roomID, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "failed to start generator session")
		return
	}

	sock := controlSocket{conn: conn}
	rm.RegisterControlSocket(sock, role)
	rm.BroadcastState(ctx)

	defer func() {
		rm.UnregisterControlSocket(sock)
		rm.BroadcastState(context.Background())
		d.Manager.CloseRoomIfIdle(roomID)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env room.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			_ = sock.SendEnvelope(ctx, room.Envelope{Type: "server.error", Payload: map[string]string{"message": "malformed message"}})
			continue
		}

		if err := dispatch.Handle(ctx, rm, role, env); err != nil {
			if d.Metrics != nil {
				d.Metrics.RecordRoomMutation(ctx, roomID, env.Type+".error")
			}
			_ = sock.SendEnvelope(ctx, room.Envelope{Type: "server.error", Payload: map[string]string{"message": err.Error()}})
		}
	}
}

func (d Deps) handleAudio(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	ctx := r.Context()

	if _, err := d.authorize(r, roomID); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	rm, err := d.Manager.GetRoom(roomID)
	if err != nil {
		_ = conn.Close(statusRoomNotFound, "room not found")
		return
	}

	if err := rm.EnsureSession(); err != nil {
		slog.Error("ws audio: ensure_session failed", "room_id", roomID, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "failed to start generator session")
		return
	}

	sock := audioSocket{controlSocket{conn: conn}}
	rm.RegisterAudioSocket(sock)
	if err := rm.SendAudioFormat(ctx, sock); err != nil {
		return
	}

	defer func() {
		rm.UnregisterAudioSocket(sock)
		d.Manager.CloseRoomIfIdle(roomID)
	}()

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}
