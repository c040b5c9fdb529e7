package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/lyeria/internal/generator"
	"github.com/MrWong99/lyeria/internal/room"
	"github.com/MrWong99/lyeria/internal/roommanager"
	"github.com/MrWong99/lyeria/internal/token"
)

func newTestServer(t *testing.T) (*httptest.Server, Deps) {
	t.Helper()
	mgr := roommanager.New(roommanager.Options{
		GeneratorConfig: generator.Config{UseMock: true},
		ReservationTTL:  30 * time.Second,
		IdleTimeout:     time.Hour,
	})
	d := Deps{Manager: mgr, TokenSecret: []byte("test-secret")}

	r := chi.NewRouter()
	Mount(r, d)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, d
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func TestControlSocket_RejectsMissingToken(t *testing.T) {
	t.Parallel()
	srv, d := newTestServer(t)
	r := d.Manager.CreateRoom()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(srv.URL, "/ws/rooms/"+r.ID()+"/control"), nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp != nil && resp.StatusCode != 401 {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestControlSocket_ClosesWithRoomNotFoundCode(t *testing.T) {
	t.Parallel()
	srv, d := newTestServer(t)

	tok, err := token.Create(token.Payload{RoomID: "does-not-exist", Role: "A"}, d.TokenSecret, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL, "/ws/rooms/does-not-exist/control?token="+tok), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, readErr := conn.Read(ctx)
	if readErr == nil {
		t.Fatal("expected read to fail after server closes the connection")
	}
	if websocket.CloseStatus(readErr) != statusRoomNotFound {
		t.Errorf("close status = %d, want %d", websocket.CloseStatus(readErr), statusRoomNotFound)
	}
}

func TestControlSocket_ReceivesStateSnapshotOnConnectAndDispatchesEvents(t *testing.T) {
	t.Parallel()
	srv, d := newTestServer(t)
	r := d.Manager.CreateRoom()

	tok, err := token.Create(token.Payload{RoomID: r.ID(), Role: "A"}, d.TokenSecret, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL, "/ws/rooms/"+r.ID()+"/control?token="+tok), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	// Initial server.state_snapshot broadcast on connect.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var env room.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if env.Type != "server.state_snapshot" {
		t.Fatalf("first message type = %q, want server.state_snapshot", env.Type)
	}

	// Send a prompt.add event and expect a follow-up snapshot reflecting it.
	req := room.Envelope{Type: "prompt.add", Payload: map[string]any{"text": "ambient pads", "weight": 1.0}}
	reqData, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, reqData); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if env.Type != "server.state_snapshot" {
		t.Fatalf("second message type = %q, want server.state_snapshot", env.Type)
	}

	snapshot := r.Snapshot()
	if len(snapshot.Prompts) != 1 || snapshot.Prompts[0].Text != "ambient pads" {
		t.Fatalf("unexpected room state after prompt.add: %+v", snapshot)
	}
}

func TestControlSocket_UnsupportedEventSendsServerError(t *testing.T) {
	t.Parallel()
	srv, d := newTestServer(t)
	r := d.Manager.CreateRoom()

	tok, err := token.Create(token.Payload{RoomID: r.ID(), Role: "A"}, d.TokenSecret, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL, "/ws/rooms/"+r.ID()+"/control?token="+tok), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	if _, _, err := conn.Read(ctx); err != nil { // initial snapshot
		t.Fatalf("Read: %v", err)
	}

	req := room.Envelope{Type: "not.a.real.event"}
	reqData, _ := json.Marshal(req)
	if err := conn.Write(ctx, websocket.MessageText, reqData); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var env room.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if env.Type != "server.error" {
		t.Fatalf("message type = %q, want server.error", env.Type)
	}
}

func TestAudioSocket_ReceivesAudioFormatThenBinaryChunks(t *testing.T) {
	t.Parallel()
	srv, d := newTestServer(t)
	r := d.Manager.CreateRoom()

	tok, err := token.Create(token.Payload{RoomID: r.ID(), Role: "A"}, d.TokenSecret, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL, "/ws/rooms/"+r.ID()+"/audio?token="+tok), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("first message type = %v, want text", msgType)
	}
	var env room.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if env.Type != "server.audio_format" {
		t.Fatalf("message type = %q, want server.audio_format", env.Type)
	}

	r.BroadcastAudio(context.Background(), []byte{1, 2, 3, 4})

	msgType, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msgType != websocket.MessageBinary {
		t.Fatalf("second message type = %v, want binary", msgType)
	}
	if len(data) != 4 {
		t.Fatalf("chunk length = %d, want 4", len(data))
	}
}
