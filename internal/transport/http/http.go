// Package http wires the room server's REST surface: health, room creation,
// join-token issuance, and state retrieval.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/lyeria/internal/observe"
	"github.com/MrWong99/lyeria/internal/room"
	"github.com/MrWong99/lyeria/internal/roommanager"
	"github.com/MrWong99/lyeria/internal/token"
)

// Deps bundles the collaborators the HTTP layer needs. BaseURL is used to
// build each room's join_url in the create-room response.
type Deps struct {
	Manager     *roommanager.Manager
	Metrics     *observe.Metrics
	TokenSecret []byte
	TokenTTL    time.Duration
	CORSOrigins []string
	BaseURL     string
}

// NewRouter builds the chi router serving every HTTP endpoint in the spec.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(d.CORSOrigins))
	if d.Metrics != nil {
		r.Use(observe.Middleware(d.Metrics))
	}

	r.Get("/health", handleHealth)
	r.Route("/api/rooms", func(r chi.Router) {
		r.Post("/", d.handleCreateRoom)
		r.Post("/{roomID}/join", d.handleJoinRoom)
		r.Get("/{roomID}/state", d.handleGetRoomState)
	})

	return r
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 1 && origins[0] == "*"
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			origin := req.Header.Get("Origin")
			if origin != "" {
				if allowAll {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else if _, ok := allowed[origin]; ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
			}
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "*")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRoomResponse struct {
	RoomID  string `json:"room_id"`
	JoinURL string `json:"join_url"`
}

func (d Deps) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	room := d.Manager.CreateRoom()

	base := d.BaseURL
	if base == "" {
		base = baseURLFromRequest(r)
	}
	joinURL := strings.TrimRight(base, "/") + "/?room=" + room.ID()

	writeJSON(w, http.StatusOK, createRoomResponse{RoomID: room.ID(), JoinURL: joinURL})
}

func baseURLFromRequest(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

type joinRoomRequest struct {
	PreferredRole *room.Role `json:"preferred_role"`
}

type joinRoomResponse struct {
	RoomID string    `json:"room_id"`
	Role   room.Role `json:"role"`
	Token  string    `json:"token"`
}

func (d Deps) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	rm, err := d.Manager.GetRoom(roomID)
	if errors.Is(err, roommanager.ErrRoomNotFound) {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var body joinRoomRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	role, err := rm.ReserveRole(body.PreferredRole)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	tok, err := token.Create(token.Payload{RoomID: roomID, Role: string(role)}, d.TokenSecret, d.TokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	if d.Metrics != nil {
		d.Metrics.RecordRoomMutation(r.Context(), roomID, "join")
	}

	writeJSON(w, http.StatusOK, joinRoomResponse{RoomID: roomID, Role: role, Token: tok})
}

func (d Deps) handleGetRoomState(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	rm, err := d.Manager.GetRoom(roomID)
	if errors.Is(err, roommanager.ErrRoomNotFound) {
		writeError(w, http.StatusNotFound, "Room not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, rm.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}
