package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mentorhub/livecall/internal/history"
	"github.com/mentorhub/livecall/internal/hub"
	"github.com/mentorhub/livecall/internal/protocol"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := hub.New(history.Nop{}, time.Second, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	return NewRouter(h)
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status %d", w.Code)
	}
}

func TestRoomsEmpty(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var rooms []any
	if err := json.Unmarshal(w.Body.Bytes(), &rooms); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rooms) != 0 {
		t.Errorf("expected no rooms, got %v", rooms)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/rooms", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("status %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin %q", got)
	}
}

func TestWebsocketRegisterAndJoin(t *testing.T) {
	r := newTestRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	register, _ := protocol.NewEnvelope(protocol.TypeRegister, protocol.Register{Identity: "mentor"})
	if err := ws.WriteJSON(register); err != nil {
		t.Fatalf("write register: %v", err)
	}
	joinEnv, _ := protocol.NewEnvelope(protocol.TypeJoinRoom, protocol.JoinRoom{
		RoomID: "room-1", Identity: "mentor", DisplayName: "Maya", Role: "mentor",
	})
	if err := ws.WriteJSON(joinEnv); err != nil {
		t.Fatalf("write join: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != protocol.TypeRoomJoined {
		t.Fatalf("expected room-joined, got %s", env.Type)
	}
	var joined protocol.RoomJoined
	if err := env.Decode(&joined); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if joined.RoomID != "room-1" || joined.IsInitiator {
		t.Errorf("unexpected join result %+v", joined)
	}
}
