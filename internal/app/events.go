package app

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"roster/api/internal/workspace"
)

const (
	eventsWriteTimeout = 10 * time.Second
	eventsPingInterval = 30 * time.Second
	eventsBuffer       = 16
)

// handleEvents streams the caller's editor state for one workspace over a
// WebSocket. The current state is sent first, then every published change.
// When the client falls behind the oldest buffered states are dropped, so
// the newest state is always delivered.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	workspaceID := mux.Vars(r)["workspaceID"]

	states := make(chan workspace.State, eventsBuffer)
	unsubscribe, err := s.service.Subscribe(session, workspaceID, func(state workspace.State) {
		offerLatest(states, state)
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer unsubscribe()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.corsOrigin == "*" || r.Header.Get("Origin") == "" || r.Header.Get("Origin") == s.corsOrigin
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error(err, "upgrade events connection", "request_id", requestID(r))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if current, err := s.service.Snapshot(session, workspaceID); err == nil {
		if err := writeState(conn, current); err != nil {
			return
		}
	}

	ticker := time.NewTicker(eventsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case state := <-states:
			if err := writeState(conn, state); err != nil {
				s.log.V(1).Info("events client gone", "workspace", workspaceID, "error", err.Error())
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(eventsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// offerLatest enqueues state, evicting the oldest buffered state when the
// buffer is full. Callers must not send on states concurrently.
func offerLatest(states chan workspace.State, state workspace.State) {
	for {
		select {
		case states <- state:
			return
		default:
		}
		select {
		case <-states:
		default:
		}
	}
}

func writeState(conn *websocket.Conn, state workspace.State) error {
	if err := conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(state)
}
