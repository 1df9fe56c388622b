package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"roster/api/internal/notify"
	"roster/api/internal/rbac"
	"roster/api/internal/search"
	"roster/api/internal/util"
)

type requestIDKey struct{}
type sessionKey struct{}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        logr.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log logr.Logger) *HTTPServer {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.withMiddleware)
	router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/session/login", s.handleLogin).Methods(http.MethodPost)
	router.HandleFunc("/api/session", s.handleSession).Methods(http.MethodGet)

	api := router.PathPrefix("/api/workspaces").Subrouter()
	api.Use(s.requireSession)
	api.HandleFunc("", s.handleListWorkspaces).Methods(http.MethodGet)
	api.HandleFunc("", s.handleCreateWorkspace).Methods(http.MethodPost)

	ws := api.PathPrefix("/{workspaceID}").Subrouter()
	ws.HandleFunc("", s.handleSnapshot).Methods(http.MethodGet)
	ws.HandleFunc("/open", s.handleOpen).Methods(http.MethodPost)
	ws.HandleFunc("/rows", s.handleAddRow).Methods(http.MethodPost)
	ws.HandleFunc("/rows/{ref}", s.handleDeleteRow).Methods(http.MethodDelete)
	ws.HandleFunc("/rows/{ref}/cells/{column}", s.handleUpdateCell).Methods(http.MethodPut)
	ws.HandleFunc("/columns", s.handleAddColumn).Methods(http.MethodPost)
	ws.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	ws.HandleFunc("/revalidate", s.handleRevalidate).Methods(http.MethodPost)
	ws.HandleFunc("/commands/{commandID}/retry", s.handleRetry).Methods(http.MethodPost)
	ws.HandleFunc("/transitions", s.handleTransitions).Methods(http.MethodGet)
	ws.HandleFunc("/rows/{rowID}/status", s.handleBeginTransition).Methods(http.MethodPost)
	ws.HandleFunc("/rows/{rowID}/status", s.handleAbandonTransition).Methods(http.MethodDelete)
	ws.HandleFunc("/rows/{rowID}/status/decline", s.handleDecline).Methods(http.MethodPost)
	ws.HandleFunc("/rows/{rowID}/status/accept", s.handleAccept).Methods(http.MethodPost)
	ws.HandleFunc("/rows/{rowID}/status/send", s.handleSend).Methods(http.MethodPost)
	ws.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	ws.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	ws.HandleFunc("/history/{hash}", s.handleHistorySnapshot).Methods(http.MethodGet)
	ws.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	router.NotFoundHandler = s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}))
	router.MethodNotAllowedHandler = s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}))
	return router
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if checked, err := s.service.PingDrafts(ctx); checked {
		checks["drafts"] = map[string]any{"status": "ok"}
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["drafts"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	// Unauthenticated sign-in always yields an editor; roles above that
	// come from tokens minted elsewhere.
	session, err := s.service.Login(body.Name, rbac.RoleEditor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     session.Token,
		"userName":  session.UserName,
		"userId":    session.UserID,
		"role":      session.Role,
		"expiresAt": session.ExpiresAt,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID, "role": session.Role})
}

func (s *HTTPServer) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListWorkspaces(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.CreateWorkspace(r.Context(), sessionFrom(r), body.ID, body.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *HTTPServer) handleOpen(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.Open(r.Context(), sessionFrom(r), mux.Vars(r)["workspaceID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.Snapshot(sessionFrom(r), mux.Vars(r)["workspaceID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handleAddRow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data map[string]string `json:"data"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	row, err := s.service.AddRow(r.Context(), sessionFrom(r), mux.Vars(r)["workspaceID"], body.Data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *HTTPServer) handleUpdateCell(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value string `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	if err := s.service.UpdateCell(r.Context(), sessionFrom(r), vars["workspaceID"], vars["ref"], vars["column"], body.Value); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleDeleteRow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.service.DeleteRow(r.Context(), sessionFrom(r), vars["workspaceID"], vars["ref"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleAddColumn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	column, err := s.service.AddColumn(r.Context(), sessionFrom(r), mux.Vars(r)["workspaceID"], body.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, column)
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Sync(r.Context(), sessionFrom(r), mux.Vars(r)["workspaceID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleRevalidate(w http.ResponseWriter, r *http.Request) {
	applied, err := s.service.Revalidate(r.Context(), sessionFrom(r), mux.Vars(r)["workspaceID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cmd, err := s.service.RetryCommand(r.Context(), sessionFrom(r), vars["workspaceID"], vars["commandID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *HTTPServer) handleTransitions(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.OpenTransitions(sessionFrom(r), mux.Vars(r)["workspaceID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleBeginTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	result, err := s.service.BeginTransition(r.Context(), sessionFrom(r), vars["workspaceID"], vars["rowID"], body.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleDecline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	result, err := s.service.DeclineNotification(r.Context(), sessionFrom(r), vars["workspaceID"], vars["rowID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleAccept(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	draft, err := s.service.AcceptNotification(r.Context(), sessionFrom(r), vars["workspaceID"], vars["rowID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *HTTPServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var msg notify.Message
	if err := decodeBody(r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	result, err := s.service.SendNotification(r.Context(), sessionFrom(r), vars["workspaceID"], vars["rowID"], msg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleAbandonTransition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.service.AbandonTransition(sessionFrom(r), vars["workspaceID"], vars["rowID"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseInt(query.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a number", nil)
		return
	}
	offset, err := parseInt(query.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "offset must be a number", nil)
		return
	}
	resp, err := s.service.Search(sessionFrom(r), search.Query{
		Text:        strings.TrimSpace(query.Get("q")),
		WorkspaceID: mux.Vars(r)["workspaceID"],
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseInt(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a number", nil)
		return
	}
	if limit == 0 {
		limit = 50
	}
	items, err := s.service.History(sessionFrom(r), mux.Vars(r)["workspaceID"], limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleHistorySnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snapshot, err := s.service.HistorySnapshot(sessionFrom(r), vars["workspaceID"], vars["hash"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(err, "request failed", "request_id", requestID(r), "code", code)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			// Browsers cannot set headers on a WebSocket handshake.
			token = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = util.NewRequestID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the WebSocket upgrade on /events.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func parseInt(value string) (int, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, fmt.Errorf("invalid integer %q", value)
	}
	return parsed, nil
}
