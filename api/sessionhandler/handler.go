package sessionhandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mrveiss/pureboot-sub001/api"
	"github.com/mrveiss/pureboot-sub001/broadcast"
	"github.com/mrveiss/pureboot-sub001/interfaces"
	"github.com/mrveiss/pureboot-sub001/inventory"
	"github.com/mrveiss/pureboot-sub001/orchestrator"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler processes HTTP requests for the clone session lifecycle. It is the
// single callback surface for the boot agents and the session management
// surface for the operator UI.
type Handler struct {
	orchestrator *orchestrator.Orchestrator
	broadcaster  *broadcast.Broadcaster
	inventory    *inventory.Store
	log          *slog.Logger
	upgrader     websocket.Upgrader
}

// NewHandler creates a session handler wired to the orchestrator, the event
// broadcaster and the inventory store.
func NewHandler(o *orchestrator.Orchestrator, b *broadcast.Broadcaster, inv *inventory.Store, log *slog.Logger) *Handler {
	return &Handler{
		orchestrator: o,
		broadcaster:  b,
		inventory:    inv,
		log:          log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes configures the HTTP router with the session lifecycle
// endpoints:
//   - POST   /api/sessions                             - create session
//   - GET    /api/sessions                             - list sessions
//   - GET    /api/sessions/{session_id}                - get one session
//   - PATCH  /api/sessions/{session_id}                - edit (pending only)
//   - POST   /api/sessions/{session_id}/source-ready   - source agent callback
//   - POST   /api/sessions/{session_id}/progress       - progress callback
//   - POST   /api/sessions/{session_id}/complete       - completion callback
//   - POST   /api/sessions/{session_id}/fail           - failure callback
//   - POST   /api/sessions/{session_id}/cancel         - operator cancel
//   - POST   /api/sessions/{session_id}/staging-status - staging transition
//   - GET    /api/sessions/{session_id}/certificate/{role} - PEM bundle
//   - GET    /api/sessions/{session_id}/events         - websocket event feed
//   - PUT    /api/inventory/{node_id}                  - scanner snapshot push
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/sessions", h.HandleCreate)
	r.Get("/api/sessions", h.HandleList)
	r.Get("/api/sessions/{session_id}", h.HandleGet)
	r.Patch("/api/sessions/{session_id}", h.HandleUpdate)
	r.Post("/api/sessions/{session_id}/source-ready", h.HandleSourceReady)
	r.Post("/api/sessions/{session_id}/progress", h.HandleProgress)
	r.Post("/api/sessions/{session_id}/complete", h.HandleComplete)
	r.Post("/api/sessions/{session_id}/fail", h.HandleFail)
	r.Post("/api/sessions/{session_id}/cancel", h.HandleCancel)
	r.Post("/api/sessions/{session_id}/staging-status", h.HandleStagingStatus)
	r.Get("/api/sessions/{session_id}/certificate/{role}", h.HandleCertificate)
	r.Get("/api/sessions/{session_id}/events", h.HandleEvents)
	r.Put("/api/inventory/{node_id}", h.HandleInventoryPut)
}

// HandleCreate processes session creation requests.
//
// URL format: POST /api/sessions
//
// Request body: JSON-encoded api.CreateSessionRequest
// Response: JSON-encoded api.SessionResponse
//
// Status codes:
//   - 201 Created: session created
//   - 400 Bad Request: malformed request or invalid mode/resize mode
//   - 404 Not Found: unknown source or target node
//   - 409 Conflict: resize plan infeasible
//   - 502 Bad Gateway: staging reservation or certificate issuance failed
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	mode, err := interfaces.ParseCloneMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resizeMode := interfaces.ResizeNone
	if req.ResizeMode != "" {
		resizeMode, err = interfaces.ParseResizeMode(req.ResizeMode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	spec := orchestrator.CreateSpec{
		Name:               req.Name,
		Mode:               mode,
		SourceNode:         interfaces.NodeID(req.SourceNode),
		SourceDevice:       req.SourceDevice,
		TargetNode:         interfaces.NodeID(req.TargetNode),
		TargetDevice:       req.TargetDevice,
		TargetSizeBytes:    req.TargetSizeBytes,
		ResizeMode:         resizeMode,
		StagingBackendURI:  req.StagingBackendURI,
		StagingDestination: req.StagingDestination,
	}
	if req.SourceIP != "" {
		spec.SourceIP = net.ParseIP(req.SourceIP)
	}
	if req.TargetIP != "" {
		spec.TargetIP = net.ParseIP(req.TargetIP)
	}

	session, err := h.orchestrator.Create(r.Context(), spec)
	if err != nil {
		h.writeError(w, "Session creation failed", err)
		return
	}

	h.writeSession(w, http.StatusCreated, session)
}

// HandleList returns all sessions, newest first.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	sessions := h.orchestrator.List()
	resp := api.SessionListResponse{
		Sessions: make([]api.SessionResponse, 0, len(sessions)),
		Count:    len(sessions),
	}
	for _, session := range sessions {
		resp.Sessions = append(resp.Sessions, sessionResponse(session))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// HandleGet returns one session by id.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	session, err := h.orchestrator.Get(id)
	if err != nil {
		h.writeError(w, "Session lookup failed", err)
		return
	}
	h.writeSession(w, http.StatusOK, session)
}

// HandleUpdate edits a pending session.
//
// URL format: PATCH /api/sessions/{session_id}
//
// Status codes:
//   - 200 OK: patch applied
//   - 409 Conflict: session is no longer pending
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	var req api.UpdateSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	patch := orchestrator.UpdatePatch{Name: req.Name, TargetDevice: req.TargetDevice}
	if req.TargetNode != nil {
		node := interfaces.NodeID(*req.TargetNode)
		patch.TargetNode = &node
	}

	session, err := h.orchestrator.Update(id, patch)
	if err != nil {
		h.writeError(w, "Session update failed", err)
		return
	}
	h.writeSession(w, http.StatusOK, session)
}

// HandleSourceReady records the source agent's readiness callback.
//
// URL format: POST /api/sessions/{session_id}/source-ready
//
// Request body: JSON-encoded api.SourceReadyRequest
func (h *Handler) HandleSourceReady(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	var req api.SourceReadyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	endpoint := interfaces.SourceEndpoint{IP: net.ParseIP(req.IP), Port: req.Port}
	session, err := h.orchestrator.SourceReady(id, endpoint, req.SizeBytes, req.Device)
	if err != nil {
		h.writeError(w, "Source ready rejected", err)
		return
	}
	h.writeSession(w, http.StatusOK, session)
}

// HandleProgress upserts transfer counters from either agent.
func (h *Handler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	var req api.ProgressRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	role, err := interfaces.ParseRole(req.Role)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	session, err := h.orchestrator.Progress(id, role, req.BytesTransferred, req.RateBps)
	if err != nil {
		h.writeError(w, "Progress rejected", err)
		return
	}
	h.writeSession(w, http.StatusOK, session)
}

// HandleComplete records terminal success.
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	session, err := h.orchestrator.Complete(r.Context(), id)
	if err != nil {
		h.writeError(w, "Complete rejected", err)
		return
	}
	h.writeSession(w, http.StatusOK, session)
}

// HandleFail records an agent-reported failure.
func (h *Handler) HandleFail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	var req api.FailRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	session, err := h.orchestrator.Fail(r.Context(), id, req.Error)
	if err != nil {
		h.writeError(w, "Fail rejected", err)
		return
	}
	h.writeSession(w, http.StatusOK, session)
}

// HandleCancel records an operator-initiated cancellation.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	session, err := h.orchestrator.Cancel(r.Context(), id)
	if err != nil {
		h.writeError(w, "Cancel rejected", err)
		return
	}
	h.writeSession(w, http.StatusOK, session)
}

// HandleStagingStatus records an agent-reported staging transition.
func (h *Handler) HandleStagingStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	var req api.StagingStatusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	session, err := h.orchestrator.UpdateStagingStatus(id, interfaces.StagingStatus(req.Status))
	if err != nil {
		h.writeError(w, "Staging status rejected", err)
		return
	}
	h.writeSession(w, http.StatusOK, session)
}

// HandleCertificate returns the PEM bundle for one participant of a direct
// session, plus the shared CA certificate for peer validation.
//
// URL format: GET /api/sessions/{session_id}/certificate/{role}
//
// Response: JSON-encoded api.CertificateResponse
func (h *Handler) HandleCertificate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	role, err := interfaces.ParseRole(r.PathValue("role"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	bundle, err := h.orchestrator.Certificate(id, role)
	if err != nil {
		h.writeError(w, "Certificate retrieval failed", err)
		return
	}

	resp := api.CertificateResponse{
		CertPEM: string(bundle.Cert),
		KeyPEM:  string(bundle.Key),
		CAPEM:   string(bundle.CA),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// HandleEvents upgrades the connection to a websocket and streams the
// session's lifecycle and progress events as JSON until the client
// disconnects or is dropped as a slow subscriber.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionID(w, r)
	if !ok {
		return
	}

	if _, err := h.orchestrator.Get(id); err != nil {
		h.writeError(w, "Session lookup failed", err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("Websocket upgrade failed", "err", err, "session", id.String())
		return
	}

	sub := h.broadcaster.Subscribe(id)
	defer h.broadcaster.Unsubscribe(sub)
	defer conn.Close()

	// Reader goroutine drains control frames and signals disconnect.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, open := <-sub.Events():
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(event); err != nil {
				h.log.Debug("Event subscriber write failed", "err", err, "session", id.String())
				return
			}
		case <-disconnected:
			return
		}
	}
}

// HandleInventoryPut ingests a disk snapshot from the external scanner.
//
// URL format: PUT /api/inventory/{node_id}
//
// Request body: JSON-encoded interfaces.DiskSnapshot
func (h *Handler) HandleInventoryPut(w http.ResponseWriter, r *http.Request) {
	nodeID := interfaces.NodeID(r.PathValue("node_id"))
	if nodeID == "" {
		http.Error(w, "Node id is required", http.StatusBadRequest)
		return
	}

	var snapshot interfaces.DiskSnapshot
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&snapshot); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if snapshot.Device == "" {
		http.Error(w, "Snapshot device is required", http.StatusBadRequest)
		return
	}

	snapshot.NodeID = nodeID
	h.inventory.Put(snapshot)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request) (interfaces.SessionID, bool) {
	id, err := interfaces.ParseSessionID(r.PathValue("session_id"))
	if err != nil {
		http.Error(w, "Invalid session id", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

// writeError maps the error taxonomy onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	h.log.Error(msg, "err", err)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, interfaces.ErrInvalidState), errors.Is(err, interfaces.ErrInfeasiblePlan):
		status = http.StatusConflict
	case errors.Is(err, interfaces.ErrProvisioningFailure), errors.Is(err, interfaces.ErrCertificate):
		status = http.StatusBadGateway
	case errors.Is(err, interfaces.ErrCancelled):
		status = http.StatusConflict
	}

	http.Error(w, fmt.Errorf("%s: %w", msg, err).Error(), status)
}

func (h *Handler) writeSession(w http.ResponseWriter, status int, session orchestrator.Session) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(sessionResponse(session)); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func sessionResponse(session orchestrator.Session) api.SessionResponse {
	resp := api.SessionResponse{
		ID:               session.ID.String(),
		Name:             session.Name,
		Mode:             string(session.Mode),
		Status:           string(session.Status),
		SourceNode:       session.SourceNode.String(),
		SourceDevice:     session.SourceDevice,
		TargetNode:       session.TargetNode.String(),
		TargetDevice:     session.TargetDevice,
		ResizeMode:       string(session.ResizeMode),
		Plan:             session.Plan,
		Staging:          session.Staging,
		BytesTotal:       session.BytesTotal,
		BytesTransferred: session.BytesTransferred,
		RateBps:          session.RateBps,
		CreatedAt:        session.CreatedAt.Format(time.RFC3339),
		Error:            session.Error,
	}
	if session.StartedAt != nil {
		resp.StartedAt = session.StartedAt.Format(time.RFC3339)
	}
	if session.CompletedAt != nil {
		resp.CompletedAt = session.CompletedAt.Format(time.RFC3339)
	}
	return resp
}
