package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/bridge"
)

const maxCommandBodyBytes = 1 << 20

// Command names accepted by POST /api/portal.
const (
	MethodInitializePortal = "initialize_portal"
	MethodInitializeUDP    = "initialize_udp"
	MethodPortalRequest    = "portal_request"
	MethodShutdownPortal   = "shutdown_portal"
	MethodStopPortal       = "stop_portal"
)

// ConnectionLister reports active bridge connections; *bridge.Registry
// implements it.
type ConnectionLister interface {
	Snapshot() []bridge.ConnectionInfo
}

type Handler struct {
	rt    *Runtime
	conns ConnectionLister
	log   *slog.Logger
}

func NewHandler(rt *Runtime, conns ConnectionLister, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{rt: rt, conns: conns, log: logger}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/portal", h.handleCommand)
	mux.HandleFunc("GET /api/portal/status", h.handleStatus)
}

type commandRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type commandResponse struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, commandResponse{Error: fmt.Sprintf("Invalid request body: %v", err)})
		return
	}

	result, err := h.Dispatch(r.Context(), req.Method, req.Params)
	if err != nil {
		h.log.Warn("portal_command_failed", "method", req.Method, "err", err)
		writeJSON(w, http.StatusBadRequest, commandResponse{Error: ErrorMessage(err)})
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Result: result})
}

// Dispatch runs one command. It is the host command surface shared by the
// HTTP endpoint and any embedding shell.
func (h *Handler) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodInitializePortal:
		bindPort, err := portParam(params, "bind_port", ErrInvalidBindPort)
		if err != nil {
			return nil, err
		}
		udpPort, err := portParam(params, "udp_port", ErrInvalidUDPPort)
		if err != nil {
			return nil, err
		}
		return h.rt.InitializePortal(bindPort, udpPort)
	case MethodInitializeUDP:
		udpPort, err := portParam(params, "udp_port", ErrInvalidUDPPort)
		if err != nil {
			return nil, err
		}
		return h.rt.InitializeUDP(udpPort)
	case MethodPortalRequest:
		return h.rt.PortalRequest(ctx, params)
	case MethodShutdownPortal, MethodStopPortal:
		return h.rt.Shutdown()
	default:
		return nil, ErrUnknownMethod
	}
}

func portParam(params json.RawMessage, name string, invalid error) (uint16, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil {
		return 0, invalid
	}
	raw, ok := fields[name]
	if !ok {
		return 0, invalid
	}
	var port uint16
	if err := json.Unmarshal(raw, &port); err != nil {
		return 0, invalid
	}
	return port, nil
}

type statusResponse struct {
	Portal Status       `json:"portal"`
	Bridge bridgeStatus `json:"bridge"`
}

type bridgeStatus struct {
	ActiveConnections int                     `json:"activeConnections"`
	Connections       []bridge.ConnectionInfo `json:"connections"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Portal: h.rt.Status()}
	resp.Bridge.Connections = []bridge.ConnectionInfo{}
	if h.conns != nil {
		if conns := h.conns.Snapshot(); conns != nil {
			resp.Bridge.Connections = conns
		}
	}
	resp.Bridge.ActiveConnections = len(resp.Bridge.Connections)
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
