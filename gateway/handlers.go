package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/c360/streambroker/broker"
	"github.com/c360/streambroker/errors"
	"github.com/c360/streambroker/registry"
	"github.com/c360/streambroker/typestore"
)

// getOrGenerateRequestID extracts the request ID from headers or mints
// one, so a negotiation can be traced from HTTP through the bus.
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// wrap applies the cross-cutting request handling: tracing header,
// CORS, counters.
func (g *Gateway) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", getOrGenerateRequestID(r))

		g.requestsTotal.Add(1)
		g.lastActivity.Store(time.Now())

		if g.enableCORS {
			g.applyCORS(w, r)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		h(w, r)
	}
}

func (g *Gateway) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	for _, allowed := range g.corsOrigins {
		if allowed == "*" || allowed == origin {
			if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			} else {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			return
		}
	}
}

func (g *Gateway) handleListStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := g.broker.List(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"streams": streams,
		"count":   len(streams),
	})
}

func (g *Gateway) handleGetStream(w http.ResponseWriter, r *http.Request) {
	stream, err := g.broker.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, stream)
}

func (g *Gateway) handleAdvertise(w http.ResponseWriter, r *http.Request) {
	var stream registry.Stream
	if !g.decode(w, r, &stream) {
		return
	}

	stored, err := g.broker.Advertise(r.Context(), &stream)
	if err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, stored)
}

func (g *Gateway) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	removed, err := g.broker.Withdraw(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (g *Gateway) handleStreamHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := g.broker.Heartbeat(r.Context(), r.PathValue("id")); err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (g *Gateway) handleRequestStream(w http.ResponseWriter, r *http.Request) {
	var req broker.ConsumerRequest
	if !g.decode(w, r, &req) {
		return
	}
	if req.ConsumerID == "" {
		g.writeError(w, http.StatusBadRequest, "consumer_id is required")
		return
	}

	offer, err := g.broker.RequestStream(r.Context(), r.PathValue("id"), req)
	if err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, offer)
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := g.sessions.List(r.Context(), r.URL.Query().Get("stream_id"))
	if err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (g *Gateway) handleStopSession(w http.ResponseWriter, r *http.Request) {
	removed, err := g.sessions.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (g *Gateway) handleSessionHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := g.sessions.Heartbeat(r.Context(), r.PathValue("id")); err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (g *Gateway) handleListTypes(w http.ResponseWriter, r *http.Request) {
	if g.types == nil {
		g.writeError(w, http.StatusServiceUnavailable, "stream type catalog not available")
		return
	}
	types, err := g.types.List(r.Context())
	if err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"types": types,
		"count": len(types),
	})
}

func (g *Gateway) handleCreateType(w http.ResponseWriter, r *http.Request) {
	if g.types == nil {
		g.writeError(w, http.StatusServiceUnavailable, "stream type catalog not available")
		return
	}

	var t typestore.StreamType
	if !g.decode(w, r, &t) {
		return
	}

	if err := g.types.Create(r.Context(), &t); err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, &t)
}

func (g *Gateway) handleUpdateType(w http.ResponseWriter, r *http.Request) {
	if g.types == nil {
		g.writeError(w, http.StatusServiceUnavailable, "stream type catalog not available")
		return
	}

	var t typestore.StreamType
	if !g.decode(w, r, &t) {
		return
	}
	t.Name = r.PathValue("name")

	if err := g.types.Update(r.Context(), &t); err != nil {
		g.writeErr(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, &t)
}

func (g *Gateway) handleDeleteType(w http.ResponseWriter, r *http.Request) {
	if g.types == nil {
		g.writeError(w, http.StatusServiceUnavailable, "stream type catalog not available")
		return
	}

	if err := g.types.Delete(r.Context(), r.PathValue("name")); err != nil {
		g.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads and unmarshals a bounded JSON body. On failure it writes
// the error response and returns false.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, g.maxRequestSize+1))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if int64(len(body)) > g.maxRequestSize {
		g.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", g.maxRequestSize))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeErr maps a classified error onto the HTTP surface.
func (g *Gateway) writeErr(w http.ResponseWriter, err error) {
	g.writeError(w, statusFor(err), publicMessage(err))
}

// statusFor maps error kinds to status codes. Negotiation timeouts get
// their own code because "publisher not responding" is the most common
// integration failure and deserves an unambiguous signal.
func statusFor(err error) int {
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsNegotiationTimeout(err):
		return http.StatusGatewayTimeout
	case errors.IsRegistryUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrDuplicateAdvertisement):
		return http.StatusConflict
	case errors.IsInvalid(err):
		if strings.Contains(err.Error(), "already exists") {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage keeps backend detail out of responses while preserving
// the condition the caller needs to act on.
func publicMessage(err error) string {
	switch {
	case errors.IsNotFound(err):
		return "not found"
	case errors.IsNegotiationTimeout(err):
		return "publisher not responding"
	case errors.IsRegistryUnavailable(err):
		return "registry unavailable"
	case errors.IsInvalid(err):
		return err.Error()
	default:
		return "internal error"
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if g.monitor == nil {
		g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	agg := g.monitor.AggregateHealth("streambroker")
	status := http.StatusOK
	if agg.IsUnhealthy() {
		status = http.StatusServiceUnavailable
	}
	g.writeJSON(w, status, agg)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if n, err := w.Write(data); err == nil {
		g.bytesSent.Add(uint64(n))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, message string) {
	g.requestsFailed.Add(1)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":  message,
		"status": status,
	})
}
