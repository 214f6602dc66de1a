package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/snehjoshi/epochbus/internal/transport"
)

// Version is reported by /health.
const Version = "1.0.0"

// Handler groups the HTTP request handlers around an Ingress.
type Handler struct {
	ingress *transport.Ingress
	started time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type publishResp struct {
	ID string `json:"id"`
}

type batchReq struct {
	Messages []transport.Request `json:"messages"`
}

type batchResp struct {
	IDs []string `json:"ids"`
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

type errorResp struct {
	Error string `json:"error"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

// health answers 503 once the scheduler is stopping so load balancers drain
// this node first.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	st := h.ingress.Stats()
	elapsed := time.Since(h.started)
	resp := healthResp{
		Status:   "ok",
		NodeID:   st.NodeID,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  Version,
	}
	code := http.StatusOK
	if st.Stopping {
		resp.Status = "stopping"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// ─── Publish ──────────────────────────────────────────────────────────────────

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	var req transport.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := h.ingress.Publish("http", req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, publishResp{ID: id})
}

func (h *Handler) publishBatch(w http.ResponseWriter, r *http.Request) {
	var req batchReq
	if !decodeJSON(w, r, &req) {
		return
	}
	ids, err := h.ingress.PublishBatch("http", req.Messages)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, batchResp{IDs: ids})
}

// ─── Stats ────────────────────────────────────────────────────────────────────

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ingress.Stats())
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, transport.ErrInvalidRequest) {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, errorResp{Error: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResp{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}
