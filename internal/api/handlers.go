// Package api exposes the REST surface beside the socket: canvas
// inspection and creation, health, and a live state dump for debugging.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sanity-io/litter"

	"collabcanvas/internal/engine"
)

type API struct {
	Engine *engine.Engine
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]any{"ok": true, "time": time.Now().Unix()})
}

// GetCanvas returns the materialized document and its version without
// joining the room.
func (a *API) GetCanvas(w http.ResponseWriter, r *http.Request) {
	canvasID := mux.Vars(r)["id"]
	doc, seq, err := a.Engine.Materialize(r.Context(), canvasID)
	if err != nil {
		if errors.Is(err, engine.ErrCanvasNotFound) {
			writeJSON(w, 404, map[string]any{"error": "canvas not found"})
			return
		}
		writeJSON(w, 500, map[string]any{"error": "store error"})
		return
	}
	writeJSON(w, 200, map[string]any{
		"canvasId":  canvasID,
		"document":  doc,
		"serverSeq": seq,
	})
}

type createCanvasRequest struct {
	CanvasID string `json:"canvasId"`
}

func (a *API) CreateCanvas(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	r.Body.Close()
	if err != nil {
		writeJSON(w, 400, map[string]any{"error": "bad body"})
		return
	}
	var req createCanvasRequest
	if err := json.Unmarshal(body, &req); err != nil || req.CanvasID == "" {
		writeJSON(w, 400, map[string]any{"error": "canvasId required"})
		return
	}
	if err := a.Engine.CreateCanvas(r.Context(), req.CanvasID); err != nil {
		writeJSON(w, 500, map[string]any{"error": "store error"})
		return
	}
	writeJSON(w, 201, map[string]any{"canvasId": req.CanvasID})
}

// DebugRooms dumps live room and sequencer state.
func (a *API) DebugRooms(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(litter.Sdump(a.Engine.DebugState())))
}
