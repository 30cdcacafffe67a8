package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/user/playhost/internal/broadcast"
	"github.com/user/playhost/internal/gameplay"
	"github.com/user/playhost/internal/log"
)

func (h *handler) gameStatus(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, h.gameplay.Snapshot())
}

func (h *handler) stopCurrent(w http.ResponseWriter, r *http.Request) {
	res, err := h.gameplay.Stop(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"ok": true,
		"result": map[string]any{
			"stopped":    res.Stopped,
			"durationMs": res.Duration.Milliseconds(),
		},
		"status": h.gameplay.Snapshot(),
	})
}

func (h *handler) currentHTML(w http.ResponseWriter, _ *http.Request) {
	html, err := h.gameplay.HTML()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(html))
}

type actionRequest struct {
	Action  string `json:"action"`
	Payload any    `json:"payload"`
}

func (h *handler) currentAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeJSON(r, &req); err != nil || req.Action == "" {
		jsonError(w, http.StatusBadRequest, gameplay.CodeActionNotSupported, "a non-empty action name is required")
		return
	}
	result, err := h.gameplay.PerformAction(req.Action, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	if result == nil {
		jsonResponse(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

type parametersRequest struct {
	Parameters map[string]any `json:"parameters"`
}

func (h *handler) currentParameters(w http.ResponseWriter, r *http.Request) {
	var req parametersRequest
	if err := decodeJSON(r, &req); err != nil || req.Parameters == nil {
		jsonError(w, http.StatusBadRequest, codeInvalidRequest, "parameters object is required")
		return
	}
	if err := h.gameplay.UpdateParameters(req.Parameters); err != nil {
		writeError(w, err)
		return
	}
	if gameID, _, ok := h.gameplay.Current(); ok && gameID != "" {
		if err := h.games.SaveParameters(r.Context(), gameID, req.Parameters); err != nil {
			h.logger.Warn().Err(err).Str(log.FieldGameID, gameID).Msg("save parameters failed")
		}
	}
	jsonResponse(w, http.StatusOK, map[string]any{"ok": true, "status": h.gameplay.Snapshot()})
}

func (h *handler) pauseCurrent(w http.ResponseWriter, _ *http.Request) {
	if err := h.gameplay.Pause(); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"ok": true, "status": h.gameplay.Snapshot()})
}

func (h *handler) resumeCurrent(w http.ResponseWriter, _ *http.Request) {
	if err := h.gameplay.Resume(); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"ok": true, "status": h.gameplay.Snapshot()})
}

func (h *handler) currentStream(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.gameplay.Current(); !ok {
		writeError(w, gameplay.ErrNoGameRunning)
		return
	}
	h.serveStream(w, r)
}

// currentWS hands the upgrade to ws once a session is known to be running.
func (h *handler) currentWS(ws http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := h.gameplay.Current(); !ok {
			writeError(w, gameplay.ErrNoGameRunning)
			return
		}
		ws(w, r)
	}
}

// gameStream streams only when id names the running game.
func (h *handler) gameStream(w http.ResponseWriter, r *http.Request) {
	_, source, ok := h.gameplay.Current()
	if !ok {
		writeError(w, gameplay.ErrNoGameRunning)
		return
	}
	g, err := h.games.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	path, err := h.games.Path(g)
	if err != nil || path != source {
		jsonError(w, http.StatusConflict, codeNotCurrent, "requested game is not the running game")
		return
	}
	h.serveStream(w, r)
}

// serveStream writes broadcaster events as server-sent events until the
// client goes away or the session ends.
func (h *handler) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.stream.Subscribe(r.Context())
	logger := h.logger.With().Str(log.FieldSubscriberID, sub.ID()).Logger()
	logger.Debug().Msg("sse subscriber connected")
	defer logger.Debug().Msg("sse subscriber gone")

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				logger.Debug().Err(err).Msg("sse write failed")
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev broadcast.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Name, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}
