package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/user/playhost/internal/gameplay"
	"github.com/user/playhost/internal/games"
	"github.com/user/playhost/internal/log"
)

const maxUploadMemory = 8 << 20

func (h *handler) listGames(w http.ResponseWriter, r *http.Request) {
	list, err := h.games.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, list)
}

func (h *handler) getGame(w http.ResponseWriter, r *http.Request) {
	g, err := h.games.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, g)
}

func (h *handler) gameMeta(w http.ResponseWriter, r *http.Request) {
	g, err := h.games.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	path, err := h.games.Path(g)
	if err != nil {
		writeError(w, err)
		return
	}
	meta, err := h.modules.Meta(r.Context(), path)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, meta)
}

func (h *handler) gameConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.games.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	params, err := h.games.Parameters(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, params)
}

type startRequest struct {
	DeviceMapping map[string]any `json:"deviceMapping"`
	Parameters    map[string]any `json:"parameters"`
}

func (h *handler) startGame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, codeInvalidRequest, "invalid request body")
		return
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}

	g, err := h.games.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	path, err := h.games.Path(g)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.gameplay.Start(r.Context(), gameplay.StartRequest{
		GameID:     id,
		Source:     path,
		Mapping:    req.DeviceMapping,
		Parameters: req.Parameters,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.games.SaveParameters(r.Context(), id, req.Parameters); err != nil {
		h.logger.Warn().Err(err).Str(log.FieldGameID, id).Msg("save parameters failed")
	}
	jsonResponse(w, http.StatusOK, map[string]any{"ok": true, "result": result, "status": h.gameplay.Snapshot()})
}

func (h *handler) uploadGame(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		jsonError(w, http.StatusBadRequest, games.CodeInvalidFile, "multipart form with a file field is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, http.StatusBadRequest, games.CodeInvalidFile, "missing file field")
		return
	}
	defer file.Close()

	g, err := h.games.Upload(r.Context(), header.Filename, file)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"ok": true, "game": g})
}

func (h *handler) deleteGame(w http.ResponseWriter, r *http.Request) {
	removeFile := false
	switch strings.ToLower(r.URL.Query().Get("removeFile")) {
	case "1", "true", "yes":
		removeFile = true
	}
	id := chi.URLParam(r, "id")
	removed, err := h.games.Delete(r.Context(), id, removeFile)
	if err != nil {
		writeError(w, err)
		return
	}
	if removeFile && !removed {
		h.logger.Warn().Str(log.FieldGameID, id).Msg("game file was already gone")
	}
	jsonResponse(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *handler) reloadGames(w http.ResponseWriter, r *http.Request) {
	n, err := h.games.Reload(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"ok": true, "count": n})
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, codeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := h.games.Runs(r.Context(), r.URL.Query().Get("gameId"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, runs)
}
