package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

const logKeepAlive = 15 * time.Second

func (h *handler) listLogFiles(w http.ResponseWriter, _ *http.Request) {
	if h.logs == nil {
		jsonResponse(w, http.StatusOK, map[string]any{"files": []any{}})
		return
	}
	files, err := h.logs.Files()
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"files": files})
}

func (h *handler) downloadLogFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if !strings.HasSuffix(name, ".log") || filepath.Base(name) != name {
		jsonError(w, http.StatusBadRequest, codeInvalidRequest, "invalid log file name")
		return
	}
	if h.logs == nil {
		jsonError(w, http.StatusNotFound, "LOG_FILE_NOT_FOUND", "log file not found")
		return
	}
	path := filepath.Join(h.logs.Dir(), name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			jsonError(w, http.StatusNotFound, "LOG_FILE_NOT_FOUND", "log file not found")
			return
		}
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeFile(w, r, path)
}

// followLogs streams new durable log entries as server-sent events, one
// `data:` line per entry.
func (h *handler) followLogs(w http.ResponseWriter, r *http.Request) {
	if h.logs == nil {
		jsonError(w, http.StatusNotFound, "LOG_STREAM_NOT_AVAILABLE", "log sink not configured")
		return
	}
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

	entries := h.logs.Follow(r.Context())
	keepAlive := time.NewTicker(logKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-entries:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
