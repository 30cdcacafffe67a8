package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/user/playhost/internal/log"
)

type publishRequest struct {
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message"`
}

// busPublish sends an operator message to the bus. String messages go out
// verbatim, anything else as JSON.
func (h *handler) busPublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, codeBusPublish, "invalid request body")
		return
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		jsonError(w, http.StatusBadRequest, codeBusPublish, "missing topic")
		return
	}
	if len(req.Message) == 0 {
		jsonError(w, http.StatusBadRequest, codeBusPublish, "missing message")
		return
	}
	if h.bus == nil {
		jsonError(w, http.StatusInternalServerError, codeBusPublish, "bus is not configured")
		return
	}

	var payload any = []byte(req.Message)
	var text string
	if err := json.Unmarshal(req.Message, &text); err == nil {
		payload = text
	}
	if err := h.bus.Publish(topic, payload); err != nil {
		h.logger.Warn().Err(err).Str(log.FieldTopic, topic).Msg("operator publish failed")
		jsonError(w, http.StatusInternalServerError, codeBusPublish, err.Error())
		return
	}
	h.logger.Debug().Str(log.FieldTopic, topic).Msg("operator message published")
	jsonResponse(w, http.StatusOK, map[string]any{"ok": true})
}
