package api

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/user/playhost/internal/device"
	"github.com/user/playhost/internal/log"
)

func (h *handler) listDevices(w http.ResponseWriter, _ *http.Request) {
	list := h.devices.List()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	jsonResponse(w, http.StatusOK, list)
}

func (h *handler) clearDevices(w http.ResponseWriter, _ *http.Request) {
	h.devices.Clear()
	jsonResponse(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *handler) getDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.devices.Get(chi.URLParam(r, "id"))
	if !ok {
		jsonError(w, http.StatusNotFound, device.CodeDeviceNotFound, "device not found")
		return
	}
	jsonResponse(w, http.StatusOK, dev)
}

// updateDevice applies a metadata patch and forwards the whole patch to the
// device as an update command.
func (h *handler) updateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	patch := map[string]any{}
	if err := decodeJSON(r, &patch); err != nil {
		jsonError(w, http.StatusBadRequest, codeInvalidRequest, "invalid request body")
		return
	}

	var (
		dev device.Device
		ok  bool
	)
	if name, isString := patch["name"].(string); isString {
		dev, ok = h.devices.Rename(id, name)
	} else {
		dev, ok = h.devices.Get(id)
	}
	if !ok {
		jsonError(w, http.StatusNotFound, device.CodeDeviceNotFound, "device not found")
		return
	}

	if err := h.devices.PublishUpdate(id, patch); err != nil {
		h.logger.Warn().Err(err).Str(log.FieldDeviceID, id).Msg("device update notify failed")
		jsonError(w, http.StatusInternalServerError, codeBusPublish, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, dev)
}

func (h *handler) deleteDevice(w http.ResponseWriter, r *http.Request) {
	if !h.devices.Remove(chi.URLParam(r, "id")) {
		jsonError(w, http.StatusNotFound, device.CodeDeviceNotFound, "device not found")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"ok": true})
}

type operationRequest struct {
	Params map[string]any `json:"params"`
}

func (h *handler) executeOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")
	var req operationRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, codeInvalidRequest, "invalid request body")
		return
	}
	if err := h.devices.ExecuteOperation(id, key, req.Params); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"ok": true, "operation": key})
}

func (h *handler) deviceMonitor(w http.ResponseWriter, r *http.Request) {
	mon, ok := h.devices.Monitor(chi.URLParam(r, "id"))
	if !ok {
		jsonError(w, http.StatusNotFound, device.CodeDeviceNotFound, "device not found")
		return
	}
	jsonResponse(w, http.StatusOK, mon)
}

func (h *handler) listDeviceTypes(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, h.types.Names())
}

func (h *handler) deviceTypeConfigs(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, h.types.All())
}

func (h *handler) deviceTypeConfig(w http.ResponseWriter, r *http.Request) {
	typ, ok := h.types.Get(chi.URLParam(r, "type"))
	if !ok {
		jsonError(w, http.StatusNotFound, codeTypeNotFound, "device type not found")
		return
	}
	jsonResponse(w, http.StatusOK, typ)
}

func (h *handler) deviceInterfaces(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]any{
		"interfaces":       h.types.Interfaces(),
		"interfaceConfig":  h.types.InterfaceConfig(),
		"typeInterfaceMap": h.types.TypeInterfaceMap(),
	})
}
