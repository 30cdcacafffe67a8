package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/user/playhost/internal/device"
	"github.com/user/playhost/internal/gameplay"
	"github.com/user/playhost/internal/games"
)

const (
	codeInvalidRequest = "INVALID_REQUEST"
	codeInternal       = "INTERNAL_ERROR"
	codeUnauthorized   = "UNAUTHORIZED"
	codeRateLimited    = "RATE_LIMITED"
	codeTypeNotFound   = "DEVICE_TYPE_NOT_FOUND"
	codeNotCurrent     = "GAME_NOT_CURRENT"
	codeBusPublish     = "MQTT_CLIENT_PUBLISH_FAILED"
)

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if data == nil || status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, code, message string) {
	jsonResponse(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeError renders err with the status its code maps to. Errors without a
// known code are reported as 500.
func writeError(w http.ResponseWriter, err error) {
	code := codeOf(err)
	if code == "" {
		jsonError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	jsonError(w, statusFor(code), code, messageOf(err))
}

func codeOf(err error) string {
	if code := gameplay.CodeOf(err); code != "" {
		return code
	}
	if code := device.CodeOf(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, games.ErrNotFound):
		return games.CodeNotFound
	case errors.Is(err, games.ErrInvalidFile), errors.Is(err, games.ErrPathInvalid):
		return games.CodeInvalidFile
	}
	return ""
}

func messageOf(err error) string {
	var ge *gameplay.Error
	if errors.As(err, &ge) && ge.Message != "" {
		return ge.Message
	}
	var de *device.Error
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return err.Error()
}

func statusFor(code string) int {
	switch code {
	case gameplay.CodeNoGameRunning,
		games.CodeNotFound, device.CodeDeviceNotFound, device.CodeOperationNotFound, codeTypeNotFound:
		return http.StatusNotFound
	case gameplay.CodeAlreadyRunning, codeNotCurrent:
		return http.StatusConflict
	case gameplay.CodeActionNotSupported, games.CodeInvalidFile, device.CodeInvalidDeviceInput, codeInvalidRequest,
		gameplay.CodeMappingMissing, gameplay.CodeDeviceOffline, gameplay.CodeInterfaceMismatch:
		return http.StatusBadRequest
	case gameplay.CodeFileNotFound, gameplay.CodeInvalidExport, gameplay.CodeMissingField,
		gameplay.CodeMissingMethod, gameplay.CodeLoadFailed:
		return http.StatusUnprocessableEntity
	case codeRateLimited:
		return http.StatusTooManyRequests
	case codeUnauthorized:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}
