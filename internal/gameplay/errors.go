package gameplay

import (
	"errors"
	"fmt"
)

// Error codes surfaced to callers. Load and binding errors abort a start
// attempt; action errors leave the session running.
const (
	CodeFileNotFound  = "GAMEPLAY_FILE_NOT_FOUND"
	CodeInvalidExport = "GAMEPLAY_INVALID_EXPORT"
	CodeMissingField  = "GAMEPLAY_MISSING_FIELD"
	CodeMissingMethod = "GAMEPLAY_MISSING_METHOD"
	CodeLoadFailed    = "GAMEPLAY_LOAD_FAILED"

	CodeMappingMissing    = "DEVICE_MAPPING_MISSING"
	CodeDeviceOffline     = "DEVICE_OFFLINE"
	CodeInterfaceMismatch = "DEVICE_INTERFACE_MISMATCH"

	CodeAlreadyRunning = "GAMEPLAY_ALREADY_RUNNING"
	CodeStartFailed    = "GAMEPLAY_START_FAILED"
	CodeNoGameRunning  = "NO_GAME_RUNNING"

	CodeActionNotSupported = "GAMEPLAY_ACTION_NOT_SUPPORTED"
	CodeActionFailed       = "GAMEPLAY_ACTION_FAILED"
	CodeHTMLNotAvailable   = "GAMEPLAY_HTML_NOT_AVAILABLE"
)

// Error is a tagged gameplay failure.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code, so errors.Is(err,
// &Error{Code: CodeNoGameRunning}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// ErrNoGameRunning is returned by session operations when nothing is running.
var ErrNoGameRunning = &Error{Code: CodeNoGameRunning, Message: "no game is running"}
