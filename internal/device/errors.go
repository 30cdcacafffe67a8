package device

import "errors"

const (
	CodeDeviceNotFound     = "DEVICE_NOT_FOUND"
	CodeOperationNotFound  = "OPERATION_NOT_FOUND"
	CodePublishFailed      = "MQTT_PUBLISH_FAILED"
	CodeInvalidDeviceInput = "INVALID_DEVICE_INPUT"
)

// Error carries a stable code for the API layer.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
