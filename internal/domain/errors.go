package domain

import "fmt"

type ErrorKind string

const (
	KindRendererNotFound    ErrorKind = "RENDERER_NOT_FOUND"
	KindAmbiguousRenderer   ErrorKind = "AMBIGUOUS_RENDERER"
	KindRendererUnreachable ErrorKind = "RENDERER_UNREACHABLE"
	KindUnsupportedAction   ErrorKind = "UNSUPPORTED_ACTION"
	KindInvalidTrackList    ErrorKind = "INVALID_TRACK_LIST"
	KindInvalidVolume       ErrorKind = "INVALID_VOLUME"
	KindNoActiveSession     ErrorKind = "NO_ACTIVE_SESSION"
	KindDeviceFault         ErrorKind = "DEVICE_FAULT"
)

type ControlError struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ControlError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

func Errf(kind ErrorKind, format string, args ...any) *ControlError {
	return &ControlError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
