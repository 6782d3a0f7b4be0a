package story

import "fmt"

// StatusCode classifies the outcome of a session operation.
type StatusCode string

const (
	StatusOK             StatusCode = "ok"
	StatusAlreadyPresent StatusCode = "already_present"
	StatusNotFound       StatusCode = "not_found"
	StatusCorrupted      StatusCode = "corrupted"
	StatusDegraded       StatusCode = "degraded"
	StatusInvalid        StatusCode = "invalid"
	StatusFailed         StatusCode = "failed"
)

// Status is the human-readable result of a session operation. Operations
// report recoverable failures through a Status rather than an error.
type Status struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message"`
}

// OK reports whether the operation fully succeeded.
func (s Status) OK() bool {
	return s.Code == StatusOK
}

func (s Status) String() string {
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// Statusf builds a Status with a formatted message.
func Statusf(code StatusCode, format string, args ...any) Status {
	return Status{Code: code, Message: fmt.Sprintf(format, args...)}
}
