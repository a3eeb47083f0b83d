package llm

import "fmt"

// BackendError means the model backend could not be reached or refused
// the request.
type BackendError struct {
	Provider   string
	StatusCode int // 0 when no HTTP response was received
	Message    string
	Err        error
}

func (e *BackendError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s backend: status %d: %s", e.Provider, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s backend: status %d", e.Provider, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s backend: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s backend: %s", e.Provider, e.Message)
	}
}

func (e *BackendError) Unwrap() error { return e.Err }

// MalformedResponseError means the backend answered with something that
// cannot be read as a chat reply.
type MalformedResponseError struct {
	Provider string
	Detail   string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s backend: malformed response: %s: %v", e.Provider, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s backend: malformed response: %s", e.Provider, e.Detail)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }
