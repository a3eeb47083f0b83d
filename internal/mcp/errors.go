package mcp

import (
	"errors"
	"fmt"
)

// ErrClosed is wrapped by errors from a transport that was closed
// locally.
var ErrClosed = errors.New("transport closed")

// ConnectionError means the channel to a tool server is gone or never
// came up: the subprocess failed to start, exited, or closed its
// output, or the handshake failed. Requests pending at that moment fail
// with it. The session cannot continue on that server.
type ConnectionError struct {
	Server string
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcp server %s: %s: %v", e.Server, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError means the server sent something that is not a valid
// reply to our request.
type ProtocolError struct {
	Server string
	Method string
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("mcp server %s: protocol violation in %s: %s", e.Server, e.Method, e.Detail)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsFatal reports whether err means the tool server can no longer be
// used.
func IsFatal(err error) bool {
	var connErr *ConnectionError
	var protoErr *ProtocolError
	return errors.As(err, &connErr) || errors.As(err, &protoErr)
}
