package mcp

import "context"

// Transport carries JSON-RPC traffic to one tool server. Implementations
// assign request ids and correlate responses, and must allow concurrent
// Send calls.
type Transport interface {
	// Connect establishes the channel (starts the subprocess).
	Connect(ctx context.Context) error

	// Send issues a request and waits for its response. Cancelling ctx
	// abandons only this request.
	Send(ctx context.Context, method string, params any) (*Response, error)

	// Notify sends a notification.
	Notify(ctx context.Context, method string, params any) error

	// Close tears the channel down. Pending requests fail with
	// ConnectionError. Close is idempotent.
	Close() error
}
