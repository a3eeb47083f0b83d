package llm

import "context"

// Client is implemented by every model backend.
type Client interface {
	// Chat sends the conversation and the tool declarations and returns
	// the model's complete reply. Errors are *BackendError or
	// *MalformedResponseError.
	Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

// ModelLister is implemented by backends that can enumerate models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}
