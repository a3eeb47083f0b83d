package llm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// MultiClient routes requests to a provider based on model name.
type MultiClient struct {
	mu       sync.RWMutex
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client            // default client for unknown models
}

// NewMultiClient creates a client that routes to multiple providers.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[modelName] = providerName
}

func (m *MultiClient) clientFor(model string) Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client
		}
	}
	return m.fallback
}

// Chat sends a request to the provider for the model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error) {
	client := m.clientFor(model)
	if client == nil {
		return nil, &BackendError{Provider: "router", Message: fmt.Sprintf("no provider configured for model %q", model)}
	}
	return client.Chat(ctx, model, messages, tools)
}

// Ping checks the fallback provider.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback != nil {
		return m.fallback.Ping(ctx)
	}
	return errors.New("no fallback client configured")
}

// PingModel checks the provider that serves model.
func (m *MultiClient) PingModel(ctx context.Context, model string) error {
	client := m.clientFor(model)
	if client == nil {
		return &BackendError{Provider: "router", Message: fmt.Sprintf("no provider configured for model %q", model)}
	}
	return client.Ping(ctx)
}

// ModelInfo is a configured model and the provider serving it.
type ModelInfo struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Models lists the explicitly routed models, sorted by name.
func (m *MultiClient) Models() []ModelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ModelInfo, 0, len(m.models))
	for name, provider := range m.models {
		out = append(out, ModelInfo{Name: name, Provider: provider})
	}
	slices.SortFunc(out, func(a, b ModelInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// ListModels merges the model lists of every provider that can
// enumerate them. A provider that fails is skipped unless all fail.
func (m *MultiClient) ListModels(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	listers := make([]ModelLister, 0, len(m.clients))
	for _, c := range m.clients {
		if l, ok := c.(ModelLister); ok {
			listers = append(listers, l)
		}
	}
	m.mu.RUnlock()

	var names []string
	var errs []error
	for _, l := range listers {
		got, err := l.ListModels(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		names = append(names, got...)
	}
	if len(names) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}
