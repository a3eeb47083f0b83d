package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/toolbridge/internal/buildinfo"
)

// The Ollama-compatible endpoints let chat front ends that speak the
// Ollama API use the bridge as if it were a model. The bridge keeps the
// conversation itself, so only the last user message of a request is
// used.

// ollamaModelName is the model the bridge advertises on /api/tags.
const ollamaModelName = buildinfo.Name + ":latest"

// OllamaChatRequest is the Ollama /api/chat request format.
type OllamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []OllamaChatMessage `json:"messages"`
	Stream   *bool               `json:"stream,omitempty"`
	Options  map[string]any      `json:"options,omitempty"`
	Tools    []map[string]any    `json:"tools,omitempty"`
}

// OllamaChatMessage is the Ollama message format.
type OllamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OllamaChatResponse is the Ollama /api/chat response format.
type OllamaChatResponse struct {
	Model           string            `json:"model"`
	CreatedAt       string            `json:"created_at"`
	Message         OllamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	DoneReason      string            `json:"done_reason,omitempty"`
	TotalDuration   int64             `json:"total_duration,omitempty"`
	PromptEvalCount int               `json:"prompt_eval_count,omitempty"`
	EvalCount       int               `json:"eval_count,omitempty"`
}

// OllamaTagsResponse is the Ollama /api/tags response format.
type OllamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

// OllamaModel represents a model in the tags response.
type OllamaModel struct {
	Name       string            `json:"name"`
	Model      string            `json:"model"`
	ModifiedAt string            `json:"modified_at"`
	Size       int64             `json:"size"`
	Digest     string            `json:"digest"`
	Details    OllamaModelDetail `json:"details"`
}

// OllamaModelDetail contains model details.
type OllamaModelDetail struct {
	Format   string   `json:"format"`
	Family   string   `json:"family"`
	Families []string `json:"families"`
}

// OllamaVersionResponse is the Ollama /api/version response.
type OllamaVersionResponse struct {
	Version string `json:"version"`
}

func (s *Server) registerOllamaRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", s.handleOllamaChat)
	mux.HandleFunc("GET /api/tags", s.handleOllamaTags)
	mux.HandleFunc("GET /api/version", s.handleOllamaVersion)
}

// handleOllamaChat answers /api/chat. Replies are never streamed: a
// streaming request gets the whole reply as one final NDJSON chunk.
func (s *Server) handleOllamaChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req OllamaChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ollamaError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	query := lastUserMessage(req.Messages)
	if query == "" {
		ollamaError(w, http.StatusBadRequest, "no user message")
		return
	}
	if len(req.Tools) > 0 {
		s.logger.Debug("ignoring client-supplied tools", "count", len(req.Tools))
	}

	s.logger.Info("ollama chat request received",
		"remote_addr", r.RemoteAddr,
		"user_agent", r.Header.Get("User-Agent"),
		"model", req.Model,
		"messages", len(req.Messages),
	)

	res, err := s.backend.AskFunc(r.Context(), query, nil)
	if err != nil {
		code, msg := queryErrorStatus(err)
		s.logger.Error("ollama chat query failed", "error", err)
		ollamaError(w, code, msg)
		return
	}

	resp := OllamaChatResponse{
		Model:     ollamaModelName,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Message: OllamaChatMessage{
			Role:    "assistant",
			Content: s.reply(res.Content),
		},
		Done:            true,
		DoneReason:      "stop",
		TotalDuration:   time.Since(start).Nanoseconds(),
		PromptEvalCount: res.InputTokens,
		EvalCount:       res.OutputTokens,
	}

	// For Ollama compatibility, a nil stream defaults to true.
	stream := req.Stream == nil || *req.Stream
	if stream {
		w.Header().Set("Content-Type", "application/x-ndjson")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("failed to encode ollama response", "error", err)
	}
}

func lastUserMessage(msgs []OllamaChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return strings.TrimSpace(msgs[i].Content)
		}
	}
	return ""
}

// handleOllamaTags advertises the bridge as the only model.
func (s *Server) handleOllamaTags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, OllamaTagsResponse{
		Models: []OllamaModel{
			{
				Name:       ollamaModelName,
				Model:      ollamaModelName,
				ModifiedAt: time.Now().UTC().Format(time.RFC3339),
				Digest:     buildinfo.Name + "-" + buildinfo.Version,
				Details: OllamaModelDetail{
					Format:   buildinfo.Name,
					Family:   buildinfo.Name,
					Families: []string{buildinfo.Name},
				},
			},
		},
	}, s.logger)
}

func (s *Server) handleOllamaVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, OllamaVersionResponse{Version: buildinfo.Version}, s.logger)
}

// ollamaError sends an error response in the format Ollama clients
// expect.
func ollamaError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// Best-effort write; the client may have disconnected.
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
