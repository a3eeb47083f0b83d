package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/yuin/goldmark"

	"github.com/nugget/toolbridge/internal/agent"
	"github.com/nugget/toolbridge/internal/llm"
	"github.com/nugget/toolbridge/internal/mcp"
	"github.com/nugget/toolbridge/internal/session"
)

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message string `json:"message"`

	// Format is "text" (default) or "html". HTML replies are rendered
	// from the model's markdown.
	Format string `json:"format,omitempty"`
}

// ChatResponse is the reply to POST /v1/chat.
type ChatResponse struct {
	Response       string `json:"response"`
	HTML           string `json:"html,omitempty"`
	Model          string `json:"model"`
	ConversationID string `json:"conversation_id"`
	ModelCalls     int    `json:"model_calls"`
	ToolCalls      int    `json:"tool_calls"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
}

// handleChat runs one query in the session's conversation.
// POST /v1/chat {"message": "what is 2+2?"}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.Format != "" && req.Format != "text" && req.Format != "html" {
		s.errorResponse(w, http.StatusBadRequest, `format must be "text" or "html"`)
		return
	}

	res, err := s.backend.AskFunc(r.Context(), req.Message, nil)
	if err != nil {
		code, msg := queryErrorStatus(err)
		s.logger.Error("chat query failed", "error", err, "status", code)
		s.errorResponse(w, code, msg)
		return
	}

	resp, err := s.chatResponse(res, req.Format)
	if err != nil {
		s.logger.Error("render reply failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "render reply: "+err.Error())
		return
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) chatResponse(res *agent.Result, format string) (*ChatResponse, error) {
	text := s.reply(res.Content)
	resp := &ChatResponse{
		Response:       text,
		Model:          res.Model,
		ConversationID: s.backend.Conversation().ID,
		ModelCalls:     res.ModelCalls,
		ToolCalls:      res.ToolCalls,
		InputTokens:    res.InputTokens,
		OutputTokens:   res.OutputTokens,
	}
	if format == "html" {
		html, err := markdownToHTML(text)
		if err != nil {
			return nil, err
		}
		resp.HTML = html
	}
	return resp, nil
}

// reply applies the thinking policy to model text.
func (s *Server) reply(content string) string {
	if s.cfg.KeepThinking {
		return content
	}
	return llm.StripThinking(content)
}

// queryErrorStatus maps a failed query to an HTTP status and a message
// safe to return to the client.
func queryErrorStatus(err error) (int, string) {
	var qe *agent.QueryError
	switch {
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, "session closed: a tool server failed; restart the service"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request cancelled"
	case errors.Is(err, agent.ErrMaxTurns):
		return http.StatusUnprocessableEntity, err.Error()
	case mcp.IsFatal(err):
		return http.StatusBadGateway, "tool server failed: " + err.Error()
	case errors.As(err, &qe) && qe.Stage == agent.StageModel:
		return http.StatusBadGateway, "model backend: " + qe.Err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}

// handleHistory returns the turns of the current conversation.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	conv := s.backend.Conversation()
	writeJSON(w, map[string]any{
		"conversation_id": conv.ID,
		"turns":           conv.Turns(),
	}, s.logger)
}

// handleReset starts a new conversation.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.backend.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// markdownToHTML renders model markdown to an HTML fragment.
func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
