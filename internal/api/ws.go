package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/toolbridge/internal/agent"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsEvent is one server-to-client websocket message.
type wsEvent struct {
	Type   string        `json:"type"` // "turn", "result" or "error"
	Turn   *agent.Turn   `json:"turn,omitempty"`
	Result *ChatResponse `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
	Status int           `json:"status,omitempty"`
}

// handleChatWS upgrades to a websocket. Each client message is a
// ChatRequest; the server answers with one "turn" event per appended
// turn, then a "result" or "error" event. Requests on one connection
// run in order.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	log := s.logger.With("remote_addr", r.RemoteAddr)
	log.Info("websocket connected")

	// Only this goroutine writes; AskFunc runs onTurn synchronously.
	send := func(ev wsEvent) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(ev)
	}

	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("websocket closed normally")
			} else {
				log.Debug("websocket read ended", "error", err)
			}
			return
		}
		if req.Message == "" {
			if err := send(wsEvent{Type: "error", Error: "message is required", Status: http.StatusBadRequest}); err != nil {
				return
			}
			continue
		}

		var writeErr error
		res, err := s.backend.AskFunc(r.Context(), req.Message, func(t agent.Turn) {
			if writeErr != nil {
				return
			}
			if t.Role == agent.RoleAssistant {
				t.Content = s.reply(t.Content)
			}
			writeErr = send(wsEvent{Type: "turn", Turn: &t})
		})
		if writeErr != nil {
			log.Debug("websocket write failed", "error", writeErr)
			return
		}

		if err != nil {
			code, msg := queryErrorStatus(err)
			log.Error("websocket query failed", "error", err)
			if err := send(wsEvent{Type: "error", Error: msg, Status: code}); err != nil {
				return
			}
			continue
		}

		resp, err := s.chatResponse(res, req.Format)
		if err != nil {
			if err := send(wsEvent{Type: "error", Error: err.Error(), Status: http.StatusInternalServerError}); err != nil {
				return
			}
			continue
		}
		if err := send(wsEvent{Type: "result", Result: resp}); err != nil {
			return
		}
	}
}
