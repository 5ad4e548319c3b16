package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sprite-ai/agmend/internal/audit"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 64,
	WriteBufferSize: 1024 * 64,
	CheckOrigin: func(r *http.Request) bool {
		return true // the server is meant for localhost agents
	},
}

// Client to server.
const (
	wsMsgAudit    = "audit"
	wsMsgEvaluate = "evaluate"
	wsMsgRecover  = "recover"
)

// Server to client.
const (
	wsMsgStage      = "stage"
	wsMsgReport     = "report"
	wsMsgEvaluation = "evaluation"
	wsMsgRecovery   = "recovery"
	wsMsgError      = "error"
)

// wsMessage is the envelope for WebSocket messages in both directions.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// wsConn is only written from the reading goroutine; gorilla allows one
// concurrent writer.
type wsConn struct {
	*websocket.Conn
	s *Server
}

func (c wsConn) send(msgType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		c.s.logger.Warn("ws marshal failed", "type", msgType, "error", err)
		return
	}
	if err := c.WriteJSON(wsMessage{Type: msgType, Data: raw}); err != nil {
		c.s.logger.Debug("ws write failed", "type", msgType, "error", err)
	}
}

func (c wsConn) sendError(msg string) {
	c.send(wsMsgError, map[string]string{"message": msg})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer raw.Close()
	conn := wsConn{Conn: raw, s: s}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.sendError("invalid message format")
			continue
		}

		switch msg.Type {
		case wsMsgAudit:
			s.wsAudit(ctx, conn, msg.Data)
		case wsMsgEvaluate:
			s.wsEvaluate(conn, msg.Data)
		case wsMsgRecover:
			s.wsRecover(ctx, conn, msg.Data)
		default:
			conn.sendError("unknown message type: " + msg.Type)
		}
	}
}

func decodeWS(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		return errors.New(validationMessage(err))
	}
	return nil
}

// wsAudit runs one audit and streams a stage event after every stage.
func (s *Server) wsAudit(ctx context.Context, conn wsConn, data json.RawMessage) {
	var req auditRequest
	if err := decodeWS(data, &req); err != nil {
		conn.sendError("invalid audit data: " + err.Error())
		return
	}

	// A per-run copy keeps the observer private to this connection while
	// sharing the thread locks.
	p := *s.deps.Audit
	prev := p.Observer
	p.Observer = audit.ObserverFunc(func(ev audit.StageEvent) {
		if prev != nil {
			prev.OnStage(ev)
		}
		conn.send(wsMsgStage, ev)
	})

	st, err := p.Run(ctx, audit.Request{ThreadID: req.ThreadID, WorkDir: req.WorkDir})
	if err != nil {
		conn.sendError("audit failed: " + err.Error())
		return
	}
	conn.send(wsMsgReport, st)
}

func (s *Server) wsEvaluate(conn wsConn, data json.RawMessage) {
	var req evaluateRequest
	if err := decodeWS(data, &req); err != nil {
		conn.sendError("invalid evaluate data: " + err.Error())
		return
	}
	conn.send(wsMsgEvaluation, s.evaluate(req.Messages))
}

func (s *Server) wsRecover(ctx context.Context, conn wsConn, data json.RawMessage) {
	var req recoverRequest
	if err := decodeWS(data, &req); err != nil {
		conn.sendError("invalid recover data: " + err.Error())
		return
	}
	resp, _ := s.runRecovery(ctx, req)
	conn.send(wsMsgRecovery, resp)
}
