package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"taskrelay/internal/connection"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	// client frames are small JSON commands
	wsReadLimit = 4 << 10
	// close reasons must fit a control frame
	maxCloseReason = 120
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type clientMsg struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId"`
}

// wsConn adapts a websocket to connection.Conn. Only the viewer's writer
// goroutine calls WriteJSON; Close may race with it.
type wsConn struct {
	c    *websocket.Conn
	once sync.Once
}

func (w *wsConn) WriteJSON(v any) error {
	_ = w.c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.c.WriteJSON(v)
}

func (w *wsConn) Close() error {
	return w.closeWith(websocket.CloseNormalClosure, "")
}

// closeWith sends a close frame with code and reason and closes the socket.
// Only the first close of a connection has any effect.
func (w *wsConn) closeWith(code int, reason string) error {
	var err error
	w.once.Do(func() {
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = w.c.Close()
	})
	return err
}

func closeCode(err error) int {
	switch statusFor(err) {
	case http.StatusNotFound:
		return websocket.ClosePolicyViolation
	case http.StatusServiceUnavailable:
		return websocket.CloseTryAgainLater
	}
	return websocket.CloseInternalServerErr
}

// stream serves the live progress channel for one task. The first frame is
// always the task snapshot; the channel closes after a terminal frame once
// the viewer has no other subscriptions.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "taskID")
	owner := ownerFrom(ctx)

	// authorize before upgrading so a refusal is a plain HTTP error
	if _, err := s.query.Get(ctx, taskID, owner); err != nil {
		writeError(w, r, s.log, err)
		return
	}

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	_ = c.SetReadDeadline(time.Time{})
	c.SetReadLimit(wsReadLimit)

	conn := &wsConn{c: c}
	v := s.conns.Connect(conn, owner)
	defer s.conns.Disconnect(v)

	c.SetPongHandler(func(string) error {
		s.conns.Touch(v)
		return nil
	})
	if err := s.conns.SubscribeToTask(ctx, v, taskID); err != nil {
		// the viewer has nothing queued yet, so the reason goes in the close frame
		s.log.Debug().Err(err).Str("task_id", taskID).Msg("stream subscribe failed")
		_ = conn.closeWith(closeCode(err), publicMessage(err))
		return
	}

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		s.conns.Touch(v)

		var msg clientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.conns.Send(v, connection.Message{Type: connection.TypeError, Error: "malformed message"})
			continue
		}
		if msg.TaskID == "" {
			msg.TaskID = taskID
		}

		switch msg.Type {
		case "ping":
			s.conns.Send(v, connection.Message{Type: connection.TypePong})
		case "resend":
			err = s.conns.Resend(ctx, v, msg.TaskID)
		case "subscribe":
			err = s.conns.SubscribeToTask(ctx, v, msg.TaskID)
		case "unsubscribe":
			s.conns.UnsubscribeFromTask(v, msg.TaskID)
			if len(v.Tasks()) == 0 {
				return
			}
		default:
			s.conns.Send(v, connection.Message{Type: connection.TypeError, Error: "unknown message type " + msg.Type})
		}
		if err != nil {
			s.conns.Send(v, connection.Message{Type: connection.TypeError, TaskID: msg.TaskID, Error: publicMessage(err)})
		}
	}
}
