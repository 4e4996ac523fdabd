package relay

import (
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ptyhub/ptyhub/internal/protocol"
	"github.com/ptyhub/ptyhub/internal/session"
)

// HandleTerminal upgrades one terminal-channel connection. Query
// parameters: sessionId (required) and terminalKind (optional, defaults to
// the agent kind). Bad parameters produce an error frame followed by a
// close; the socket never joins a room.
func (r *Relay) HandleTerminal(w http.ResponseWriter, req *http.Request) {
	socket, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("[Relay] Terminal upgrade: %v", err)
		return
	}

	c := newConn(uuid.NewString(), socket)
	go c.writePump()

	sessionID := req.URL.Query().Get("sessionId")
	if sessionID == "" {
		r.rejectConn(c, "missing_session_id", "sessionId query parameter is required")
		return
	}
	kind, err := session.ParseTerminalKind(req.URL.Query().Get("terminalKind"))
	if err != nil {
		r.rejectConn(c, "invalid_terminal_kind", err.Error())
		return
	}

	key := session.Key{SessionID: sessionID, Kind: kind}
	r.joinTerminalRoom(key, c)
	log.Printf("[Relay] Terminal connection %s joined %s", c.id, key)

	r.terminalReadLoop(c, key)

	r.leaveTerminalRoom(key, c)
	c.close()
	log.Printf("[Relay] Terminal connection %s left %s", c.id, key)
}

func (r *Relay) terminalReadLoop(c *conn, key session.Key) {
	for {
		messageType, frame, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[Relay] Terminal connection %s read: %v", c.id, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.DecodeTerminalClient(frame)
		if err != nil {
			var unknown protocol.UnknownMessageTypeError
			if errors.As(err, &unknown) {
				r.sendMessage(c, protocol.NewError("unknown_message_type", unknown.Error()))
			} else {
				r.sendMessage(c, protocol.NewError("malformed_message", err.Error()))
			}
			continue
		}

		switch m := msg.(type) {
		case protocol.InputMessage:
			if err := r.manager.Write(key.SessionID, key.Kind, []byte(m.Data)); err != nil {
				// Input to a dead handle is rejected, not dropped.
				r.sendMessage(c, protocol.NewError("session-not-running", err.Error()))
			}
		case protocol.ResizeMessage:
			r.manager.Resize(key.SessionID, key.Kind, m.Cols, m.Rows)
		case protocol.SignalMessage:
			sig, err := session.ParseStopSignal(m.Signal)
			if err != nil {
				r.sendMessage(c, protocol.NewError("invalid_signal", err.Error()))
				continue
			}
			r.manager.Signal(key.SessionID, key.Kind, sig)
		case protocol.PingMessage:
			r.sendMessage(c, protocol.NewPong())
		}
	}
}

// rejectConn reports a parameter error and closes a connection that never
// joined a room. The error frame is flushed before the close frame.
func (r *Relay) rejectConn(c *conn, code, message string) {
	r.sendMessage(c, protocol.NewError(code, message))
	c.close()
}

func (r *Relay) sendMessage(c *conn, msg any) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("[Relay] Encode frame for %s: %v", c.id, err)
		return
	}
	c.enqueueText(payload)
}
