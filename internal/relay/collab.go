package relay

import (
	"errors"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ptyhub/ptyhub/internal/protocol"
)

// HandleCollab upgrades one collaboration-channel connection. Rooms are
// keyed by sessionId alone; presence is ephemeral server memory.
func (r *Relay) HandleCollab(w http.ResponseWriter, req *http.Request) {
	socket, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("[Relay] Collab upgrade: %v", err)
		return
	}

	c := newConn(uuid.NewString(), socket)
	go c.writePump()

	sessionID := req.URL.Query().Get("sessionId")
	if sessionID == "" {
		r.rejectConn(c, "missing_session_id", "sessionId query parameter is required")
		return
	}
	userID := req.URL.Query().Get("userId")
	if userID == "" {
		r.rejectConn(c, "missing_user_id", "userId query parameter is required")
		return
	}

	r.joinCollabRoom(sessionID, c)
	log.Printf("[Relay] Collab connection %s joined %s (user %s)", c.id, sessionID, userID)

	r.sendMessage(c, protocol.NewEstablished(sessionID))

	r.collabReadLoop(c, sessionID)

	r.leaveCollabRoom(sessionID, c)
	c.close()
	r.broadcastPresence(sessionID)
	log.Printf("[Relay] Collab connection %s left %s", c.id, sessionID)
}

func (r *Relay) collabReadLoop(c *conn, sessionID string) {
	for {
		messageType, frame, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[Relay] Collab connection %s read: %v", c.id, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.DecodeCollabClient(frame)
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
		case protocol.JoinMessage:
			r.setCollabIdentity(sessionID, c, m.UserName, m.UserColor)
			r.broadcastPresence(sessionID)
		case protocol.TypingMessage:
			r.setCollabTyping(sessionID, c, m.IsTyping)
			r.relayFrame(sessionID, c, frame)
		case protocol.ChatMessage, protocol.CursorMessage:
			r.relayFrame(sessionID, c, frame)
		case protocol.PingMessage:
			r.sendMessage(c, protocol.NewPong())
		}
	}
}

func (r *Relay) setCollabIdentity(sessionID string, c *conn, userName, userColor string) {
	r.mu.Lock()
	if state, ok := r.collabRooms[sessionID][c]; ok {
		state.joined = true
		state.userName = userName
		state.userColor = userColor
		state.joinedAt = time.Now()
	}
	r.mu.Unlock()
}

func (r *Relay) setCollabTyping(sessionID string, c *conn, isTyping bool) {
	r.mu.Lock()
	if state, ok := r.collabRooms[sessionID][c]; ok {
		state.isTyping = isTyping
	}
	r.mu.Unlock()
}

// relayFrame forwards a frame verbatim to every other room member.
func (r *Relay) relayFrame(sessionID string, sender *conn, frame []byte) {
	for _, member := range r.collabRoomMembers(sessionID) {
		if member == sender {
			continue
		}
		member.enqueueText(append([]byte(nil), frame...))
	}
}

// broadcastPresence recomputes the full roster from current membership and
// sends it to every room member. Only connections that completed join
// appear; rosters are never patched incrementally.
func (r *Relay) broadcastPresence(sessionID string) {
	r.mu.RLock()
	room := r.collabRooms[sessionID]
	members := make([]*conn, 0, len(room))
	roster := make([]protocol.Collaborator, 0, len(room))
	for c, state := range room {
		members = append(members, c)
		if !state.joined {
			continue
		}
		roster = append(roster, protocol.Collaborator{
			UserName:  state.userName,
			UserColor: state.userColor,
			IsTyping:  state.isTyping,
			JoinedAt:  state.joinedAt.UnixMilli(),
		})
	}
	r.mu.RUnlock()

	if len(members) == 0 {
		return
	}

	sort.Slice(roster, func(i, j int) bool { return roster[i].JoinedAt < roster[j].JoinedAt })

	payload, err := protocol.Encode(protocol.NewPresence(roster))
	if err != nil {
		log.Printf("[Relay] Encode presence for %s: %v", sessionID, err)
		return
	}
	for _, c := range members {
		c.enqueueText(payload)
	}
}
