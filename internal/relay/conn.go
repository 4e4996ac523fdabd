package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 1024
)

type outboundMessage struct {
	messageType int
	payload     []byte
}

// conn is one realtime connection on either channel. All socket writes go
// through the send channel so writePump is the only writer.
type conn struct {
	id     string
	socket *websocket.Conn
	send   chan outboundMessage
	done   chan struct{}

	// alive is cleared by the liveness sweep before each ping and set by
	// the peer's pong. A connection that misses a full sweep interval is
	// terminated.
	alive atomic.Bool

	closeOnce sync.Once
}

func newConn(id string, socket *websocket.Conn) *conn {
	c := &conn{
		id:     id,
		socket: socket,
		send:   make(chan outboundMessage, sendQueueSize),
		done:   make(chan struct{}),
	}
	c.alive.Store(true)
	socket.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

// enqueue queues a frame for writePump. A slow client whose queue is full
// loses the frame rather than blocking the sender.
func (c *conn) enqueue(msg outboundMessage) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *conn) enqueueText(payload []byte) {
	c.enqueue(outboundMessage{messageType: websocket.TextMessage, payload: payload})
}

// close shuts the connection down. Frames already queued are flushed before
// the socket closes. Safe to call from any goroutine, repeatedly.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump drains the send channel onto the socket. It owns the socket's
// write side; closing the socket here also unblocks the read loop.
func (c *conn) writePump() {
	defer c.socket.Close()

	for {
		select {
		case msg := <-c.send:
			if !c.writeFrame(msg) {
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes whatever is already queued, then a close frame.
func (c *conn) flush() {
	for {
		select {
		case msg := <-c.send:
			if !c.writeFrame(msg) {
				return
			}
		default:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			c.socket.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *conn) writeFrame(msg outboundMessage) bool {
	c.socket.SetWriteDeadline(time.Now().Add(writeWait))
	return c.socket.WriteMessage(msg.messageType, msg.payload) == nil
}
