// Package relay multiplexes realtime websocket connections into terminal
// and collaboration rooms and bridges process events onto them.
package relay

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ptyhub/ptyhub/internal/eventbus"
	"github.com/ptyhub/ptyhub/internal/protocol"
	"github.com/ptyhub/ptyhub/internal/session"
)

// DefaultSweepInterval is the liveness sweep period.
const DefaultSweepInterval = 30 * time.Second

// SessionManager is the slice of the session manager the relay consumes.
type SessionManager interface {
	Write(sessionID string, kind session.TerminalKind, data []byte) error
	Resize(sessionID string, kind session.TerminalKind, cols, rows uint16)
	Signal(sessionID string, kind session.TerminalKind, sig session.StopSignal)
	Scrollback(sessionID string, kind session.TerminalKind) []string
	Status(sessionID string, kind session.TerminalKind) session.Status
	PID(sessionID string, kind session.TerminalKind) int
	IsRunning(sessionID string, kind session.TerminalKind) bool
}

// Options groups the relay's dependencies.
type Options struct {
	Manager       SessionManager
	Bus           *eventbus.Bus
	SweepInterval time.Duration // defaults to DefaultSweepInterval
	OriginAllowed func(string) bool
}

// collabState tracks one collaboration connection's declared identity.
// A connection that has not sent join yet is a member of the room but
// absent from the presence roster.
type collabState struct {
	joined    bool
	userName  string
	userColor string
	isTyping  bool
	joinedAt  time.Time
}

// Relay owns the room tables. Nothing else mutates them.
type Relay struct {
	manager  SessionManager
	bus      *eventbus.Bus
	upgrader websocket.Upgrader

	mu            sync.RWMutex
	terminalRooms map[session.Key]map[*conn]bool
	collabRooms   map[string]map[*conn]*collabState

	sweepInterval time.Duration
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// New creates a relay. Start must be called before it serves connections.
func New(opts Options) *Relay {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Relay{
		manager:       opts.Manager,
		bus:           opts.Bus,
		terminalRooms: make(map[session.Key]map[*conn]bool),
		collabRooms:   make(map[string]map[*conn]*collabState),
		sweepInterval: opts.SweepInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				if opts.OriginAllowed != nil {
					return opts.OriginAllowed(origin)
				}
				return true
			},
		},
	}
}

// Start launches the event-bridge consumers and the liveness sweep.
func (r *Relay) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	outputSub := eventbus.SubscribeTo(r.bus, eventbus.TerminalOutput, eventbus.WithSubscriptionName("relay-output"))
	lifecycleSub := eventbus.SubscribeTo(r.bus, eventbus.TerminalLifecycle, eventbus.WithSubscriptionName("relay-lifecycle"))
	errorSub := eventbus.SubscribeTo(r.bus, eventbus.TerminalError, eventbus.WithSubscriptionName("relay-error"))

	r.wg.Add(3)
	go eventbus.Consume(ctx, outputSub, &r.wg, r.broadcastOutput)
	go eventbus.Consume(ctx, lifecycleSub, &r.wg, r.broadcastLifecycle)
	go eventbus.Consume(ctx, errorSub, &r.wg, r.broadcastError)

	r.wg.Add(1)
	go r.sweepLoop(ctx)

	context.AfterFunc(ctx, func() {
		outputSub.Close()
		lifecycleSub.Close()
		errorSub.Close()
	})
}

// Shutdown stops the sweep and event bridge and force-closes every open
// connection on both channels.
func (r *Relay) Shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	r.mu.Lock()
	for _, room := range r.terminalRooms {
		for c := range room {
			c.close()
		}
	}
	for _, room := range r.collabRooms {
		for c := range room {
			c.close()
		}
	}
	r.terminalRooms = make(map[session.Key]map[*conn]bool)
	r.collabRooms = make(map[string]map[*conn]*collabState)
	r.mu.Unlock()
}

// ConnectionCount reports open connections across both channels.
func (r *Relay) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, room := range r.terminalRooms {
		n += len(room)
	}
	for _, room := range r.collabRooms {
		n += len(room)
	}
	return n
}

// joinTerminalRoom registers the connection and enqueues the join sequence
// (established, scrollback when non-empty, status) while the room lock is
// held. Broadcasters snapshot room members under RLock, so they cannot slot
// a live output frame into the send queue ahead of these.
func (r *Relay) joinTerminalRoom(key session.Key, c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.terminalRooms[key]
	if !ok {
		room = make(map[*conn]bool)
		r.terminalRooms[key] = room
	}
	room[c] = true

	r.sendMessage(c, protocol.NewEstablished(key.SessionID))
	if lines := r.manager.Scrollback(key.SessionID, key.Kind); len(lines) > 0 {
		r.sendMessage(c, protocol.NewScrollback(lines))
	}
	r.sendMessage(c, protocol.NewStatus(string(r.manager.Status(key.SessionID, key.Kind)), r.manager.PID(key.SessionID, key.Kind), nil))
}

// leaveTerminalRoom removes the connection and prunes an emptied room. The
// underlying process keeps running regardless.
func (r *Relay) leaveTerminalRoom(key session.Key, c *conn) {
	r.mu.Lock()
	if room, ok := r.terminalRooms[key]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(r.terminalRooms, key)
		}
	}
	r.mu.Unlock()
}

func (r *Relay) joinCollabRoom(sessionID string, c *conn) {
	r.mu.Lock()
	room, ok := r.collabRooms[sessionID]
	if !ok {
		room = make(map[*conn]*collabState)
		r.collabRooms[sessionID] = room
	}
	room[c] = &collabState{}
	r.mu.Unlock()
}

func (r *Relay) leaveCollabRoom(sessionID string, c *conn) {
	r.mu.Lock()
	if room, ok := r.collabRooms[sessionID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(r.collabRooms, sessionID)
		}
	}
	r.mu.Unlock()
}

func (r *Relay) terminalRoomMembers(key session.Key) []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.terminalRooms[key]
	if !ok {
		return nil
	}
	members := make([]*conn, 0, len(room))
	for c := range room {
		members = append(members, c)
	}
	return members
}

func (r *Relay) collabRoomMembers(sessionID string) []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.collabRooms[sessionID]
	if !ok {
		return nil
	}
	members := make([]*conn, 0, len(room))
	for c := range room {
		members = append(members, c)
	}
	return members
}

func (r *Relay) broadcastOutput(event eventbus.TerminalOutputEvent) {
	key := session.Key{SessionID: event.SessionID, Kind: session.TerminalKind(event.Kind)}
	members := r.terminalRoomMembers(key)
	if len(members) == 0 {
		return
	}

	payload, err := protocol.Encode(protocol.NewOutput(event.Data, time.Now()))
	if err != nil {
		log.Printf("[Relay] Encode output for %s: %v", key, err)
		return
	}
	for _, c := range members {
		c.enqueueText(payload)
	}
}

func (r *Relay) broadcastLifecycle(event eventbus.TerminalLifecycleEvent) {
	key := session.Key{SessionID: event.SessionID, Kind: session.TerminalKind(event.Kind)}
	members := r.terminalRoomMembers(key)
	if len(members) == 0 {
		return
	}

	msg := protocol.NewStatus(string(event.State), event.PID, event.ExitCode)
	payload, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("[Relay] Encode status for %s: %v", key, err)
		return
	}
	for _, c := range members {
		c.enqueueText(payload)
	}
}

func (r *Relay) broadcastError(event eventbus.TerminalErrorEvent) {
	key := session.Key{SessionID: event.SessionID, Kind: session.TerminalKind(event.Kind)}
	members := r.terminalRoomMembers(key)
	if len(members) == 0 {
		return
	}

	payload, err := protocol.Encode(protocol.NewSessionError(event.Code, event.Message))
	if err != nil {
		log.Printf("[Relay] Encode session error for %s: %v", key, err)
		return
	}
	for _, c := range members {
		c.enqueueText(payload)
	}
}

// sweepLoop terminates connections that missed a full sweep interval
// without a pong, then pings the survivors with their flag cleared.
func (r *Relay) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Relay) sweep() {
	r.mu.RLock()
	conns := make([]*conn, 0)
	for _, room := range r.terminalRooms {
		for c := range room {
			conns = append(conns, c)
		}
	}
	for _, room := range r.collabRooms {
		for c := range room {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if !c.alive.Load() {
			log.Printf("[Relay] Terminating unresponsive connection %s", c.id)
			c.close()
			continue
		}
		c.alive.Store(false)
		c.enqueue(outboundMessage{messageType: websocket.PingMessage})
	}
}
