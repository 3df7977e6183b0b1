// Package broadcast delivers events to live connections, either to everyone
// bound to a room or to a single peer.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Sink is the outbound side of one live connection. Deliver must not block;
// it returns false when the connection can no longer take messages.
type Sink interface {
	Deliver(msg []byte) bool
}

// Membership resolves a room to the connections that should receive its events.
type Membership interface {
	Members(roomCode string) []string
}

type Fanout struct {
	members Membership

	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewFanout(members Membership) *Fanout {
	return &Fanout{
		members: members,
		sinks:   make(map[string]Sink),
	}
}

func (f *Fanout) Attach(connID string, sink Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[connID] = sink
}

func (f *Fanout) Detach(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sinks, connID)
}

// ToRoom sends the event to every connection bound to roomCode.
func (f *Fanout) ToRoom(roomCode, event string, data any) {
	f.ToRoomExcept(roomCode, "", event, data)
}

// ToRoomExcept is ToRoom skipping one connection, typically the actor.
func (f *Fanout) ToRoomExcept(roomCode, exceptConnID, event string, data any) {
	msg, ok := encode(event, data)
	if !ok {
		return
	}
	for _, connID := range f.members.Members(roomCode) {
		if connID == exceptConnID {
			continue
		}
		f.deliver(connID, event, msg)
	}
}

// ToPeer sends the event to one connection. A connection that has already
// gone away is skipped silently.
func (f *Fanout) ToPeer(connID, event string, data any) {
	msg, ok := encode(event, data)
	if !ok {
		return
	}
	f.deliver(connID, event, msg)
}

func (f *Fanout) deliver(connID, event string, msg []byte) {
	f.mu.RLock()
	sink, ok := f.sinks[connID]
	f.mu.RUnlock()
	if !ok {
		slog.Debug("skipping delivery to detached connection", "connection_id", connID, "event", event)
		return
	}
	if !sink.Deliver(msg) {
		slog.Debug("delivery dropped", "connection_id", connID, "event", event)
	}
}

func encode(event string, data any) ([]byte, bool) {
	msg, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		slog.Error("failed to encode event", "event", event, "error", err)
		return nil, false
	}
	return msg, true
}
