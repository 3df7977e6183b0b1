// Package registry tracks which live connection belongs to which room and
// participant. It is process-local and only updated after the store commits.
package registry

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/foxseedlab/partyroom/internal/repository"
)

type Binding struct {
	ConnID        string
	RoomCode      string
	GuestID       string
	ParticipantID string
	Nickname      string
	Role          repository.ParticipantRole
}

// member identifies one participant: a guest within one room.
type member struct {
	guestID  string
	roomCode string
}

func memberOf(b Binding) member {
	return member{guestID: b.GuestID, roomCode: b.RoomCode}
}

type Registry struct {
	mu sync.RWMutex
	// connection -> room code
	rooms map[string]string
	// connection -> participant identity
	identities map[string]Binding
	// participant -> latest connection
	conns map[member]string
	// room code -> connection set
	members map[string]map[string]struct{}
}

func New() *Registry {
	return &Registry{
		rooms:      make(map[string]string),
		identities: make(map[string]Binding),
		conns:      make(map[member]string),
		members:    make(map[string]map[string]struct{}),
	}
}

// Bind registers b. If the guest already had a live connection to the same
// room, that connection is orphaned: it leaves the room's membership set and its own
// later Unbind reports owned=false. The orphaned connection id is returned.
func (r *Registry) Bind(b Binding) (orphaned string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.identities[b.ConnID]; ok {
		r.removeLocked(b.ConnID)
	}
	key := memberOf(b)
	if prev, ok := r.conns[key]; ok && prev != b.ConnID {
		orphaned = prev
		if code, ok := r.rooms[prev]; ok {
			r.dropMemberLocked(code, prev)
		}
	}

	r.rooms[b.ConnID] = b.RoomCode
	r.identities[b.ConnID] = b
	r.conns[key] = b.ConnID
	set, ok := r.members[b.RoomCode]
	if !ok {
		set = make(map[string]struct{})
		r.members[b.RoomCode] = set
	}
	set[b.ConnID] = struct{}{}

	if orphaned != "" {
		slog.Info("connection superseded", "room_code", b.RoomCode, "guest_id", b.GuestID, "connection_id", orphaned, "new_connection_id", b.ConnID)
	}
	return orphaned
}

// Unbind removes connID from every map. owned is false when the connection
// had already been superseded by a newer one for the same guest and room,
// in which case the guest's membership must be left alone.
func (r *Registry) Unbind(connID string) (b Binding, owned bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.identities[connID]
	if !ok {
		return Binding{}, false
	}
	owned = r.conns[memberOf(b)] == connID
	r.removeLocked(connID)
	return b, owned
}

func (r *Registry) removeLocked(connID string) {
	b := r.identities[connID]
	if code, ok := r.rooms[connID]; ok {
		r.dropMemberLocked(code, connID)
	}
	delete(r.rooms, connID)
	delete(r.identities, connID)
	if key := memberOf(b); r.conns[key] == connID {
		delete(r.conns, key)
	}
}

func (r *Registry) dropMemberLocked(code, connID string) {
	set, ok := r.members[code]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.members, code)
	}
}

func (r *Registry) Lookup(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.identities[connID]
	return b, ok
}

// ConnectionOf returns the guest's current connection to the room.
func (r *Registry) ConnectionOf(roomCode, guestID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.conns[member{guestID: guestID, roomCode: roomCode}]
	return id, ok
}

// Members returns the connections currently receiving room-scoped events.
func (r *Registry) Members(roomCode string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.members[roomCode]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// EvictRoom unbinds every connection in the room, orphaned ones included,
// and returns the removed bindings.
func (r *Registry) EvictRoom(roomCode string) []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []Binding
	for connID, code := range r.rooms {
		if code != roomCode {
			continue
		}
		evicted = append(evicted, r.identities[connID])
		r.removeLocked(connID)
	}
	delete(r.members, roomCode)
	slices.SortFunc(evicted, func(a, b Binding) int {
		switch {
		case a.ConnID < b.ConnID:
			return -1
		case a.ConnID > b.ConnID:
			return 1
		}
		return 0
	})
	return evicted
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}
