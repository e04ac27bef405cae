package main

import "sync"

// Registry is the source of truth for this process's live connections and
// their local room subscriptions. All mutation goes through Registry methods
// so the per-connection joinedRooms set and the room subscriber index never
// diverge.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection            // connId → connection
	rooms map[string]map[string]*Connection // room → connId → connection
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		rooms: make(map[string]map[string]*Connection),
	}
}

// Add registers a connection. Returns false if the id is already present.
func (r *Registry) Add(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.id]; ok {
		return false
	}
	r.conns[c.id] = c
	return true
}

// Remove unregisters a connection and drops it from every room it joined.
// Returns the rooms the connection was subscribed to.
func (r *Registry) Remove(c *Connection) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.id]; !ok {
		return nil
	}
	delete(r.conns, c.id)

	rooms := c.roomSnapshot()
	for _, room := range rooms {
		r.dropFromRoom(room, c)
	}
	c.clearRooms()
	return rooms
}

// Subscribe adds the connection to a room's local subscriber set.
func (r *Registry) Subscribe(c *Connection, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.id]; !ok {
		return // already being torn down
	}
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]*Connection)
	}
	r.rooms[room][c.id] = c
	c.addRoom(room)
}

// Unsubscribe removes the connection from a room. Idempotent: leaving a room
// that was never joined is a no-op.
func (r *Registry) Unsubscribe(c *Connection, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropFromRoom(room, c)
	c.removeRoom(room)
}

func (r *Registry) dropFromRoom(room string, c *Connection) {
	if subs, ok := r.rooms[room]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(r.rooms, room)
		}
	}
}

// Subscribers returns a snapshot of the connections subscribed to a room.
func (r *Registry) Subscribers(room string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.rooms[room]
	if len(subs) == 0 {
		return nil
	}
	result := make([]*Connection, 0, len(subs))
	for _, c := range subs {
		result = append(result, c)
	}
	return result
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		result = append(result, c)
	}
	return result
}

// Get looks up a connection by id.
func (r *Registry) Get(connId string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connId]
	return c, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomCount returns the number of rooms with at least one local subscriber.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
