package relay

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Identity is the (userId, username) pair bound to a connection by a
// successful authenticate event. The durable user row is the source of
// truth; this is the registry's working copy.
type Identity struct {
	UserID   uuid.UUID
	Username string
}

// Hub is the connection registry and room membership table for one
// server instance. All state is process-local and dies with the process;
// a fresh instance starts empty and fills as connections authenticate.
//
// Every mutation runs under one mutex, so multi-step transitions —
// in particular the disconnect teardown that removes a connection from
// the registry and from every joined room — are observed atomically:
// no emission can see a half-removed connection.
type Hub struct {
	mu sync.RWMutex

	clients    map[*Client]struct{}
	identities map[*Client]Identity

	// rooms and joined are two sides of the same relation, kept in
	// lockstep so both "who is in room R" and "which rooms does C hold"
	// are O(1) lookups.
	rooms  map[uuid.UUID]map[*Client]struct{}
	joined map[*Client]map[uuid.UUID]struct{}

	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		identities: make(map[*Client]Identity),
		rooms:      make(map[uuid.UUID]map[*Client]struct{}),
		joined:     make(map[*Client]map[uuid.UUID]struct{}),
		logger:     logger,
	}
}

// Register adds a freshly upgraded connection to the registry. The
// connection starts unauthenticated and in no rooms.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.logger.Debug("connection registered", zap.String("conn_id", c.ID().String()))
}

// Unregister removes the connection from the registry and from every
// room it joined, in one critical section, and closes its send channel.
// It returns the identity that was bound, if any, so the caller can run
// presence teardown for that user.
func (h *Hub) Unregister(c *Client) (Identity, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return Identity{}, false
	}
	delete(h.clients, c)

	id, bound := h.identities[c]
	delete(h.identities, c)

	for roomID := range h.joined[c] {
		delete(h.rooms[roomID], c)
		if len(h.rooms[roomID]) == 0 {
			delete(h.rooms, roomID)
		}
	}
	delete(h.joined, c)

	close(c.send)
	h.logger.Debug("connection unregistered",
		zap.String("conn_id", c.ID().String()),
		zap.Bool("was_bound", bound),
	)
	return id, bound
}

// Bind associates an identity with a connection. Binding is idempotent
// per connection: rebinding the same identity succeeds, rebinding a
// different identity is refused (returns false) and leaves the original
// binding in place.
func (h *Hub) Bind(c *Client, userID uuid.UUID, username string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return false
	}
	if existing, ok := h.identities[c]; ok {
		return existing.UserID == userID
	}
	h.identities[c] = Identity{UserID: userID, Username: username}
	return true
}

// Identity returns the identity bound to the connection, if any.
func (h *Hub) Identity(c *Client) (Identity, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.identities[c]
	return id, ok
}

// Join adds the connection to a room. No-op if already joined or if the
// connection is not registered.
func (h *Hub) Join(c *Client, roomID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]struct{})
	}
	h.rooms[roomID][c] = struct{}{}

	if h.joined[c] == nil {
		h.joined[c] = make(map[uuid.UUID]struct{})
	}
	h.joined[c][roomID] = struct{}{}
}

// Leave removes the connection from a room. Emissions to the room after
// Leave returns no longer reach the connection.
func (h *Hub) Leave(c *Client, roomID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.rooms[roomID], c)
	if len(h.rooms[roomID]) == 0 {
		delete(h.rooms, roomID)
	}
	delete(h.joined[c], roomID)
}

// EmitToConn delivers one frame to one connection.
func (h *Hub) EmitToConn(c *Client, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.deliver(c, frame)
}

// EmitToRoom delivers a frame to every connection joined to the room on
// this instance. Cross-instance delivery is the router's job via the
// backbone; by the time this runs, the frame has already made that trip.
func (h *Hub) EmitToRoom(roomID uuid.UUID, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[roomID] {
		h.deliver(c, frame)
	}
}

// EmitToRoomExcept delivers to every room member except one connection —
// the shape typing indicators need, where the sender already knows.
func (h *Hub) EmitToRoomExcept(roomID uuid.UUID, except *Client, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[roomID] {
		if c == except {
			continue
		}
		h.deliver(c, frame)
	}
}

// BroadcastAll delivers a frame to every registered connection,
// authenticated or not. Presence transitions go this way.
func (h *Hub) BroadcastAll(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		h.deliver(c, frame)
	}
}

// deliver hands a frame to the client's write pump without blocking the
// hub: a client whose send buffer is full has the frame dropped rather
// than stalling delivery for everyone else. Callers hold h.mu.
func (h *Hub) deliver(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		h.logger.Warn("dropping frame for slow consumer",
			zap.String("conn_id", c.ID().String()),
		)
	}
}

// ConnCount reports the number of registered connections. Exposed for
// the health endpoint.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize reports how many local connections are joined to a room.
func (h *Hub) RoomSize(roomID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
