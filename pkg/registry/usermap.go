package registry

import "sync"

// UserMap remembers which client most recently sent an order for each user,
// so trade reports can be routed back to the right sessions.
//
// It is a direct-mapped table: user ids hash to a fixed slot by modulo, and
// two users sharing a slot evict each other (last writer wins). That keeps
// routing O(1) with zero allocation at the cost of occasionally dropping a
// stale mapping, which only downgrades a directed trade report to the
// multicast feed the client already receives.
type UserMap struct {
	mu    sync.RWMutex
	slots []userSlot
}

type userSlot struct {
	userID   uint32
	clientID ClientID
	set      bool
}

// NewUserMap creates a table with the given number of slots.
func NewUserMap(size int) *UserMap {
	if size < 1 {
		size = 1
	}
	return &UserMap{slots: make([]userSlot, size)}
}

// Set binds userID to clientID, evicting any user sharing the slot.
func (m *UserMap) Set(userID uint32, clientID ClientID) {
	i := int(userID) % len(m.slots)
	m.mu.Lock()
	m.slots[i] = userSlot{userID: userID, clientID: clientID, set: true}
	m.mu.Unlock()
}

// Get returns the client last seen acting for userID. The second result is
// false when the user is unknown or was evicted.
func (m *UserMap) Get(userID uint32) (ClientID, bool) {
	i := int(userID) % len(m.slots)
	m.mu.RLock()
	s := m.slots[i]
	m.mu.RUnlock()
	if !s.set || s.userID != userID {
		return 0, false
	}
	return s.clientID, true
}

// Drop removes the mapping for userID if it is still present.
func (m *UserMap) Drop(userID uint32) {
	i := int(userID) % len(m.slots)
	m.mu.Lock()
	if m.slots[i].set && m.slots[i].userID == userID {
		m.slots[i] = userSlot{}
	}
	m.mu.Unlock()
}
