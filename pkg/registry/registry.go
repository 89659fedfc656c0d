// Package registry tracks connected clients across transports and maps
// users to the client that most recently acted for them.
package registry

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/matcher/pkg/proto"
)

// ClientID identifies a connected client. TCP and UDP clients draw from
// disjoint halves of the 32-bit space so an id alone names its transport.
type ClientID uint32

const (
	tcpIDFirst = ClientID(1)
	tcpIDLast  = ClientID(1<<31 - 1)
	udpIDFirst = ClientID(1<<31 + 1)
	udpIDLast  = ClientID(1<<32 - 1)
)

// IsUDP reports whether the id belongs to the UDP id space.
func (id ClientID) IsUDP() bool {
	return id >= udpIDFirst
}

// Transport is the transport a client connected over.
type Transport uint8

const (
	TransportTCP Transport = iota
	TransportUDP
)

func (t Transport) String() string {
	if t == TransportUDP {
		return "udp"
	}
	return "tcp"
}

// ErrRegistryFull is returned when the client table has no free slot.
var ErrRegistryFull = errors.New("registry: client table full")

// Client is one tracked client session. Mutable fields are atomics so hot
// paths can update them without taking the registry lock.
type Client struct {
	ID        ClientID
	Transport Transport
	Addr      netip.AddrPort // UDP peer address; zero for TCP

	protocol   atomic.Uint32 // proto.Protocol, latched
	lastActive atomic.Int64  // unix nanos
	msgsIn     atomic.Uint64
	msgsOut    atomic.Uint64
}

// Protocol returns the client's latched wire protocol.
func (c *Client) Protocol() proto.Protocol {
	return proto.Protocol(c.protocol.Load())
}

// LatchProtocol records the protocol detected from the client's first
// message. Once set to CSV or binary it never changes; later calls with a
// different value are ignored. It returns the protocol in effect.
func (c *Client) LatchProtocol(p proto.Protocol) proto.Protocol {
	if p == proto.ProtoUnknown {
		return c.Protocol()
	}
	if c.protocol.CompareAndSwap(uint32(proto.ProtoUnknown), uint32(p)) {
		return p
	}
	return c.Protocol()
}

// Touch records activity now.
func (c *Client) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the client's most recent activity.
func (c *Client) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// CountIn and CountOut bump the per-client message counters.
func (c *Client) CountIn()  { c.msgsIn.Add(1) }
func (c *Client) CountOut() { c.msgsOut.Add(1) }

// Stats returns the message counters.
func (c *Client) Stats() (in, out uint64) {
	return c.msgsIn.Load(), c.msgsOut.Load()
}

type slotState uint8

const (
	slotEmpty slotState = iota
	slotActive
	slotTombstone
)

type slot struct {
	state  slotState
	id     ClientID
	client *Client
}

// Registry is a fixed-capacity table of connected clients. Lookups by id use
// open addressing with linear probing; removals leave tombstones so probe
// chains stay intact, reclaimed once no chain can reach them. A read-write
// mutex guards the table itself while the per-client counters stay lock-free.
type Registry struct {
	mu      sync.RWMutex
	slots   []slot
	mask    uint32
	count   int
	maxSize int

	udpByAddr map[netip.AddrPort]*Client

	nextTCP ClientID
	nextUDP ClientID
}

// New creates a registry holding at most maxClients concurrent clients. The
// table is sized at twice the client limit so probe chains stay short.
func New(maxClients int) *Registry {
	size := 2
	for size < maxClients*2 {
		size <<= 1
	}
	return &Registry{
		slots:     make([]slot, size),
		mask:      uint32(size - 1),
		maxSize:   maxClients,
		udpByAddr: make(map[netip.AddrPort]*Client, maxClients),
		nextTCP:   tcpIDFirst,
		nextUDP:   udpIDFirst,
	}
}

func hashID(id ClientID) uint32 {
	return uint32(id) * 2654435761
}

// insertLocked places c in the table. Caller holds the write lock and has
// verified there is room.
func (r *Registry) insertLocked(c *Client) {
	i := hashID(c.ID) & r.mask
	for r.slots[i].state == slotActive {
		i = (i + 1) & r.mask
	}
	r.slots[i] = slot{state: slotActive, id: c.ID, client: c}
	r.count++
}

// lookupLocked probes at most one full table; connect/disconnect churn can
// leave the table with no empty slot to stop a miss early.
func (r *Registry) lookupLocked(id ClientID) *Client {
	i := hashID(id) & r.mask
	for n := uint32(0); n < uint32(len(r.slots)); n++ {
		s := &r.slots[i]
		if s.state == slotEmpty {
			return nil
		}
		if s.state == slotActive && s.id == id {
			return s.client
		}
		i = (i + 1) & r.mask
	}
	return nil
}

// nextIDLocked advances an id cursor through [first, last], skipping ids
// already in use.
func (r *Registry) nextIDLocked(cursor *ClientID, first, last ClientID) ClientID {
	for {
		id := *cursor
		if id == last {
			*cursor = first
		} else {
			*cursor = id + 1
		}
		if r.lookupLocked(id) == nil {
			return id
		}
	}
}

// AddTCP registers a new TCP connection and returns its client record.
func (r *Registry) AddTCP() (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count >= r.maxSize {
		return nil, ErrRegistryFull
	}
	c := &Client{
		ID:        r.nextIDLocked(&r.nextTCP, tcpIDFirst, tcpIDLast),
		Transport: TransportTCP,
	}
	c.Touch()
	r.insertLocked(c)
	return c, nil
}

// GetOrAddUDP returns the client for a UDP peer address, registering it on
// first contact. UDP clients are identified by their source address since
// there is no connection.
func (r *Registry) GetOrAddUDP(addr netip.AddrPort) (*Client, error) {
	r.mu.RLock()
	c := r.udpByAddr[addr]
	r.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another reader may have registered the peer between the locks.
	if c := r.udpByAddr[addr]; c != nil {
		return c, nil
	}
	if r.count >= r.maxSize {
		return nil, ErrRegistryFull
	}
	c = &Client{
		ID:        r.nextIDLocked(&r.nextUDP, udpIDFirst, udpIDLast),
		Transport: TransportUDP,
		Addr:      addr,
	}
	c.Touch()
	r.insertLocked(c)
	r.udpByAddr[addr] = c
	return c, nil
}

// Get returns the client with the given id, or nil.
func (r *Registry) Get(id ClientID) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(id)
}

// Remove drops a client from the table. Removing an unknown id is a no-op.
func (r *Registry) Remove(id ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := hashID(id) & r.mask
	for n := uint32(0); n < uint32(len(r.slots)); n++ {
		s := &r.slots[i]
		if s.state == slotEmpty {
			return
		}
		if s.state == slotActive && s.id == id {
			if c := s.client; c.Transport == TransportUDP {
				delete(r.udpByAddr, c.Addr)
			}
			r.slots[i] = slot{state: slotTombstone}
			r.count--
			r.reclaimLocked(i)
			return
		}
		i = (i + 1) & r.mask
	}
}

// reclaimLocked turns the tombstone at i back to empty when the slot after it
// is empty, then walks backwards doing the same. A probe chain never crosses
// an empty slot, so a tombstone sitting directly before one is unreachable.
// Without this, churn fills the table with tombstones and every miss scans
// the whole table.
func (r *Registry) reclaimLocked(i uint32) {
	if r.slots[(i+1)&r.mask].state != slotEmpty {
		return
	}
	for r.slots[i].state == slotTombstone {
		r.slots[i] = slot{}
		i = (i - 1) & r.mask
	}
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// ForEach calls fn for every registered client. The registry is read-locked
// for the duration, so fn must not call back into the registry.
func (r *Registry) ForEach(fn func(*Client)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.slots {
		if r.slots[i].state == slotActive {
			fn(r.slots[i].client)
		}
	}
}
