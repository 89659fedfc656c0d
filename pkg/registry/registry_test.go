package registry

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/matcher/pkg/proto"
)

func udpAddr(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), port)
}

func TestTCPIDSpace(t *testing.T) {
	r := New(16)
	first, err := r.AddTCP()
	require.NoError(t, err)
	assert.Equal(t, ClientID(1), first.ID)
	assert.False(t, first.ID.IsUDP())

	second, err := r.AddTCP()
	require.NoError(t, err)
	assert.Equal(t, ClientID(2), second.ID)
	assert.Equal(t, TransportTCP, second.Transport)
}

func TestUDPIDSpace(t *testing.T) {
	r := New(16)
	c, err := r.GetOrAddUDP(udpAddr(5000))
	require.NoError(t, err)
	assert.Equal(t, ClientID(1<<31+1), c.ID)
	assert.True(t, c.ID.IsUDP())
	assert.Equal(t, TransportUDP, c.Transport)
	assert.Equal(t, udpAddr(5000), c.Addr)
}

func TestGetOrAddUDPIdempotent(t *testing.T) {
	r := New(16)
	a, err := r.GetOrAddUDP(udpAddr(5000))
	require.NoError(t, err)
	b, err := r.GetOrAddUDP(udpAddr(5000))
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, r.Len())

	c, err := r.GetOrAddUDP(udpAddr(5001))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, 2, r.Len())
}

func TestGetAndRemove(t *testing.T) {
	r := New(16)
	c, err := r.AddTCP()
	require.NoError(t, err)
	assert.Same(t, c, r.Get(c.ID))

	r.Remove(c.ID)
	assert.Nil(t, r.Get(c.ID))
	assert.Zero(t, r.Len())

	// Removing again is harmless.
	r.Remove(c.ID)
}

func TestRemoveUDPReleasesAddr(t *testing.T) {
	r := New(16)
	a, err := r.GetOrAddUDP(udpAddr(5000))
	require.NoError(t, err)
	r.Remove(a.ID)

	b, err := r.GetOrAddUDP(udpAddr(5000))
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestRegistryFull(t *testing.T) {
	r := New(2)
	_, err := r.AddTCP()
	require.NoError(t, err)
	_, err = r.GetOrAddUDP(udpAddr(5000))
	require.NoError(t, err)

	_, err = r.AddTCP()
	assert.ErrorIs(t, err, ErrRegistryFull)
	_, err = r.GetOrAddUDP(udpAddr(5001))
	assert.ErrorIs(t, err, ErrRegistryFull)

	// Existing UDP peers still resolve when the table is full.
	c, err := r.GetOrAddUDP(udpAddr(5000))
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestConnectDisconnectChurn(t *testing.T) {
	// Repeated add/remove must not accumulate tombstones until the table has
	// no empty slot left; a miss lookup on such a table used to probe forever.
	r := New(1)
	for i := 0; i < 64; i++ {
		c, err := r.AddTCP()
		require.NoError(t, err)
		r.Remove(c.ID)
	}
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Get(ClientID(12345)))

	c, err := r.AddTCP()
	require.NoError(t, err)
	assert.Same(t, c, r.Get(c.ID))
}

func TestChurnWithResidentClients(t *testing.T) {
	r := New(8)
	resident := make([]*Client, 0, 4)
	for i := 0; i < 4; i++ {
		c, err := r.AddTCP()
		require.NoError(t, err)
		resident = append(resident, c)
	}
	for i := 0; i < 200; i++ {
		c, err := r.GetOrAddUDP(udpAddr(uint16(6000 + i)))
		require.NoError(t, err)
		r.Remove(c.ID)
	}
	assert.Equal(t, 4, r.Len())
	for _, c := range resident {
		assert.Same(t, c, r.Get(c.ID))
	}
	assert.Nil(t, r.Get(udpIDFirst))
}

func TestProtocolLatching(t *testing.T) {
	r := New(4)
	c, err := r.AddTCP()
	require.NoError(t, err)
	assert.Equal(t, proto.ProtoUnknown, c.Protocol())

	assert.Equal(t, proto.ProtoCSV, c.LatchProtocol(proto.ProtoCSV))
	// Latched: a later binary-looking message does not flip the session.
	assert.Equal(t, proto.ProtoCSV, c.LatchProtocol(proto.ProtoBinary))
	assert.Equal(t, proto.ProtoCSV, c.Protocol())

	// Unknown never latches.
	d, err := r.AddTCP()
	require.NoError(t, err)
	assert.Equal(t, proto.ProtoUnknown, d.LatchProtocol(proto.ProtoUnknown))
}

func TestClientCounters(t *testing.T) {
	r := New(4)
	c, err := r.AddTCP()
	require.NoError(t, err)
	c.CountIn()
	c.CountIn()
	c.CountOut()
	in, out := c.Stats()
	assert.Equal(t, uint64(2), in)
	assert.Equal(t, uint64(1), out)
	assert.False(t, c.LastActive().IsZero())
}

func TestForEach(t *testing.T) {
	r := New(16)
	want := map[ClientID]bool{}
	for i := 0; i < 5; i++ {
		c, err := r.AddTCP()
		require.NoError(t, err)
		want[c.ID] = true
	}
	got := map[ClientID]bool{}
	r.ForEach(func(c *Client) { got[c.ID] = true })
	assert.Equal(t, want, got)
}

func TestConcurrentAccess(t *testing.T) {
	r := New(256)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				addr := netip.AddrPortFrom(netip.MustParseAddr(fmt.Sprintf("10.0.0.%d", g+1)), uint16(6000+i))
				c, err := r.GetOrAddUDP(addr)
				require.NoError(t, err)
				c.Touch()
				c.CountIn()
				assert.Same(t, c, r.Get(c.ID))
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 160, r.Len())
}

func TestUserMapLastWriterWins(t *testing.T) {
	m := NewUserMap(64)
	m.Set(1, 100)
	m.Set(2, 200)

	id, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, ClientID(100), id)

	m.Set(1, 300)
	id, ok = m.Get(1)
	require.True(t, ok)
	assert.Equal(t, ClientID(300), id)
}

func TestUserMapCollisionEvicts(t *testing.T) {
	m := NewUserMap(8)
	m.Set(1, 100)
	m.Set(9, 200) // 9 % 8 == 1 % 8

	_, ok := m.Get(1)
	assert.False(t, ok)
	id, ok := m.Get(9)
	require.True(t, ok)
	assert.Equal(t, ClientID(200), id)
}

func TestUserMapDrop(t *testing.T) {
	m := NewUserMap(8)
	m.Set(1, 100)
	m.Drop(1)
	_, ok := m.Get(1)
	assert.False(t, ok)

	// Dropping an evicted or absent user leaves the occupant alone.
	m.Set(2, 200)
	m.Drop(10)
	id, ok := m.Get(2)
	require.True(t, ok)
	assert.Equal(t, ClientID(200), id)
}
