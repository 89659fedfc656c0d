package feed

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/matcher/pkg/proto"
)

func testLogger() log.Logger {
	level, _ := log.ToLevel("debug")
	return log.NewTestLogger(level)
}

func TestNewEvent(t *testing.T) {
	trade := proto.MakeTrade("IBM", 1, 1, 2, 201, 10, 100)
	ev := NewEvent(&trade, 7)
	assert.Equal(t, "trade", ev.Type)
	assert.Equal(t, "IBM", ev.Symbol)
	assert.Equal(t, uint32(1), ev.BuyUser)
	assert.Equal(t, uint32(2), ev.SellUser)
	assert.Equal(t, uint32(10), ev.Price)
	assert.Equal(t, uint64(7), ev.Sequence)
	assert.NotZero(t, ev.Timestamp)

	tob := proto.MakeTopOfBookEliminated("IBM", proto.Sell)
	ev = NewEvent(&tob, 8)
	assert.Equal(t, "tob", ev.Type)
	assert.Equal(t, "S", ev.Side)
	assert.Zero(t, ev.Price)
}

func TestWSHubBroadcast(t *testing.T) {
	hub := NewWSHub(testLogger())

	// Bind first so the test can dial a known port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	hub.Start(context.Background(), addr)
	defer hub.Stop()

	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
		if err != nil {
			return false
		}
		if resp != nil {
			resp.Body.Close()
		}
		conn = c
		return true
	}, 3*time.Second, 50*time.Millisecond, "websocket never came up")
	defer conn.Close()

	// Give the hub a moment to register the subscriber before publishing.
	time.Sleep(100 * time.Millisecond)

	ack := proto.MakeAck("IBM", 1, 2)
	hub.Publish(&ack)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "ack", ev.Type)
	assert.Equal(t, "IBM", ev.Symbol)
	assert.Equal(t, uint64(1), ev.Sequence)
}

func TestWSHubHealth(t *testing.T) {
	hub := NewWSHub(testLogger())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	hub.Start(context.Background(), addr)
	defer hub.Stop()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 50*time.Millisecond)
}

func TestSessionStatsVWAP(t *testing.T) {
	stats := NewSessionStats(testLogger())

	t1 := proto.MakeTrade("IBM", 1, 1, 2, 201, 10, 100)
	t2 := proto.MakeTrade("IBM", 3, 301, 2, 202, 20, 100)
	stats.Publish(&t1)
	stats.Publish(&t2)

	st, ok := stats.Snapshot("IBM")
	require.True(t, ok)
	assert.Equal(t, uint64(2), st.Trades)
	assert.Equal(t, uint64(200), st.Volume)
	// (10*100 + 20*100) / 200 = 15
	assert.Equal(t, "15.0000", st.VWAP.StringFixed(4))
	assert.Equal(t, uint32(20), st.High)
	assert.Equal(t, uint32(10), st.Low)
	assert.Equal(t, uint32(20), st.Last)
}

func TestSessionStatsIgnoresNonTrades(t *testing.T) {
	stats := NewSessionStats(testLogger())
	ack := proto.MakeAck("IBM", 1, 1)
	tob := proto.MakeTopOfBook("IBM", proto.Buy, 10, 100)
	stats.Publish(&ack)
	stats.Publish(&tob)

	_, ok := stats.Snapshot("IBM")
	assert.False(t, ok)
	assert.Empty(t, stats.Symbols())
}

func TestSessionStatsPerSymbol(t *testing.T) {
	stats := NewSessionStats(testLogger())
	t1 := proto.MakeTrade("IBM", 1, 1, 2, 201, 10, 5)
	t2 := proto.MakeTrade("AAPL", 1, 2, 2, 202, 30, 7)
	stats.Publish(&t1)
	stats.Publish(&t2)

	assert.ElementsMatch(t, []string{"IBM", "AAPL"}, stats.Symbols())
	ibm, _ := stats.Snapshot("IBM")
	aapl, _ := stats.Snapshot("AAPL")
	assert.Equal(t, uint64(5), ibm.Volume)
	assert.Equal(t, uint64(7), aapl.Volume)
}
