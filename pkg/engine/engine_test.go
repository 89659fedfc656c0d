package engine

import (
	"fmt"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/matcher/pkg/proto"
)

func newTestEngine(t *testing.T, maxOrders int) *Engine {
	t.Helper()
	level, _ := log.ToLevel("debug")
	return New(Config{MaxOrders: maxOrders}, log.NewTestLogger(level))
}

func submit(t *testing.T, e *Engine, userID uint32, symbol string, price, qty uint32, side proto.Side, userOrderID uint32) []proto.Output {
	t.Helper()
	out := NewOutputBuffer(64)
	e.Submit(&proto.NewOrder{
		UserID: userID, Symbol: symbol, Price: price, Quantity: qty,
		Side: side, UserOrderID: userOrderID,
	}, out)
	return out.Messages()
}

func cancel(e *Engine, userID, userOrderID uint32) []proto.Output {
	out := NewOutputBuffer(64)
	e.Cancel(&proto.Cancel{UserID: userID, UserOrderID: userOrderID}, out)
	return out.Messages()
}

// lines renders outputs in feed format, which keeps scenario assertions
// readable.
func lines(msgs []proto.Output) []string {
	out := make([]string, len(msgs))
	for i := range msgs {
		s := proto.FormatCSVOutput(&msgs[i])
		out[i] = s[:len(s)-1]
	}
	return out
}

func TestRestingOrderAckAndTopOfBook(t *testing.T) {
	e := newTestEngine(t, 64)
	got := lines(submit(t, e, 1, "IBM", 10, 100, proto.Buy, 1))
	assert.Equal(t, []string{
		"A, IBM, 1, 1",
		"B, IBM, B, 10, 100",
	}, got)
}

func TestSecondOrderAtBestIncreasesQuantity(t *testing.T) {
	e := newTestEngine(t, 64)
	submit(t, e, 1, "IBM", 10, 100, proto.Buy, 1)
	got := lines(submit(t, e, 2, "IBM", 10, 50, proto.Buy, 101))
	assert.Equal(t, []string{
		"A, IBM, 2, 101",
		"B, IBM, B, 10, 150",
	}, got)
}

func TestWorsePricedOrderDoesNotMoveTop(t *testing.T) {
	e := newTestEngine(t, 64)
	submit(t, e, 1, "IBM", 10, 100, proto.Buy, 1)
	got := lines(submit(t, e, 2, "IBM", 9, 100, proto.Buy, 101))
	// Ack only: the top of book is unchanged.
	assert.Equal(t, []string{"A, IBM, 2, 101"}, got)
}

func TestTradeAtRestingPrice(t *testing.T) {
	e := newTestEngine(t, 64)
	submit(t, e, 1, "IBM", 10, 100, proto.Buy, 1)

	// Aggressive sell at 9 trades at the resting bid's price of 10.
	got := lines(submit(t, e, 2, "IBM", 9, 100, proto.Sell, 102))
	assert.Equal(t, []string{
		"A, IBM, 2, 102",
		"T, IBM, 1, 1, 2, 102, 10, 100",
		"B, IBM, B, 0, 0",
	}, got)
}

func TestAckPrecedesTrades(t *testing.T) {
	e := newTestEngine(t, 64)
	submit(t, e, 1, "IBM", 10, 100, proto.Buy, 1)
	msgs := submit(t, e, 2, "IBM", 10, 100, proto.Sell, 102)
	require.NotEmpty(t, msgs)
	assert.Equal(t, proto.OutputAck, msgs[0].Type)
	assert.Equal(t, proto.OutputTrade, msgs[1].Type)
}

func TestPartialFillRestsRemainder(t *testing.T) {
	e := newTestEngine(t, 64)
	submit(t, e, 1, "IBM", 10, 100, proto.Buy, 1)

	got := lines(submit(t, e, 2, "IBM", 10, 150, proto.Sell, 102))
	assert.Equal(t, []string{
		"A, IBM, 2, 102",
		"T, IBM, 1, 1, 2, 102, 10, 100",
		"B, IBM, B, 0, 0",
		"B, IBM, S, 10, 50",
	}, got)
}

func TestMarketOrderNeverRests(t *testing.T) {
	e := newTestEngine(t, 64)
	submit(t, e, 1, "IBM", 10, 50, proto.Buy, 1)

	// Market sell for more than is available: trades what it can, the
	// remainder evaporates.
	got := lines(submit(t, e, 2, "IBM", 0, 100, proto.Sell, 102))
	assert.Equal(t, []string{
		"A, IBM, 2, 102",
		"T, IBM, 1, 1, 2, 102, 10, 50",
		"B, IBM, B, 0, 0",
	}, got)
	assert.Zero(t, e.Stats().OrdersResting)
}

func TestMarketOrderEmptyBook(t *testing.T) {
	e := newTestEngine(t, 64)
	got := lines(submit(t, e, 1, "IBM", 0, 100, proto.Buy, 1))
	assert.Equal(t, []string{"A, IBM, 1, 1"}, got)
}

func TestPricePriority(t *testing.T) {
	e := newTestEngine(t, 64)
	submit(t, e, 1, "IBM", 9, 100, proto.Buy, 1)
	submit(t, e, 1, "IBM", 10, 100, proto.Buy, 2)

	msgs := submit(t, e, 2, "IBM", 0, 100, proto.Sell, 103)
	trades := filterType(msgs, proto.OutputTrade)
	require.Len(t, trades, 1)
	// The higher bid fills first.
	assert.Equal(t, uint32(2), trades[0].BuyUserOrderID)
	assert.Equal(t, uint32(10), trades[0].Price)
}

func TestTimePriorityWithinLevel(t *testing.T) {
	e := newTestEngine(t, 64)
	submit(t, e, 1, "IBM", 10, 50, proto.Buy, 1)
	submit(t, e, 2, "IBM", 10, 50, proto.Buy, 201)

	msgs := submit(t, e, 3, "IBM", 10, 80, proto.Sell, 301)
	trades := filterType(msgs, proto.OutputTrade)
	require.Len(t, trades, 2)
	assert.Equal(t, uint32(1), trades[0].BuyUserID)
	assert.Equal(t, uint32(50), trades[0].Quantity)
	assert.Equal(t, uint32(2), trades[1].BuyUserID)
	assert.Equal(t, uint32(30), trades[1].Quantity)
}

func TestSweepMultipleLevels(t *testing.T) {
	e := newTestEngine(t, 64)
	submit(t, e, 1, "IBM", 10, 50, proto.Sell, 1)
	submit(t, e, 1, "IBM", 11, 50, proto.Sell, 2)

	got := lines(submit(t, e, 2, "IBM", 11, 100, proto.Buy, 201))
	assert.Equal(t, []string{
		"A, IBM, 2, 201",
		"T, IBM, 2, 201, 1, 1, 10, 50",
		"T, IBM, 2, 201, 1, 2, 11, 50",
		"B, IBM, S, 0, 0",
	}, got)
}

func TestBooksAreIndependentPerSymbol(t *testing.T) {
	e := newTestEngine(t, 64)
	submit(t, e, 1, "IBM", 10, 100, proto.Buy, 1)
	got := lines(submit(t, e, 2, "AAPL", 10, 100, proto.Sell, 201))
	// No cross-symbol match: the AAPL sell rests.
	assert.Equal(t, []string{
		"A, AAPL, 2, 201",
		"B, AAPL, S, 10, 100",
	}, got)
	assert.Equal(t, 2, e.Stats().Symbols)
}

func TestCancelRestingOrder(t *testing.T) {
	e := newTestEngine(t, 64)
	submit(t, e, 1, "IBM", 10, 100, proto.Buy, 1)

	got := lines(cancel(e, 1, 1))
	assert.Equal(t, []string{
		"C, IBM, 1, 1",
		"B, IBM, B, 0, 0",
	}, got)
}

func TestCancelUnknownOrderIsIdempotent(t *testing.T) {
	e := newTestEngine(t, 64)
	msgs := cancel(e, 9, 9)
	require.Len(t, msgs, 1)
	assert.Equal(t, proto.OutputCancelAck, msgs[0].Type)
	assert.Empty(t, msgs[0].Symbol)

	// Cancelling twice acks twice; the second sees no order.
	submit(t, e, 1, "IBM", 10, 100, proto.Buy, 1)
	cancel(e, 1, 1)
	msgs = cancel(e, 1, 1)
	require.Len(t, msgs, 1)
	assert.Equal(t, proto.OutputCancelAck, msgs[0].Type)
}

func TestCancelBehindBestIsQuiet(t *testing.T) {
	e := newTestEngine(t, 64)
	submit(t, e, 1, "IBM", 10, 100, proto.Buy, 1)
	submit(t, e, 2, "IBM", 9, 100, proto.Buy, 201)

	got := lines(cancel(e, 2, 201))
	// The top did not move, so only the ack goes out.
	assert.Equal(t, []string{"C, IBM, 2, 201"}, got)
}

func TestEliminationOnlyForPreviouslyActiveSide(t *testing.T) {
	e := newTestEngine(t, 64)
	submit(t, e, 1, "IBM", 10, 100, proto.Buy, 1)
	msgs := cancel(e, 1, 1)
	tobs := filterType(msgs, proto.OutputTopOfBook)
	require.Len(t, tobs, 1)
	// Only the bid side reports; the ask side was never active.
	assert.Equal(t, proto.Buy, tobs[0].Side)
	assert.True(t, tobs[0].Eliminated())
}

func TestFlushEmitsCancelsThenElimination(t *testing.T) {
	e := newTestEngine(t, 64)
	submit(t, e, 1, "IBM", 10, 100, proto.Buy, 1)
	submit(t, e, 2, "IBM", 9, 50, proto.Buy, 201)
	submit(t, e, 3, "IBM", 11, 70, proto.Sell, 301)

	e.StartFlush()
	require.True(t, e.FlushInProgress())
	out := NewOutputBuffer(64)
	done := e.ContinueFlush(out, 100)
	assert.True(t, done)
	assert.False(t, e.FlushInProgress())

	// Bids first, best price first, then asks, then the emptied top.
	assert.Equal(t, []string{
		"C, IBM, 1, 1",
		"C, IBM, 2, 201",
		"C, IBM, 3, 301",
		"B, IBM, B, 0, 0",
		"B, IBM, S, 0, 0",
	}, lines(out.Messages()))
	assert.Zero(t, e.Stats().OrdersResting)
}

func TestFlushIsIncremental(t *testing.T) {
	e := newTestEngine(t, 256)
	for i := uint32(0); i < 10; i++ {
		submit(t, e, 1, "IBM", 10+i, 10, proto.Sell, 100+i)
	}

	e.StartFlush()
	var all []proto.Output
	calls := 0
	for {
		out := NewOutputBuffer(8)
		done := e.ContinueFlush(out, 3)
		assert.LessOrEqual(t, out.Len(), 3)
		all = append(all, out.Messages()...)
		calls++
		if done {
			break
		}
		require.True(t, e.FlushInProgress())
	}
	// 10 cancel acks plus one ask-side elimination, in bounded batches.
	assert.Len(t, all, 11)
	assert.Greater(t, calls, 1)

	// Cancel acks go out best ask first.
	assert.Equal(t, uint32(100), all[0].UserOrderID)
	assert.Equal(t, uint32(109), all[9].UserOrderID)
	assert.True(t, all[10].Eliminated())
}

func TestFlushSpansSymbols(t *testing.T) {
	e := newTestEngine(t, 64)
	submit(t, e, 1, "IBM", 10, 100, proto.Buy, 1)
	submit(t, e, 2, "AAPL", 20, 100, proto.Sell, 201)

	e.StartFlush()
	out := NewOutputBuffer(64)
	require.True(t, e.ContinueFlush(out, 100))

	var cancels, tobs int
	for _, m := range out.Messages() {
		switch m.Type {
		case proto.OutputCancelAck:
			cancels++
		case proto.OutputTopOfBook:
			tobs++
			assert.True(t, m.Eliminated())
		}
	}
	assert.Equal(t, 2, cancels)
	assert.Equal(t, 2, tobs)
}

func TestEngineUsableAfterFlush(t *testing.T) {
	e := newTestEngine(t, 64)
	submit(t, e, 1, "IBM", 10, 100, proto.Buy, 1)
	e.StartFlush()
	out := NewOutputBuffer(64)
	require.True(t, e.ContinueFlush(out, 100))

	got := lines(submit(t, e, 1, "IBM", 12, 30, proto.Buy, 2))
	assert.Equal(t, []string{
		"A, IBM, 1, 2",
		"B, IBM, B, 12, 30",
	}, got)
}

func TestFlushEmptyEngineCompletesImmediately(t *testing.T) {
	e := newTestEngine(t, 64)
	e.StartFlush()
	out := NewOutputBuffer(8)
	assert.True(t, e.ContinueFlush(out, 10))
	assert.Zero(t, out.Len())
}

func TestArenaExhaustionRejectsWithoutAck(t *testing.T) {
	e := newTestEngine(t, 2)
	submit(t, e, 1, "IBM", 10, 10, proto.Buy, 1)
	submit(t, e, 1, "IBM", 9, 10, proto.Buy, 2)

	msgs := submit(t, e, 1, "IBM", 8, 10, proto.Buy, 3)
	assert.Empty(t, msgs)
	st := e.Stats()
	assert.Equal(t, uint64(1), st.OrdersRejected)
	assert.Equal(t, 2, st.OrdersResting)

	// Freeing a slot lets orders in again.
	cancel(e, 1, 1)
	msgs = submit(t, e, 1, "IBM", 8, 10, proto.Buy, 4)
	assert.NotEmpty(t, msgs)
}

func TestArenaReuseUnderChurn(t *testing.T) {
	e := newTestEngine(t, 4)
	for i := uint32(0); i < 100; i++ {
		msgs := submit(t, e, 1, "IBM", 10, 5, proto.Buy, i)
		require.NotEmpty(t, msgs, "order %d rejected", i)
		require.Len(t, cancel(e, 1, i), 2)
	}
	assert.Zero(t, e.Stats().OrdersResting)
}

func TestStats(t *testing.T) {
	e := newTestEngine(t, 64)
	submit(t, e, 1, "IBM", 10, 100, proto.Buy, 1)
	submit(t, e, 2, "IBM", 10, 40, proto.Sell, 201)
	st := e.Stats()
	assert.Equal(t, uint64(2), st.OrdersAccepted)
	assert.Equal(t, uint64(1), st.TradesExecuted)
	assert.Equal(t, 1, st.OrdersResting)
	assert.Equal(t, 1, st.Symbols)
}

func TestManySymbolsManyLevels(t *testing.T) {
	e := newTestEngine(t, 4096)
	for s := 0; s < 8; s++ {
		sym := fmt.Sprintf("SYM%d", s)
		for p := uint32(1); p <= 20; p++ {
			submit(t, e, 1, sym, p, 10, proto.Buy, uint32(s)*100+p)
		}
	}
	st := e.Stats()
	assert.Equal(t, 8, st.Symbols)
	assert.Equal(t, 160, st.OrdersResting)

	// Best bid per symbol is the highest price.
	msgs := submit(t, e, 2, "SYM3", 0, 10, proto.Sell, 9999)
	trades := filterType(msgs, proto.OutputTrade)
	require.Len(t, trades, 1)
	assert.Equal(t, uint32(20), trades[0].Price)
}

func filterType(msgs []proto.Output, typ proto.OutputType) []proto.Output {
	var out []proto.Output
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}
