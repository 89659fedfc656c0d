// Package engine implements a price-time priority matching engine over a set
// of per-symbol limit order books.
//
// The engine is single-threaded: one goroutine owns it and feeds it parsed
// inputs, collecting the resulting messages from an OutputBuffer. All resting
// orders live in a preallocated arena so the matching path does not allocate.
package engine

import (
	"github.com/luxfi/log"

	"github.com/luxfi/matcher/pkg/proto"
)

// DefaultMaxOrders is the arena size used when the config leaves it zero.
const DefaultMaxOrders = 65536

// Config sizes the engine.
type Config struct {
	// MaxOrders caps resting orders across all books. New orders are
	// rejected without acknowledgement once the arena is exhausted.
	MaxOrders int
}

// Stats is a point-in-time view of engine activity.
type Stats struct {
	OrdersAccepted uint64
	OrdersRejected uint64
	TradesExecuted uint64
	OrdersResting  int
	Symbols        int
}

// flush phases, per book: cancel bids, cancel asks, then report the emptied
// top of book one side at a time.
const (
	flushBids = iota
	flushAsks
	flushTOBBid
	flushTOBAsk
)

type flushCursor struct {
	active  bool
	bookIdx int
	phase   int
}

// Engine matches orders for the symbols routed to it.
type Engine struct {
	logger log.Logger

	arena    []order
	freeHead int32
	resting  int

	books    map[string]*book
	bookList []*book
	orders   map[uint64]int32 // (userID<<32 | userOrderID) -> arena index

	freeLevels *level

	cursor flushCursor

	ordersAccepted uint64
	ordersRejected uint64
	tradesExecuted uint64
}

// New builds an engine with cfg's limits.
func New(cfg Config, logger log.Logger) *Engine {
	maxOrders := cfg.MaxOrders
	if maxOrders <= 0 {
		maxOrders = DefaultMaxOrders
	}
	e := &Engine{
		logger: logger,
		arena:  make([]order, maxOrders),
		books:  make(map[string]*book),
		orders: make(map[uint64]int32, maxOrders),
	}
	for i := 0; i < maxOrders-1; i++ {
		e.arena[i].next = int32(i + 1)
	}
	e.arena[maxOrders-1].next = nilIdx
	e.freeHead = 0
	return e
}

func orderKey(userID, userOrderID uint32) uint64 {
	return uint64(userID)<<32 | uint64(userOrderID)
}

func (e *Engine) allocOrder() int32 {
	idx := e.freeHead
	if idx == nilIdx {
		return nilIdx
	}
	e.freeHead = e.arena[idx].next
	return idx
}

func (e *Engine) freeOrder(idx int32) {
	e.arena[idx] = order{next: e.freeHead}
	e.freeHead = idx
}

func (e *Engine) allocLevel(price uint32) *level {
	l := e.freeLevels
	if l == nil {
		l = &level{}
	} else {
		e.freeLevels = l.next
	}
	*l = level{price: price, head: nilIdx, tail: nilIdx}
	return l
}

func (e *Engine) freeLevel(l *level) {
	*l = level{next: e.freeLevels}
	e.freeLevels = l
}

func (e *Engine) getBook(symbol string) *book {
	b := e.books[symbol]
	if b == nil {
		b = &book{symbol: symbol}
		e.books[symbol] = b
		e.bookList = append(e.bookList, b)
	}
	return b
}

// Process applies one parsed input. A flush only arms the flush cursor; the
// caller drains it with ContinueFlush.
func (e *Engine) Process(in *proto.Input, out *OutputBuffer) {
	switch in.Type {
	case proto.InputNewOrder:
		e.Submit(&in.New, out)
	case proto.InputCancel:
		e.Cancel(&in.Cancel, out)
	case proto.InputFlush:
		e.StartFlush()
	}
}

// Submit matches a new order against the book and rests any remainder if it
// is a limit order. The acknowledgement is emitted before any trades so a
// client always sees its ack first.
func (e *Engine) Submit(no *proto.NewOrder, out *OutputBuffer) {
	if e.freeHead == nilIdx {
		e.ordersRejected++
		e.logger.Warn("order rejected, arena exhausted",
			"user", no.UserID, "userOrder", no.UserOrderID, "symbol", no.Symbol)
		return
	}
	e.ordersAccepted++
	out.Append(proto.MakeAck(no.Symbol, no.UserID, no.UserOrderID))

	b := e.getBook(no.Symbol)
	opposite := proto.Sell
	if no.Side == proto.Sell {
		opposite = proto.Buy
	}

	remaining := no.Quantity
	for remaining > 0 {
		best := b.best(opposite)
		if !crosses(no.Side, no.Price, best) {
			break
		}
		resting := &e.arena[best.head]
		traded := remaining
		if resting.qty < traded {
			traded = resting.qty
		}
		// Attribution depends on aggressor side; price is always the
		// resting order's price.
		if no.Side == proto.Buy {
			out.Append(proto.MakeTrade(no.Symbol,
				no.UserID, no.UserOrderID,
				resting.userID, resting.userOrderID,
				best.price, traded))
		} else {
			out.Append(proto.MakeTrade(no.Symbol,
				resting.userID, resting.userOrderID,
				no.UserID, no.UserOrderID,
				best.price, traded))
		}
		e.tradesExecuted++

		remaining -= traded
		resting.qty -= traded
		best.totalQty -= traded
		if resting.qty == 0 {
			e.unlinkOrder(best.head)
		}
	}

	if remaining > 0 && no.Price > 0 {
		idx := e.allocOrder()
		// Entry check guarantees a slot, and matching only frees more.
		o := &e.arena[idx]
		*o = order{
			userID:      no.UserID,
			userOrderID: no.UserOrderID,
			price:       no.Price,
			qty:         remaining,
			side:        no.Side,
			book:        b,
			next:        nilIdx,
			prev:        nilIdx,
		}
		l := b.findLevel(no.Side, no.Price)
		if l == nil {
			l = e.allocLevel(no.Price)
			b.insertLevel(no.Side, l)
		}
		o.level = l
		o.prev = l.tail
		if l.tail != nilIdx {
			e.arena[l.tail].next = idx
		} else {
			l.head = idx
		}
		l.tail = idx
		l.totalQty += remaining
		e.resting++
		e.orders[orderKey(no.UserID, no.UserOrderID)] = idx
	}

	e.emitTOBChanges(b, out)
}

// Cancel removes a resting order. Unknown orders still get a cancel
// acknowledgement so retries and races stay idempotent.
func (e *Engine) Cancel(c *proto.Cancel, out *OutputBuffer) {
	idx, ok := e.orders[orderKey(c.UserID, c.UserOrderID)]
	if !ok {
		// No order to recover a symbol from; the ack carries an empty one
		// (all-NUL on the binary wire).
		out.Append(proto.MakeCancelAck("", c.UserID, c.UserOrderID))
		return
	}
	o := &e.arena[idx]
	b := o.book
	symbol := b.symbol
	e.unlinkOrder(idx)
	out.Append(proto.MakeCancelAck(symbol, c.UserID, c.UserOrderID))
	e.emitTOBChanges(b, out)
}

// CancelAllForUser removes every resting order belonging to a user, acking
// each one. Used when a client disconnects with orders still on the book.
func (e *Engine) CancelAllForUser(userID uint32, out *OutputBuffer) {
	var keys []uint64
	for key := range e.orders {
		if uint32(key>>32) == userID {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		idx := e.orders[key]
		o := &e.arena[idx]
		b := o.book
		out.Append(proto.MakeCancelAck(b.symbol, o.userID, o.userOrderID))
		e.unlinkOrder(idx)
		e.emitTOBChanges(b, out)
	}
}

// unlinkOrder removes an arena order from its level, dropping the level if
// it empties, and returns the slot to the free list.
func (e *Engine) unlinkOrder(idx int32) {
	o := &e.arena[idx]
	l := o.level
	if o.prev != nilIdx {
		e.arena[o.prev].next = o.next
	} else {
		l.head = o.next
	}
	if o.next != nilIdx {
		e.arena[o.next].prev = o.prev
	} else {
		l.tail = o.prev
	}
	l.totalQty -= o.qty
	if l.head == nilIdx {
		o.book.removeLevel(o.side, l)
		e.freeLevel(l)
	}
	delete(e.orders, orderKey(o.userID, o.userOrderID))
	e.resting--
	e.freeOrder(idx)
}

// emitTOBChanges compares both sides of a book against their last reported
// top and emits an update for each side that moved. An empty side that was
// previously populated reports with zero price and quantity.
func (e *Engine) emitTOBChanges(b *book, out *OutputBuffer) {
	if cur := b.snapshot(proto.Buy); cur != b.prevBid {
		out.Append(proto.MakeTopOfBook(b.symbol, proto.Buy, cur.price, cur.qty))
		b.prevBid = cur
	}
	if cur := b.snapshot(proto.Sell); cur != b.prevAsk {
		out.Append(proto.MakeTopOfBook(b.symbol, proto.Sell, cur.price, cur.qty))
		b.prevAsk = cur
	}
}

// StartFlush arms an incremental flush of every book. Nothing is emitted
// until ContinueFlush runs; a flush already in progress is left alone.
func (e *Engine) StartFlush() {
	if e.cursor.active {
		return
	}
	e.cursor = flushCursor{active: true}
	e.logger.Debug("flush started", "symbols", len(e.bookList), "resting", e.resting)
}

// FlushInProgress reports whether a flush still has work to emit.
func (e *Engine) FlushInProgress() bool {
	return e.cursor.active
}

// ContinueFlush emits up to maxMessages flush messages: a cancel
// acknowledgement per resting order (bids before asks, best price first,
// oldest first) and then the emptied top of book, symbol by symbol. It
// returns true once the flush completes.
func (e *Engine) ContinueFlush(out *OutputBuffer, maxMessages int) bool {
	if !e.cursor.active {
		return true
	}
	emitted := 0
	for emitted < maxMessages {
		if e.cursor.bookIdx >= len(e.bookList) {
			e.cursor = flushCursor{}
			e.logger.Debug("flush complete")
			return true
		}
		b := e.bookList[e.cursor.bookIdx]
		switch e.cursor.phase {
		case flushBids, flushAsks:
			side := proto.Buy
			if e.cursor.phase == flushAsks {
				side = proto.Sell
			}
			l := b.best(side)
			if l == nil {
				e.cursor.phase++
				continue
			}
			o := &e.arena[l.head]
			out.Append(proto.MakeCancelAck(b.symbol, o.userID, o.userOrderID))
			e.unlinkOrder(l.head)
			emitted++
		case flushTOBBid:
			if b.prevBid != (tob{}) {
				out.Append(proto.MakeTopOfBookEliminated(b.symbol, proto.Buy))
				b.prevBid = tob{}
				emitted++
			}
			e.cursor.phase = flushTOBAsk
		case flushTOBAsk:
			if b.prevAsk != (tob{}) {
				out.Append(proto.MakeTopOfBookEliminated(b.symbol, proto.Sell))
				b.prevAsk = tob{}
				emitted++
			}
			e.cursor.bookIdx++
			e.cursor.phase = flushBids
		}
	}
	return false
}

// Stats snapshots engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		OrdersAccepted: e.ordersAccepted,
		OrdersRejected: e.ordersRejected,
		TradesExecuted: e.tradesExecuted,
		OrdersResting:  e.resting,
		Symbols:        len(e.books),
	}
}
