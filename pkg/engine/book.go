package engine

import "github.com/luxfi/matcher/pkg/proto"

// nilIdx marks the end of an order chain in the arena.
const nilIdx = int32(-1)

// order is one resting or matching order. Orders live in the engine's arena
// and link to each other by index, so a book carries no per-order heap
// allocations and cancel unlinks in O(1).
type order struct {
	userID      uint32
	userOrderID uint32
	price       uint32
	qty         uint32
	side        proto.Side
	book        *book
	level       *level
	next        int32 // younger order at the same price
	prev        int32 // older order at the same price
}

// level is one price point on one side of a book. Orders hang off it in
// arrival order; levels chain best-first.
type level struct {
	price    uint32
	totalQty uint32
	head     int32 // oldest order
	tail     int32 // newest order
	next     *level
	prev     *level
}

// tob is a top-of-book snapshot used for change detection. The zero value
// means the side is empty; resting orders never have price zero, so the
// encoding is unambiguous.
type tob struct {
	price uint32
	qty   uint32
}

// book is the limit order book for one symbol.
type book struct {
	symbol string
	bids   *level // best (highest) first
	asks   *level // best (lowest) first

	prevBid tob
	prevAsk tob
}

func (b *book) best(side proto.Side) *level {
	if side == proto.Buy {
		return b.bids
	}
	return b.asks
}

// snapshot returns the current top of one side.
func (b *book) snapshot(side proto.Side) tob {
	l := b.best(side)
	if l == nil {
		return tob{}
	}
	return tob{price: l.price, qty: l.totalQty}
}

// insertLevel links a new level into the given side keeping best-first
// order: descending prices for bids, ascending for asks.
func (b *book) insertLevel(side proto.Side, l *level) {
	head := b.best(side)
	var prev *level
	cur := head
	for cur != nil {
		if side == proto.Buy && l.price > cur.price {
			break
		}
		if side == proto.Sell && l.price < cur.price {
			break
		}
		prev = cur
		cur = cur.next
	}
	l.prev = prev
	l.next = cur
	if cur != nil {
		cur.prev = l
	}
	if prev != nil {
		prev.next = l
	} else if side == proto.Buy {
		b.bids = l
	} else {
		b.asks = l
	}
}

// findLevel returns the level at price on the given side, or nil. The walk
// stops as soon as it passes where the price would sort.
func (b *book) findLevel(side proto.Side, price uint32) *level {
	for l := b.best(side); l != nil; l = l.next {
		if l.price == price {
			return l
		}
		if side == proto.Buy && l.price < price {
			return nil
		}
		if side == proto.Sell && l.price > price {
			return nil
		}
	}
	return nil
}

// removeLevel unlinks an emptied level from its side.
func (b *book) removeLevel(side proto.Side, l *level) {
	if l.prev != nil {
		l.prev.next = l.next
	} else if side == proto.Buy {
		b.bids = l.next
	} else {
		b.asks = l.next
	}
	if l.next != nil {
		l.next.prev = l.prev
	}
	l.next = nil
	l.prev = nil
}

// crosses reports whether an incoming order at price can trade against the
// best opposite level. Market orders (price zero) cross everything.
func crosses(side proto.Side, price uint32, opposite *level) bool {
	if opposite == nil {
		return false
	}
	if price == 0 {
		return true
	}
	if side == proto.Buy {
		return price >= opposite.price
	}
	return price <= opposite.price
}
