// Package proto defines the engine's input and output messages and the two
// wire protocols (CSV and binary) they travel in.
package proto

// SymbolLen is the fixed symbol width on the binary wire. Symbols are ASCII,
// null-padded to this length.
const SymbolLen = 8

// Side represents order side (buy/sell)
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "B"
	}
	return "S"
}

// Byte returns the wire encoding of the side.
func (s Side) Byte() byte {
	if s == Buy {
		return 'B'
	}
	return 'S'
}

// SideFromByte decodes a wire side byte.
func SideFromByte(b byte) (Side, bool) {
	switch b {
	case 'B':
		return Buy, true
	case 'S':
		return Sell, true
	}
	return Buy, false
}

// InputType identifies a client-to-engine message.
type InputType uint8

const (
	InputNewOrder InputType = iota + 1
	InputCancel
	InputFlush
)

// NewOrder is a request to add an order. Price 0 denotes a market order.
type NewOrder struct {
	UserID      uint32
	Symbol      string
	Price       uint32
	Quantity    uint32
	Side        Side
	UserOrderID uint32
}

// Cancel is a request to remove a resting order.
type Cancel struct {
	UserID      uint32
	UserOrderID uint32
}

// Input is a parsed client message. Exactly one of the payload fields is
// meaningful, selected by Type.
type Input struct {
	Type   InputType
	New    NewOrder
	Cancel Cancel
}

// OutputType identifies an engine-to-client message.
type OutputType uint8

const (
	OutputAck OutputType = iota + 1
	OutputCancelAck
	OutputTrade
	OutputTopOfBook
)

// Output is a single emitted message. It is a flat value type so it can be
// copied through queues without allocation; the fields used depend on Type.
type Output struct {
	Type   OutputType
	Symbol string

	// Ack / CancelAck
	UserID      uint32
	UserOrderID uint32

	// Trade
	BuyUserID       uint32
	BuyUserOrderID  uint32
	SellUserID      uint32
	SellUserOrderID uint32

	// Trade and TopOfBook
	Price    uint32
	Quantity uint32

	// TopOfBook
	Side Side
}

// MakeAck builds an order acknowledgement.
func MakeAck(symbol string, userID, userOrderID uint32) Output {
	return Output{Type: OutputAck, Symbol: symbol, UserID: userID, UserOrderID: userOrderID}
}

// MakeCancelAck builds a cancel acknowledgement.
func MakeCancelAck(symbol string, userID, userOrderID uint32) Output {
	return Output{Type: OutputCancelAck, Symbol: symbol, UserID: userID, UserOrderID: userOrderID}
}

// MakeTrade builds a trade report. Price is always the resting order's price.
func MakeTrade(symbol string, buyUserID, buyUserOrderID, sellUserID, sellUserOrderID, price, quantity uint32) Output {
	return Output{
		Type:            OutputTrade,
		Symbol:          symbol,
		BuyUserID:       buyUserID,
		BuyUserOrderID:  buyUserOrderID,
		SellUserID:      sellUserID,
		SellUserOrderID: sellUserOrderID,
		Price:           price,
		Quantity:        quantity,
	}
}

// MakeTopOfBook builds a top-of-book update for one side.
func MakeTopOfBook(symbol string, side Side, price, totalQuantity uint32) Output {
	return Output{Type: OutputTopOfBook, Symbol: symbol, Side: side, Price: price, Quantity: totalQuantity}
}

// MakeTopOfBookEliminated builds the update emitted when a side empties out.
// Zero price and quantity is the elimination convention on both wires.
func MakeTopOfBookEliminated(symbol string, side Side) Output {
	return Output{Type: OutputTopOfBook, Symbol: symbol, Side: side}
}

// Eliminated reports whether a top-of-book message marks an empty side.
func (m *Output) Eliminated() bool {
	return m.Type == OutputTopOfBook && m.Price == 0 && m.Quantity == 0
}

// TruncateSymbol clips a symbol to the wire width.
func TruncateSymbol(symbol string) string {
	if len(symbol) > SymbolLen {
		return symbol[:SymbolLen]
	}
	return symbol
}
