package proto

import "encoding/binary"

// Magic is the first byte of every binary-protocol record ('M' for Match).
const Magic = 0x4D

// Binary message type bytes. Inputs and outputs share the single magic byte;
// the second byte selects the record layout.
const (
	binNewOrder  = 'N'
	binCancel    = 'C'
	binFlush     = 'F'
	binAck       = 'A'
	binCancelAck = 'X'
	binTrade     = 'T'
	binTopOfBook = 'B'
)

// Fixed binary record sizes, including the magic and type bytes. All integer
// fields are big-endian; symbols are null-padded to SymbolLen.
const (
	BinNewOrderSize  = 27
	BinCancelSize    = 10
	BinFlushSize     = 2
	BinAckSize       = 18
	BinCancelAckSize = 18
	BinTradeSize     = 34
	BinTopOfBookSize = 19

	// BinMaxOutputSize is the largest output record (a trade).
	BinMaxOutputSize = BinTradeSize
)

// BinaryInputSize returns the record size implied by the type byte at
// data[1], or 0 if the buffer is too short or the type is unknown.
func BinaryInputSize(data []byte) int {
	if len(data) < 2 || data[0] != Magic {
		return 0
	}
	switch data[1] {
	case binNewOrder:
		return BinNewOrderSize
	case binCancel:
		return BinCancelSize
	case binFlush:
		return BinFlushSize
	}
	return 0
}

// DecodeBinaryInput parses one binary input record from the front of data.
// It returns the parsed message and the number of bytes consumed.
func DecodeBinaryInput(data []byte) (Input, int, error) {
	if len(data) < 2 {
		return Input{}, 0, ErrShortMessage
	}
	if data[0] != Magic {
		return Input{}, 0, ErrInvalidMagic
	}
	switch data[1] {
	case binNewOrder:
		if len(data) < BinNewOrderSize {
			return Input{}, 0, ErrShortMessage
		}
		side, ok := SideFromByte(data[22])
		if !ok {
			return Input{}, 0, ErrBadField
		}
		msg := Input{
			Type: InputNewOrder,
			New: NewOrder{
				UserID:      binary.BigEndian.Uint32(data[2:6]),
				Symbol:      decodeSymbol(data[6:14]),
				Price:       binary.BigEndian.Uint32(data[14:18]),
				Quantity:    binary.BigEndian.Uint32(data[18:22]),
				Side:        side,
				UserOrderID: binary.BigEndian.Uint32(data[23:27]),
			},
		}
		if msg.New.Quantity == 0 {
			return Input{}, 0, ErrZeroQuantity
		}
		return msg, BinNewOrderSize, nil
	case binCancel:
		if len(data) < BinCancelSize {
			return Input{}, 0, ErrShortMessage
		}
		return Input{
			Type: InputCancel,
			Cancel: Cancel{
				UserID:      binary.BigEndian.Uint32(data[2:6]),
				UserOrderID: binary.BigEndian.Uint32(data[6:10]),
			},
		}, BinCancelSize, nil
	case binFlush:
		return Input{Type: InputFlush}, BinFlushSize, nil
	}
	return Input{}, 0, ErrUnknownType
}

// AppendBinaryInput encodes an input message and appends it to dst.
func AppendBinaryInput(dst []byte, msg *Input) []byte {
	switch msg.Type {
	case InputNewOrder:
		var rec [BinNewOrderSize]byte
		rec[0] = Magic
		rec[1] = binNewOrder
		binary.BigEndian.PutUint32(rec[2:6], msg.New.UserID)
		encodeSymbol(rec[6:14], msg.New.Symbol)
		binary.BigEndian.PutUint32(rec[14:18], msg.New.Price)
		binary.BigEndian.PutUint32(rec[18:22], msg.New.Quantity)
		rec[22] = msg.New.Side.Byte()
		binary.BigEndian.PutUint32(rec[23:27], msg.New.UserOrderID)
		return append(dst, rec[:]...)
	case InputCancel:
		var rec [BinCancelSize]byte
		rec[0] = Magic
		rec[1] = binCancel
		binary.BigEndian.PutUint32(rec[2:6], msg.Cancel.UserID)
		binary.BigEndian.PutUint32(rec[6:10], msg.Cancel.UserOrderID)
		return append(dst, rec[:]...)
	case InputFlush:
		return append(dst, Magic, binFlush)
	}
	return dst
}

// AppendBinaryOutput encodes an output message and appends it to dst.
func AppendBinaryOutput(dst []byte, msg *Output) []byte {
	switch msg.Type {
	case OutputAck, OutputCancelAck:
		var rec [BinAckSize]byte
		rec[0] = Magic
		rec[1] = binAck
		if msg.Type == OutputCancelAck {
			rec[1] = binCancelAck
		}
		encodeSymbol(rec[2:10], msg.Symbol)
		binary.BigEndian.PutUint32(rec[10:14], msg.UserID)
		binary.BigEndian.PutUint32(rec[14:18], msg.UserOrderID)
		return append(dst, rec[:]...)
	case OutputTrade:
		var rec [BinTradeSize]byte
		rec[0] = Magic
		rec[1] = binTrade
		encodeSymbol(rec[2:10], msg.Symbol)
		binary.BigEndian.PutUint32(rec[10:14], msg.BuyUserID)
		binary.BigEndian.PutUint32(rec[14:18], msg.BuyUserOrderID)
		binary.BigEndian.PutUint32(rec[18:22], msg.SellUserID)
		binary.BigEndian.PutUint32(rec[22:26], msg.SellUserOrderID)
		binary.BigEndian.PutUint32(rec[26:30], msg.Price)
		binary.BigEndian.PutUint32(rec[30:34], msg.Quantity)
		return append(dst, rec[:]...)
	case OutputTopOfBook:
		var rec [BinTopOfBookSize]byte
		rec[0] = Magic
		rec[1] = binTopOfBook
		encodeSymbol(rec[2:10], msg.Symbol)
		rec[10] = msg.Side.Byte()
		binary.BigEndian.PutUint32(rec[11:15], msg.Price)
		binary.BigEndian.PutUint32(rec[15:19], msg.Quantity)
		return append(dst, rec[:]...)
	}
	return dst
}

// DecodeBinaryOutput parses one binary output record from the front of data.
// It returns the parsed message and the number of bytes consumed. Feed
// consumers use it to decode multicast and TCP streams.
func DecodeBinaryOutput(data []byte) (Output, int, error) {
	if len(data) < 2 {
		return Output{}, 0, ErrShortMessage
	}
	if data[0] != Magic {
		return Output{}, 0, ErrInvalidMagic
	}
	switch data[1] {
	case binAck, binCancelAck:
		if len(data) < BinAckSize {
			return Output{}, 0, ErrShortMessage
		}
		typ := OutputAck
		if data[1] == binCancelAck {
			typ = OutputCancelAck
		}
		return Output{
			Type:        typ,
			Symbol:      decodeSymbol(data[2:10]),
			UserID:      binary.BigEndian.Uint32(data[10:14]),
			UserOrderID: binary.BigEndian.Uint32(data[14:18]),
		}, BinAckSize, nil
	case binTrade:
		if len(data) < BinTradeSize {
			return Output{}, 0, ErrShortMessage
		}
		return Output{
			Type:            OutputTrade,
			Symbol:          decodeSymbol(data[2:10]),
			BuyUserID:       binary.BigEndian.Uint32(data[10:14]),
			BuyUserOrderID:  binary.BigEndian.Uint32(data[14:18]),
			SellUserID:      binary.BigEndian.Uint32(data[18:22]),
			SellUserOrderID: binary.BigEndian.Uint32(data[22:26]),
			Price:           binary.BigEndian.Uint32(data[26:30]),
			Quantity:        binary.BigEndian.Uint32(data[30:34]),
		}, BinTradeSize, nil
	case binTopOfBook:
		if len(data) < BinTopOfBookSize {
			return Output{}, 0, ErrShortMessage
		}
		side, ok := SideFromByte(data[10])
		if !ok {
			return Output{}, 0, ErrBadField
		}
		return Output{
			Type:     OutputTopOfBook,
			Symbol:   decodeSymbol(data[2:10]),
			Side:     side,
			Price:    binary.BigEndian.Uint32(data[11:15]),
			Quantity: binary.BigEndian.Uint32(data[15:19]),
		}, BinTopOfBookSize, nil
	}
	return Output{}, 0, ErrUnknownType
}

func encodeSymbol(dst []byte, symbol string) {
	n := copy(dst, symbol)
	for i := n; i < SymbolLen; i++ {
		dst[i] = 0
	}
}

func decodeSymbol(src []byte) string {
	end := 0
	for end < len(src) && src[end] != 0 {
		end++
	}
	return string(src[:end])
}
