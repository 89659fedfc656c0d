package proto

import (
	"strconv"
	"strings"
)

// CSV input grammar, one message per line:
//
//	N, user_id, symbol, price, quantity, side, user_order_id
//	C, user_id, user_order_id
//	F
//
// Whitespace around fields is tolerated on input. Outputs are formatted with
// a comma-space separator to match the reference feed format.

// ParseCSVInput parses one CSV input line (without trailing newline).
func ParseCSVInput(line string) (Input, error) {
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) == 0 || fields[0] == "" {
		return Input{}, ErrUnknownType
	}
	switch fields[0] {
	case "N":
		if len(fields) != 7 {
			return Input{}, ErrFieldCount
		}
		userID, err := parseUint32(fields[1])
		if err != nil {
			return Input{}, err
		}
		price, err := parseUint32(fields[3])
		if err != nil {
			return Input{}, err
		}
		qty, err := parseUint32(fields[4])
		if err != nil {
			return Input{}, err
		}
		if qty == 0 {
			return Input{}, ErrZeroQuantity
		}
		if len(fields[5]) != 1 {
			return Input{}, ErrBadField
		}
		side, ok := SideFromByte(fields[5][0])
		if !ok {
			return Input{}, ErrBadField
		}
		userOrderID, err := parseUint32(fields[6])
		if err != nil {
			return Input{}, err
		}
		return Input{
			Type: InputNewOrder,
			New: NewOrder{
				UserID:      userID,
				Symbol:      TruncateSymbol(fields[2]),
				Price:       price,
				Quantity:    qty,
				Side:        side,
				UserOrderID: userOrderID,
			},
		}, nil
	case "C":
		if len(fields) != 3 {
			return Input{}, ErrFieldCount
		}
		userID, err := parseUint32(fields[1])
		if err != nil {
			return Input{}, err
		}
		userOrderID, err := parseUint32(fields[2])
		if err != nil {
			return Input{}, err
		}
		return Input{Type: InputCancel, Cancel: Cancel{UserID: userID, UserOrderID: userOrderID}}, nil
	case "F":
		if len(fields) != 1 {
			return Input{}, ErrFieldCount
		}
		return Input{Type: InputFlush}, nil
	}
	return Input{}, ErrUnknownType
}

// AppendCSVOutput formats an output message as a CSV line, terminated with a
// newline, and appends it to dst.
func AppendCSVOutput(dst []byte, msg *Output) []byte {
	switch msg.Type {
	case OutputAck:
		dst = append(dst, 'A')
		dst = appendField(dst, msg.Symbol)
		dst = appendUintField(dst, msg.UserID)
		dst = appendUintField(dst, msg.UserOrderID)
	case OutputCancelAck:
		dst = append(dst, 'C')
		dst = appendField(dst, msg.Symbol)
		dst = appendUintField(dst, msg.UserID)
		dst = appendUintField(dst, msg.UserOrderID)
	case OutputTrade:
		dst = append(dst, 'T')
		dst = appendField(dst, msg.Symbol)
		dst = appendUintField(dst, msg.BuyUserID)
		dst = appendUintField(dst, msg.BuyUserOrderID)
		dst = appendUintField(dst, msg.SellUserID)
		dst = appendUintField(dst, msg.SellUserOrderID)
		dst = appendUintField(dst, msg.Price)
		dst = appendUintField(dst, msg.Quantity)
	case OutputTopOfBook:
		dst = append(dst, 'B')
		dst = appendField(dst, msg.Symbol)
		dst = appendField(dst, msg.Side.String())
		if msg.Eliminated() {
			dst = appendField(dst, "-")
			dst = appendField(dst, "-")
		} else {
			dst = appendUintField(dst, msg.Price)
			dst = appendUintField(dst, msg.Quantity)
		}
	default:
		return dst
	}
	return append(dst, '\n')
}

// FormatCSVOutput is a convenience wrapper returning the line as a string.
func FormatCSVOutput(msg *Output) string {
	return string(AppendCSVOutput(nil, msg))
}

func appendField(dst []byte, s string) []byte {
	dst = append(dst, ',', ' ')
	return append(dst, s...)
}

func appendUintField(dst []byte, v uint32) []byte {
	dst = append(dst, ',', ' ')
	return strconv.AppendUint(dst, uint64(v), 10)
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, ErrBadField
	}
	return uint32(v), nil
}
