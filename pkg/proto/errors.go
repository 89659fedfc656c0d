package proto

import "errors"

var (
	// ErrShortMessage is returned when a buffer is smaller than the fixed
	// record size for its message type.
	ErrShortMessage = errors.New("proto: message truncated")

	// ErrInvalidMagic is returned when a binary record does not start with
	// the protocol magic byte.
	ErrInvalidMagic = errors.New("proto: invalid magic byte")

	// ErrUnknownType is returned for an unrecognized message type byte.
	ErrUnknownType = errors.New("proto: unknown message type")

	// ErrBadField is returned when a CSV field fails to parse.
	ErrBadField = errors.New("proto: malformed field")

	// ErrFieldCount is returned when a CSV line has the wrong number of
	// fields for its message type.
	ErrFieldCount = errors.New("proto: wrong field count")

	// ErrZeroQuantity is returned for a new order with quantity zero.
	ErrZeroQuantity = errors.New("proto: zero quantity")
)
