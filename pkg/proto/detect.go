package proto

// Protocol is the wire protocol a client speaks. It is detected from the
// first message a client sends and latched for the rest of the session.
type Protocol uint8

const (
	ProtoUnknown Protocol = iota
	ProtoCSV
	ProtoBinary
)

func (p Protocol) String() string {
	switch p {
	case ProtoCSV:
		return "csv"
	case ProtoBinary:
		return "binary"
	}
	return "unknown"
}

// DetectProtocol classifies a message from its first byte. The magic byte
// marks binary; a CSV type letter marks CSV; anything else stays unknown.
func DetectProtocol(first byte) Protocol {
	switch first {
	case Magic:
		return ProtoBinary
	case 'N', 'C', 'F':
		return ProtoCSV
	}
	return ProtoUnknown
}

// Framing is how a TCP stream delimits messages. UDP needs none: one
// datagram is one message.
type Framing uint8

const (
	FramingUnknown Framing = iota
	// FramingLengthPrefixed frames each binary record with a 4-byte
	// big-endian length header.
	FramingLengthPrefixed
	// FramingRawBinary carries back-to-back binary records with no header;
	// record sizes are implied by the type byte.
	FramingRawBinary
	// FramingCSV carries newline-terminated CSV lines.
	FramingCSV
)

func (f Framing) String() string {
	switch f {
	case FramingLengthPrefixed:
		return "length-prefixed"
	case FramingRawBinary:
		return "raw-binary"
	case FramingCSV:
		return "csv"
	}
	return "unknown"
}

// DetectFraming inspects the first bytes of a TCP stream. A leading zero
// byte can only be the high byte of a length prefix, since no message type
// starts with 0x00; the magic at offset 4 confirms it. The result is
// (FramingUnknown, false) when more bytes are needed to decide.
func DetectFraming(data []byte) (Framing, bool) {
	if len(data) == 0 {
		return FramingUnknown, false
	}
	switch {
	case data[0] == 0x00:
		if len(data) < 5 {
			return FramingUnknown, false
		}
		if data[4] == Magic {
			return FramingLengthPrefixed, true
		}
		return FramingUnknown, true
	case data[0] == Magic:
		return FramingRawBinary, true
	case data[0] == 'N' || data[0] == 'C' || data[0] == 'F':
		return FramingCSV, true
	}
	return FramingUnknown, true
}
