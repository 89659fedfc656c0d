package engine

import "github.com/luxfi/matcher/pkg/proto"

// OutputBuffer collects the messages one input produces, in emission order.
// The engine appends, the caller drains and reuses the buffer.
type OutputBuffer struct {
	msgs []proto.Output
}

// NewOutputBuffer returns a buffer with room for capacity messages before it
// grows.
func NewOutputBuffer(capacity int) *OutputBuffer {
	return &OutputBuffer{msgs: make([]proto.Output, 0, capacity)}
}

// Append adds a message to the buffer.
func (b *OutputBuffer) Append(m proto.Output) {
	b.msgs = append(b.msgs, m)
}

// Messages returns the buffered messages in emission order. The slice is
// invalidated by Reset.
func (b *OutputBuffer) Messages() []proto.Output {
	return b.msgs
}

// Len returns the number of buffered messages.
func (b *OutputBuffer) Len() int {
	return len(b.msgs)
}

// Reset empties the buffer, keeping its capacity.
func (b *OutputBuffer) Reset() {
	b.msgs = b.msgs[:0]
}
