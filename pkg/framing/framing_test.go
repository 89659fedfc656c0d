package framing

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendFrame(t *testing.T) {
	buf := AppendFrame(nil, []byte("hello"))
	require.Len(t, buf, HeaderSize+5)
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(buf[:4]))
	assert.Equal(t, []byte("hello"), buf[4:])
}

func TestDecoderSingleFrame(t *testing.T) {
	d := NewDecoder()
	d.Feed(AppendFrame(nil, []byte("payload")))

	got, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	got, err = d.Next()
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, d.Buffered())
}

func TestDecoderMultipleFramesOneChunk(t *testing.T) {
	var stream []byte
	stream = AppendFrame(stream, []byte("one"))
	stream = AppendFrame(stream, []byte("two"))
	stream = AppendFrame(stream, []byte("three"))

	d := NewDecoder()
	d.Feed(stream)

	var out []string
	for {
		p, err := d.Next()
		require.NoError(t, err)
		if p == nil {
			break
		}
		out = append(out, string(p))
	}
	assert.Equal(t, []string{"one", "two", "three"}, out)
}

// Frames must decode identically no matter how the stream is chopped up by
// the transport.
func TestDecoderArbitraryPartitions(t *testing.T) {
	payloads := [][]byte{
		[]byte("a"),
		[]byte("second payload"),
		make([]byte, 300),
	}
	var stream []byte
	for _, p := range payloads {
		stream = AppendFrame(stream, p)
	}

	for _, chunk := range []int{1, 2, 3, 5, 7, 100, len(stream)} {
		d := NewDecoder()
		var got [][]byte
		for off := 0; off < len(stream); off += chunk {
			end := off + chunk
			if end > len(stream) {
				end = len(stream)
			}
			d.Feed(stream[off:end])
			for {
				p, err := d.Next()
				require.NoError(t, err)
				if p == nil {
					break
				}
				cp := make([]byte, len(p))
				copy(cp, p)
				got = append(got, cp)
			}
		}
		require.Len(t, got, len(payloads), "chunk size %d", chunk)
		for i := range payloads {
			assert.Equal(t, payloads[i], got[i], "chunk size %d frame %d", chunk, i)
		}
	}
}

func TestDecoderHeaderSplitAcrossFeeds(t *testing.T) {
	frame := AppendFrame(nil, []byte("xy"))
	d := NewDecoder()

	d.Feed(frame[:2])
	p, err := d.Next()
	require.NoError(t, err)
	assert.Nil(t, p)

	d.Feed(frame[2:])
	p, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("xy"), p)
}

func TestDecoderRejectsOversizedFrame(t *testing.T) {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	d := NewDecoder()
	d.Feed(hdr[:])

	_, err := d.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecoderRejectsZeroLength(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{0, 0, 0, 0})

	_, err := d.Next()
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestDecoderMaxSizeFrameAccepted(t *testing.T) {
	payload := make([]byte, MaxFrameSize)
	payload[0] = 0x4D
	d := NewDecoder()
	d.Feed(AppendFrame(nil, payload))

	p, err := d.Next()
	require.NoError(t, err)
	assert.Len(t, p, MaxFrameSize)
}
