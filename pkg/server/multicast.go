package server

import (
	"encoding/binary"
	"net"

	"github.com/luxfi/log"

	"github.com/luxfi/matcher/pkg/metrics"
	"github.com/luxfi/matcher/pkg/proto"
)

// FeedHeaderSize is the sequence header preceding each feed record.
const FeedHeaderSize = 8

// EncodeFeedDatagram appends an 8-byte big-endian sequence number and the
// binary record for msg to dst.
func EncodeFeedDatagram(dst []byte, seq uint64, msg *proto.Output) []byte {
	var hdr [FeedHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[:], seq)
	dst = append(dst, hdr[:]...)
	return proto.AppendBinaryOutput(dst, msg)
}

// DecodeFeedDatagram splits a feed datagram into its sequence number and
// message. Consumers use gaps in the sequence to detect loss.
func DecodeFeedDatagram(data []byte) (uint64, proto.Output, error) {
	if len(data) < FeedHeaderSize {
		return 0, proto.Output{}, proto.ErrShortMessage
	}
	seq := binary.BigEndian.Uint64(data[:FeedHeaderSize])
	msg, _, err := proto.DecodeBinaryOutput(data[FeedHeaderSize:])
	return seq, msg, err
}

// MulticastFeed publishes every engine output to a multicast group, always
// in binary, one sequenced record per datagram. Publish is called only from
// the router goroutine, so the feed needs no locking.
type MulticastFeed struct {
	logger  log.Logger
	metrics *metrics.Metrics

	conn *net.UDPConn
	seq  uint64
	buf  []byte
}

// NewMulticastFeed builds an unconnected feed.
func NewMulticastFeed(logger log.Logger, m *metrics.Metrics) *MulticastFeed {
	return &MulticastFeed{
		logger:  logger.New("module", "multicast"),
		metrics: m,
		buf:     make([]byte, 0, FeedHeaderSize+proto.BinMaxOutputSize),
	}
}

// Dial connects the feed to its multicast group address.
func (f *MulticastFeed) Dial(addr string) error {
	groupAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp", nil, groupAddr)
	if err != nil {
		return err
	}
	f.conn = conn
	f.logger.Info("publishing", "group", groupAddr.String())
	return nil
}

// Publish sends one sequenced record. The sequence number advances even if
// the send fails, so receivers see the loss as a gap.
func (f *MulticastFeed) Publish(msg *proto.Output) {
	if f.conn == nil {
		return
	}
	f.seq++
	f.buf = EncodeFeedDatagram(f.buf[:0], f.seq, msg)
	if _, err := f.conn.Write(f.buf); err != nil {
		f.logger.Debug("publish failed", "seq", f.seq, "err", err)
		return
	}
	f.metrics.RecordMulticastPacket()
}

// Sequence returns the last published sequence number.
func (f *MulticastFeed) Sequence() uint64 {
	return f.seq
}

// Close releases the socket.
func (f *MulticastFeed) Close() {
	if f.conn != nil {
		f.conn.Close()
	}
}
