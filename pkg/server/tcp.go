package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/matcher/pkg/framing"
	"github.com/luxfi/matcher/pkg/metrics"
	"github.com/luxfi/matcher/pkg/proto"
	"github.com/luxfi/matcher/pkg/registry"
)

const (
	tcpReadBufSize  = 4096
	tcpSendChanSize = 256
)

// tcpSession is one accepted connection. The reader goroutine parses inputs
// and the writer goroutine drains send, so a slow peer never blocks the
// router.
type tcpSession struct {
	client *registry.Client
	conn   net.Conn
	send   chan []byte
	done   chan struct{}
	users  map[uint32]struct{}
}

// TCPServer accepts order-entry connections. Each session auto-detects its
// framing (length-prefixed binary, raw binary, or CSV lines) from the first
// bytes it sends and keeps it for the life of the connection.
type TCPServer struct {
	logger  log.Logger
	metrics *metrics.Metrics

	reg   *registry.Registry
	users *registry.UserMap
	inbox chan<- InputEnvelope

	listener net.Listener

	mu       sync.RWMutex
	sessions map[registry.ClientID]*tcpSession

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTCPServer wires the TCP transport to the dispatcher inbox.
func NewTCPServer(reg *registry.Registry, users *registry.UserMap, inbox chan<- InputEnvelope,
	logger log.Logger, m *metrics.Metrics) *TCPServer {
	return &TCPServer{
		logger:   logger.New("module", "tcp"),
		metrics:  m,
		reg:      reg,
		users:    users,
		inbox:    inbox,
		sessions: make(map[registry.ClientID]*tcpSession),
	}
}

// Listen binds the listen address. Separate from Start so callers learn
// about a bad address before the accept loop spins up.
func (s *TCPServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (s *TCPServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Start runs the accept loop.
func (s *TCPServer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.acceptLoop(ctx)
}

// Stop closes the listener and every live session.
func (s *TCPServer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Deliver encodes msg in the session's protocol and queues it for writing.
// Messages to a session with a full send queue are dropped.
func (s *TCPServer) Deliver(c *registry.Client, msg *proto.Output) {
	s.mu.RLock()
	sess := s.sessions[c.ID]
	s.mu.RUnlock()
	if sess == nil {
		return
	}

	var payload []byte
	if c.Protocol() == proto.ProtoBinary {
		rec := proto.AppendBinaryOutput(nil, msg)
		payload = framing.AppendFrame(nil, rec)
	} else {
		// Unknown sessions have sent nothing yet; CSV is the readable
		// default for broadcasts they receive in the meantime.
		payload = proto.AppendCSVOutput(nil, msg)
	}

	select {
	case sess.send <- payload:
		c.CountOut()
		s.metrics.RecordMessageOut("tcp")
	default:
		s.metrics.RecordOutputDropped()
	}
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "err", err)
			continue
		}
		client, err := s.reg.AddTCP()
		if err != nil {
			s.logger.Warn("connection refused", "remote", conn.RemoteAddr().String(), "err", err)
			conn.Close()
			continue
		}
		sess := &tcpSession{
			client: client,
			conn:   conn,
			send:   make(chan []byte, tcpSendChanSize),
			done:   make(chan struct{}),
			users:  make(map[uint32]struct{}),
		}
		s.mu.Lock()
		s.sessions[client.ID] = sess
		n := len(s.sessions)
		s.mu.Unlock()
		s.metrics.SetClientsConnected("tcp", float64(n))
		s.logger.Info("client connected", "client", client.ID, "remote", conn.RemoteAddr().String())

		s.wg.Add(2)
		go s.readLoop(ctx, sess)
		go s.writeLoop(sess)
	}
}

func (s *TCPServer) writeLoop(sess *tcpSession) {
	defer s.wg.Done()
	for {
		select {
		case payload := <-sess.send:
			if _, err := sess.conn.Write(payload); err != nil {
				sess.conn.Close()
				return
			}
		case <-sess.done:
			return
		}
	}
}

func (s *TCPServer) readLoop(ctx context.Context, sess *tcpSession) {
	defer s.wg.Done()
	defer s.teardown(sess)

	var (
		buf      []byte
		chunk    [tcpReadBufSize]byte
		streamFr = proto.FramingUnknown
		decoder  *framing.Decoder
	)

	for {
		n, err := sess.conn.Read(chunk[:])
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if streamFr == proto.FramingUnknown {
				fr, ok := proto.DetectFraming(buf)
				if !ok {
					continue // need more bytes to classify
				}
				if fr == proto.FramingUnknown {
					s.logger.Warn("unrecognized stream, closing", "client", sess.client.ID)
					return
				}
				streamFr = fr
				if fr == proto.FramingLengthPrefixed {
					decoder = framing.NewDecoder()
				}
				s.logger.Debug("stream classified", "client", sess.client.ID, "framing", fr.String())
			}
			var consumed int
			switch streamFr {
			case proto.FramingCSV:
				consumed = s.consumeCSV(sess, buf)
			case proto.FramingRawBinary:
				consumed = s.consumeRawBinary(sess, buf)
			case proto.FramingLengthPrefixed:
				decoder.Feed(buf)
				consumed = len(buf)
				err = s.consumeFrames(sess, decoder)
			}
			if err != nil {
				s.logger.Warn("stream error, closing", "client", sess.client.ID, "err", err)
				return
			}
			buf = buf[consumed:]
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.logger.Debug("read failed", "client", sess.client.ID, "err", err)
			}
			return
		}
	}
}

// consumeCSV parses complete lines out of buf and returns how many bytes
// they covered.
func (s *TCPServer) consumeCSV(sess *tcpSession, buf []byte) int {
	consumed := 0
	for {
		nl := -1
		for i := consumed; i < len(buf); i++ {
			if buf[i] == '\n' {
				nl = i
				break
			}
		}
		if nl < 0 {
			return consumed
		}
		line := strings.TrimRight(string(buf[consumed:nl]), "\r")
		consumed = nl + 1
		if strings.TrimSpace(line) == "" {
			continue
		}
		msg, err := proto.ParseCSVInput(line)
		if err != nil {
			s.metrics.RecordParseError("tcp")
			s.logger.Debug("bad csv input", "client", sess.client.ID, "err", err)
			continue
		}
		s.accept(sess, &msg, proto.ProtoCSV)
	}
}

// consumeRawBinary decodes back-to-back records, returning consumed bytes.
// Junk bytes and unknown type bytes are dropped up to the next magic byte,
// so one corrupt record never takes the connection down.
func (s *TCPServer) consumeRawBinary(sess *tcpSession, buf []byte) int {
	consumed := 0
	for consumed < len(buf) {
		rest := buf[consumed:]
		if rest[0] != proto.Magic {
			s.metrics.RecordParseError("tcp")
			skip := resyncOffset(rest)
			s.logger.Debug("dropping junk bytes", "client", sess.client.ID, "bytes", skip)
			consumed += skip
			continue
		}
		if len(rest) < 2 {
			break
		}
		size := proto.BinaryInputSize(rest)
		if size == 0 {
			s.metrics.RecordParseError("tcp")
			s.logger.Debug("unknown message type", "client", sess.client.ID, "type", rest[1])
			consumed++
			consumed += resyncOffset(buf[consumed:])
			continue
		}
		if len(rest) < size {
			break
		}
		msg, n, err := proto.DecodeBinaryInput(rest)
		if err != nil {
			s.metrics.RecordParseError("tcp")
			s.logger.Debug("bad binary input", "client", sess.client.ID, "err", err)
			consumed += size
			continue
		}
		consumed += n
		s.accept(sess, &msg, proto.ProtoBinary)
	}
	return consumed
}

// resyncOffset returns how many bytes to drop so decoding resumes at the
// next magic byte, or all of b when none remains.
func resyncOffset(b []byte) int {
	if i := bytes.IndexByte(b, proto.Magic); i >= 0 {
		return i
	}
	return len(b)
}

func (s *TCPServer) consumeFrames(sess *tcpSession, decoder *framing.Decoder) error {
	for {
		payload, err := decoder.Next()
		if err != nil {
			return err
		}
		if payload == nil {
			return nil
		}
		msg, _, err := proto.DecodeBinaryInput(payload)
		if err != nil {
			s.metrics.RecordParseError("tcp")
			s.logger.Debug("bad framed input", "client", sess.client.ID, "err", err)
			continue
		}
		s.accept(sess, &msg, proto.ProtoBinary)
	}
}

// accept finalizes one parsed input: latch the protocol, track the user for
// disconnect cleanup, and hand it to the dispatcher.
func (s *TCPServer) accept(sess *tcpSession, msg *proto.Input, p proto.Protocol) {
	sess.client.LatchProtocol(p)
	sess.client.Touch()
	sess.client.CountIn()
	s.metrics.RecordMessageIn("tcp")
	if msg.Type == proto.InputNewOrder {
		sess.users[msg.New.UserID] = struct{}{}
	}
	s.inbox <- InputEnvelope{Msg: *msg, ClientID: sess.client.ID}
}

// teardown runs when a session's reader exits: cancel the user's resting
// orders, release the registry slot, and stop the writer.
func (s *TCPServer) teardown(sess *tcpSession) {
	sess.conn.Close()
	s.mu.Lock()
	delete(s.sessions, sess.client.ID)
	n := len(s.sessions)
	s.mu.Unlock()
	close(sess.done)

	for userID := range sess.users {
		s.users.Drop(userID)
		s.inbox <- InputEnvelope{Kind: kindCancelUser, UserID: userID, ClientID: sess.client.ID}
	}
	s.reg.Remove(sess.client.ID)
	s.metrics.SetClientsConnected("tcp", float64(n))
	s.logger.Info("client disconnected", "client", sess.client.ID, "users", len(sess.users))
}
