package server

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/matcher/pkg/metrics"
	"github.com/luxfi/matcher/pkg/proto"
	"github.com/luxfi/matcher/pkg/registry"
)

const (
	udpReadBufSize  = 2048
	udpSendChanSize = 1024
)

type udpOutbound struct {
	addr    netip.AddrPort
	payload []byte
}

// UDPServer handles datagram order entry. A peer address is a session: the
// first datagram registers it and latches its protocol. One datagram holds
// one binary record or one or more CSV lines; replies go back one message
// per datagram.
type UDPServer struct {
	logger  log.Logger
	metrics *metrics.Metrics

	reg   *registry.Registry
	users *registry.UserMap
	inbox chan<- InputEnvelope

	conn *net.UDPConn
	send chan udpOutbound
	done chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUDPServer wires the UDP transport to the dispatcher inbox.
func NewUDPServer(reg *registry.Registry, users *registry.UserMap, inbox chan<- InputEnvelope,
	logger log.Logger, m *metrics.Metrics) *UDPServer {
	return &UDPServer{
		logger:  logger.New("module", "udp"),
		metrics: m,
		reg:     reg,
		users:   users,
		inbox:   inbox,
		send:    make(chan udpOutbound, udpSendChanSize),
		done:    make(chan struct{}),
	}
}

// Listen binds the datagram socket.
func (s *UDPServer) Listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	s.conn = conn
	s.logger.Info("listening", "addr", conn.LocalAddr().String())
	return nil
}

// Addr returns the bound socket address.
func (s *UDPServer) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Start runs the read and write loops.
func (s *UDPServer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop()
}

// Stop closes the socket and halts both loops.
func (s *UDPServer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	close(s.done)
	s.wg.Wait()
}

// Deliver encodes msg for the peer and queues the datagram. Messages are
// dropped when the send queue is full.
func (s *UDPServer) Deliver(c *registry.Client, msg *proto.Output) {
	var payload []byte
	if c.Protocol() == proto.ProtoBinary {
		payload = proto.AppendBinaryOutput(nil, msg)
	} else {
		payload = proto.AppendCSVOutput(nil, msg)
	}
	select {
	case s.send <- udpOutbound{addr: c.Addr, payload: payload}:
		c.CountOut()
		s.metrics.RecordMessageOut("udp")
	default:
		s.metrics.RecordOutputDropped()
	}
}

func (s *UDPServer) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case out := <-s.send:
			if _, err := s.conn.WriteToUDPAddrPort(out.payload, out.addr); err != nil {
				s.logger.Debug("send failed", "addr", out.addr.String(), "err", err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *UDPServer) readLoop(ctx context.Context) {
	defer s.wg.Done()
	var buf [udpReadBufSize]byte
	for {
		n, addr, err := s.conn.ReadFromUDPAddrPort(buf[:])
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("read failed", "err", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		s.handleDatagram(buf[:n], addr)
	}
}

func (s *UDPServer) handleDatagram(data []byte, addr netip.AddrPort) {
	client, err := s.reg.GetOrAddUDP(addr)
	if err != nil {
		s.logger.Warn("peer rejected", "addr", addr.String(), "err", err)
		return
	}
	s.metrics.SetClientsConnected("udp", float64(s.reg.Len()))

	if data[0] == proto.Magic {
		s.consumeBinary(client, data)
	} else {
		s.consumeCSV(client, data)
	}
}

func (s *UDPServer) consumeBinary(client *registry.Client, data []byte) {
	for len(data) >= 2 {
		msg, n, err := proto.DecodeBinaryInput(data)
		if err != nil {
			s.metrics.RecordParseError("udp")
			s.logger.Debug("bad binary datagram", "client", client.ID, "err", err)
			return
		}
		data = data[n:]
		s.accept(client, &msg, proto.ProtoBinary)
	}
}

func (s *UDPServer) consumeCSV(client *registry.Client, data []byte) {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		msg, err := proto.ParseCSVInput(line)
		if err != nil {
			s.metrics.RecordParseError("udp")
			s.logger.Debug("bad csv datagram", "client", client.ID, "err", err)
			continue
		}
		s.accept(client, &msg, proto.ProtoCSV)
	}
}

func (s *UDPServer) accept(client *registry.Client, msg *proto.Input, p proto.Protocol) {
	client.LatchProtocol(p)
	client.Touch()
	client.CountIn()
	s.metrics.RecordMessageIn("udp")
	s.inbox <- InputEnvelope{Msg: *msg, ClientID: client.ID}
}
