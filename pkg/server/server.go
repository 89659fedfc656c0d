// Package server ties the matcher together: transports parse inputs into a
// dispatcher, sharded processors run the engines, and a router fans the
// results back out to clients and the market data feed.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/matcher/pkg/engine"
	"github.com/luxfi/matcher/pkg/metrics"
	"github.com/luxfi/matcher/pkg/proto"
	"github.com/luxfi/matcher/pkg/queue"
	"github.com/luxfi/matcher/pkg/registry"
)

// Server is the composed matcher.
type Server struct {
	cfg     Config
	logger  log.Logger
	metrics *metrics.Metrics

	reg   *registry.Registry
	users *registry.UserMap

	procs      []*Processor
	dispatcher *Dispatcher
	router     *Router
	tcp        *TCPServer
	udp        *UDPServer
	feed       *MulticastFeed
	extraFeeds []Publisher

	metricsSrv *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a server from cfg. Network resources are acquired in Start.
func New(cfg Config, logger log.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New("matcher", logger),
		reg:     registry.New(cfg.MaxClients),
		users:   registry.NewUserMap(cfg.UserMapSize),
	}
	for i := 0; i < cfg.Shards; i++ {
		s.procs = append(s.procs, NewProcessor(i,
			engine.Config{MaxOrders: cfg.MaxOrders}, cfg.QueueSize, logger, s.metrics))
	}
	s.dispatcher = NewDispatcher(s.procs, s.users, cfg.InboxSize, logger, s.metrics)
	if cfg.TCPAddr != "" {
		s.tcp = NewTCPServer(s.reg, s.users, s.dispatcher.Inbox(), logger, s.metrics)
	}
	if cfg.UDPAddr != "" {
		s.udp = NewUDPServer(s.reg, s.users, s.dispatcher.Inbox(), logger, s.metrics)
	}
	s.feed = NewMulticastFeed(logger, s.metrics)
	return s, nil
}

// AttachPublisher adds another consumer of the full output stream, such as
// the websocket mirror. Must be called before Start.
func (s *Server) AttachPublisher(p Publisher) {
	s.extraFeeds = append(s.extraFeeds, p)
}

// Metrics exposes the server's instrument set to embedding callers.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// TCPAddr returns the bound TCP address once Start has run, or nil when the
// transport is disabled.
func (s *Server) TCPAddr() net.Addr {
	if s.tcp == nil || s.tcp.listener == nil {
		return nil
	}
	return s.tcp.Addr()
}

// UDPAddr returns the bound UDP address once Start has run, or nil when the
// transport is disabled.
func (s *Server) UDPAddr() net.Addr {
	if s.udp == nil || s.udp.conn == nil {
		return nil
	}
	return s.udp.Addr()
}

// Deliver routes one message to a client over its own transport.
func (s *Server) Deliver(c *registry.Client, msg *proto.Output) {
	if c.Transport == registry.TransportUDP {
		if s.udp != nil {
			s.udp.Deliver(c, msg)
		}
		return
	}
	if s.tcp != nil {
		s.tcp.Deliver(c, msg)
	}
}

// Start binds sockets and launches every component. It returns once the
// server is serving; Stop shuts it down.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.tcp != nil {
		if err := s.tcp.Listen(s.cfg.TCPAddr); err != nil {
			return err
		}
	}
	if s.udp != nil {
		if err := s.udp.Listen(s.cfg.UDPAddr); err != nil {
			return err
		}
	}
	if s.cfg.MulticastAddr != "" {
		if err := s.feed.Dial(s.cfg.MulticastAddr); err != nil {
			return err
		}
	}

	feeds := append([]Publisher{s.feed}, s.extraFeeds...)
	var sources []*queue.SPSC[OutputEnvelope]
	for _, p := range s.procs {
		sources = append(sources, p.Outputs())
	}
	s.router = NewRouter(sources, s.reg, s.users, s, feeds, s.logger, s.metrics)

	for _, p := range s.procs {
		p.Start(ctx)
	}
	s.dispatcher.Start(ctx)
	s.router.Start(ctx)
	if s.tcp != nil {
		s.tcp.Start(ctx)
	}
	if s.udp != nil {
		s.udp.Start(ctx)
	}

	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("metrics listening", "addr", s.cfg.MetricsAddr)
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.metrics.CollectSystemMetrics(ctx)
	}()

	s.logger.Info("matcher started",
		"shards", s.cfg.Shards,
		"tcp", s.cfg.TCPAddr,
		"udp", s.cfg.UDPAddr,
		"multicast", s.cfg.MulticastAddr)
	return nil
}

// Stop shuts the server down in dependency order: transports first so no new
// inputs arrive, then the dispatcher and processors so queued work drains,
// then the router so every emitted message still goes out.
func (s *Server) Stop() {
	if s.tcp != nil {
		s.tcp.Stop()
	}
	if s.udp != nil {
		s.udp.Stop()
	}
	s.dispatcher.Stop()
	for _, p := range s.procs {
		p.Stop()
	}
	if s.router != nil {
		s.router.Stop()
	}
	s.feed.Close()

	if s.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.dumpStats()
}

// dumpStats logs final counters, mirroring what the engines report.
func (s *Server) dumpStats() {
	for i, p := range s.procs {
		st := p.Stats()
		s.logger.Info("engine stats",
			"shard", i,
			"accepted", st.OrdersAccepted,
			"rejected", st.OrdersRejected,
			"trades", st.TradesExecuted,
			"resting", st.OrdersResting,
			"symbols", st.Symbols)
	}
	s.logger.Info("feed stats", "lastSeq", s.feed.Sequence(), "clients", s.reg.Len())
}
