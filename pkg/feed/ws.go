// Package feed mirrors the engine's output stream to auxiliary consumers:
// a websocket fanout, a NATS bridge, and rolling session statistics.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/matcher/pkg/proto"
)

// Event is the JSON rendering of one engine output.
type Event struct {
	Type      string `json:"type"` // "ack", "cancel", "trade", "tob"
	Symbol    string `json:"symbol,omitempty"`
	UserID    uint32 `json:"userId,omitempty"`
	OrderID   uint32 `json:"orderId,omitempty"`
	BuyUser   uint32 `json:"buyUser,omitempty"`
	BuyOrder  uint32 `json:"buyOrder,omitempty"`
	SellUser  uint32 `json:"sellUser,omitempty"`
	SellOrder uint32 `json:"sellOrder,omitempty"`
	Side      string `json:"side,omitempty"`
	Price     uint32 `json:"price"`
	Quantity  uint32 `json:"quantity"`
	Timestamp int64  `json:"timestamp"`
	Sequence  uint64 `json:"sequence"`
}

// NewEvent converts an engine output into its feed event.
func NewEvent(msg *proto.Output, seq uint64) Event {
	ev := Event{
		Symbol:    msg.Symbol,
		Timestamp: time.Now().UnixNano(),
		Sequence:  seq,
	}
	switch msg.Type {
	case proto.OutputAck:
		ev.Type = "ack"
		ev.UserID = msg.UserID
		ev.OrderID = msg.UserOrderID
	case proto.OutputCancelAck:
		ev.Type = "cancel"
		ev.UserID = msg.UserID
		ev.OrderID = msg.UserOrderID
	case proto.OutputTrade:
		ev.Type = "trade"
		ev.BuyUser = msg.BuyUserID
		ev.BuyOrder = msg.BuyUserOrderID
		ev.SellUser = msg.SellUserID
		ev.SellOrder = msg.SellUserOrderID
		ev.Price = msg.Price
		ev.Quantity = msg.Quantity
	case proto.OutputTopOfBook:
		ev.Type = "tob"
		ev.Side = msg.Side.String()
		ev.Price = msg.Price
		ev.Quantity = msg.Quantity
	}
	return ev
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingPeriod   = 54 * time.Second // must stay under wsPongTimeout
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The feed is read-only market data; origin checks belong on the
		// proxy in front of it.
		return true
	},
}

// wsClient is one subscribed websocket connection.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub fans every engine output out to websocket subscribers as JSON. It
// implements the router's Publisher; Publish never blocks, a saturated hub
// drops events instead.
type WSHub struct {
	logger log.Logger

	clients     map[*wsClient]bool
	register    chan *wsClient
	unregister  chan *wsClient
	broadcast   chan []byte
	seq         uint64
	clientCount int32
	messagesOut uint64

	srv    *http.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSHub builds the hub.
func NewWSHub(logger log.Logger) *WSHub {
	return &WSHub{
		logger:     logger.New("module", "ws"),
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient, 100),
		unregister: make(chan *wsClient, 100),
		broadcast:  make(chan []byte, 1000),
	}
}

// Publish queues one output for fanout. Safe for a single producer; the
// router is that producer.
func (h *WSHub) Publish(msg *proto.Output) {
	h.seq++
	data, err := json.Marshal(NewEvent(msg, h.seq))
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Subscribers are best-effort mirrors; never stall the router.
	}
}

// Start runs the hub and serves the /ws endpoint on addr.
func (h *WSHub) Start(ctx context.Context, addr string) {
	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go h.runHub(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	mux.HandleFunc("/health", h.handleHealth)
	h.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.logger.Info("websocket feed listening", "addr", addr)
		if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("websocket server failed", "err", err)
		}
	}()
}

// Stop shuts the hub down and closes every subscriber.
func (h *WSHub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	if h.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		h.srv.Shutdown(shutdownCtx)
		cancel()
	}
	h.wg.Wait()
}

func (h *WSHub) runHub(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			atomic.AddInt32(&h.clientCount, 1)
			h.logger.Debug("subscriber connected", "total", atomic.LoadInt32(&h.clientCount))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				atomic.AddInt32(&h.clientCount, -1)
			}
			h.logger.Debug("subscriber disconnected", "total", atomic.LoadInt32(&h.clientCount))

		case data := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- data:
					atomic.AddUint64(&h.messagesOut, 1)
				default:
					// Slow subscriber: drop it rather than buffer forever.
					delete(h.clients, client)
					close(client.send)
					atomic.AddInt32(&h.clientCount, -1)
				}
			}
		}
	}
}

func (h *WSHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
	}
	h.register <- client
	go h.writePump(client)
	go h.readPump(client)
}

func (h *WSHub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "healthy",
		"clients":  atomic.LoadInt32(&h.clientCount),
		"messages": atomic.LoadUint64(&h.messagesOut),
	})
}

// readPump discards inbound frames; the feed is one-way. It exists to
// service pings and notice disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
