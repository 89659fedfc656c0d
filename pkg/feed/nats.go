package feed

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/matcher/pkg/proto"
)

// Subjects the bridge publishes on. Trade and top-of-book events get a
// per-symbol suffix so consumers can subscribe selectively, e.g.
// "matcher.trades.IBM" or "matcher.tob.>".
const (
	subjectTrades = "matcher.trades."
	subjectTOB    = "matcher.tob."
	subjectAcks   = "matcher.acks"
	subjectStats  = "matcher.stats"
)

// NATSBridge republishes engine output onto NATS subjects as JSON events.
// It implements the router's Publisher.
type NATSBridge struct {
	logger log.Logger
	nc     *nats.Conn

	seq       uint64
	published uint64
}

// NewNATSBridge connects to the NATS server at url.
func NewNATSBridge(url string, logger log.Logger) (*NATSBridge, error) {
	nc, err := nats.Connect(url,
		nats.Name("matcher-feed"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, err
	}
	b := &NATSBridge{
		logger: logger.New("module", "nats"),
		nc:     nc,
	}
	b.logger.Info("connected", "url", nc.ConnectedUrl())

	// Stats on request, mirroring the scrape endpoint for NATS-side tools.
	nc.Subscribe(subjectStats, func(m *nats.Msg) {
		data, _ := json.Marshal(map[string]uint64{
			"published": atomic.LoadUint64(&b.published),
			"sequence":  atomic.LoadUint64(&b.seq),
		})
		m.Respond(data)
	})
	return b, nil
}

// Publish forwards one output. Publishing is fire-and-forget; a down NATS
// connection buffers or drops per client settings and never blocks the
// router.
func (b *NATSBridge) Publish(msg *proto.Output) {
	seq := atomic.AddUint64(&b.seq, 1)
	data, err := json.Marshal(NewEvent(msg, seq))
	if err != nil {
		return
	}

	var subject string
	switch msg.Type {
	case proto.OutputTrade:
		subject = subjectTrades + msg.Symbol
	case proto.OutputTopOfBook:
		subject = subjectTOB + msg.Symbol
	default:
		subject = subjectAcks
	}
	if err := b.nc.Publish(subject, data); err != nil {
		b.logger.Debug("publish failed", "subject", subject, "err", err)
		return
	}
	atomic.AddUint64(&b.published, 1)
}

// Close flushes and tears down the connection.
func (b *NATSBridge) Close() {
	if b.nc != nil {
		b.nc.Flush()
		b.nc.Close()
	}
}
