package server

import (
	"context"
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/matcher/pkg/metrics"
	"github.com/luxfi/matcher/pkg/proto"
	"github.com/luxfi/matcher/pkg/registry"
)

// Dispatcher funnels inputs from every transport into the shard queues.
// Running it on a single goroutine makes it the one producer each shard
// queue sees, and gives all inputs from one client a total order.
type Dispatcher struct {
	logger  log.Logger
	metrics *metrics.Metrics

	inbox  chan InputEnvelope
	shards []*Processor
	users  *registry.UserMap

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher wires the dispatcher to its shards.
func NewDispatcher(shards []*Processor, users *registry.UserMap, inboxSize int, logger log.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		logger:  logger.New("module", "dispatcher"),
		metrics: m,
		inbox:   make(chan InputEnvelope, inboxSize),
		shards:  shards,
		users:   users,
	}
}

// Inbox is where transports deliver parsed inputs.
func (d *Dispatcher) Inbox() chan<- InputEnvelope {
	return d.inbox
}

// Start launches the routing loop.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop drains buffered inputs and halts the loop.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case env := <-d.inbox:
			d.route(&env)
		case <-ctx.Done():
			for {
				select {
				case env := <-d.inbox:
					d.route(&env)
				default:
					d.logger.Info("dispatcher stopped")
					return
				}
			}
		}
	}
}

// route places an envelope on the right shard queue. New orders pin their
// user to the sending client first so trade reports can find their way back.
func (d *Dispatcher) route(env *InputEnvelope) {
	switch {
	case env.Kind == kindCancelUser:
		// Orders for one user can rest on either shard.
		d.broadcast(env)
	case env.Msg.Type == proto.InputNewOrder:
		d.users.Set(env.Msg.New.UserID, env.ClientID)
		d.submit(ShardForSymbol(env.Msg.New.Symbol, len(d.shards)), env)
	case env.Msg.Type == proto.InputCancel:
		// Cancels carry no symbol, so they route like any symbol-less
		// input: shard 0. Cancel is idempotent there either way.
		d.submit(0, env)
	case env.Msg.Type == proto.InputFlush:
		// Every shard holds books, so every shard flushes.
		d.broadcast(env)
	}
}

func (d *Dispatcher) broadcast(env *InputEnvelope) {
	for i := range d.shards {
		d.submit(i, env)
	}
}

func (d *Dispatcher) submit(shard int, env *InputEnvelope) {
	if !d.shards[shard].Submit(*env) {
		d.metrics.RecordInputDropped()
		d.logger.Warn("input queue full, dropping message",
			"shard", shard, "client", env.ClientID)
	}
}
