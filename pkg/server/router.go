package server

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/matcher/pkg/metrics"
	"github.com/luxfi/matcher/pkg/proto"
	"github.com/luxfi/matcher/pkg/queue"
	"github.com/luxfi/matcher/pkg/registry"
)

// Deliverer sends one message to one client over that client's transport,
// in the client's latched protocol.
type Deliverer interface {
	Deliver(c *registry.Client, msg *proto.Output)
}

// Publisher receives every output regardless of destination. The multicast
// feed and the websocket mirror sit behind this.
type Publisher interface {
	Publish(msg *proto.Output)
}

// Router drains the shard output queues and fans each message out: acks to
// their originator, trades to both counterparties, top-of-book to everyone,
// and everything to the feed publishers.
type Router struct {
	logger  log.Logger
	metrics *metrics.Metrics

	reg     *registry.Registry
	users   *registry.UserMap
	sources []*queue.SPSC[OutputEnvelope]
	deliver Deliverer
	feeds   []Publisher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter builds the router over the given shard output queues.
func NewRouter(sources []*queue.SPSC[OutputEnvelope], reg *registry.Registry, users *registry.UserMap,
	deliver Deliverer, feeds []Publisher, logger log.Logger, m *metrics.Metrics) *Router {
	return &Router{
		logger:  logger.New("module", "router"),
		metrics: m,
		reg:     reg,
		users:   users,
		sources: sources,
		deliver: deliver,
		feeds:   feeds,
	}
}

// Start launches the routing loop.
func (r *Router) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop drains the output queues and halts the loop.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Router) run(ctx context.Context) {
	defer r.wg.Done()
	var batch [inputBatchSize]OutputEnvelope
	sleep := idleSleepMin

	for {
		worked := false
		for _, src := range r.sources {
			n := src.DequeueBatch(batch[:])
			for i := 0; i < n; i++ {
				r.dispatch(&batch[i])
			}
			if n > 0 {
				worked = true
			}
		}

		if worked {
			sleep = idleSleepMin
			continue
		}

		select {
		case <-ctx.Done():
			// One final sweep so shutdown does not strand messages
			// the processors already emitted.
			for _, src := range r.sources {
				for {
					env, ok := src.Dequeue()
					if !ok {
						break
					}
					r.dispatch(&env)
				}
			}
			r.logger.Info("router stopped")
			return
		default:
		}

		time.Sleep(sleep)
		if sleep < idleSleepMax {
			sleep *= 2
		}
	}
}

// dispatch applies the destination policy for one message.
func (r *Router) dispatch(env *OutputEnvelope) {
	for _, f := range r.feeds {
		f.Publish(&env.Msg)
	}

	switch env.Msg.Type {
	case proto.OutputAck, proto.OutputCancelAck:
		if c := r.reg.Get(env.Origin); c != nil {
			r.deliver.Deliver(c, &env.Msg)
		}
	case proto.OutputTrade:
		buyClient, buyOK := r.users.Get(env.Msg.BuyUserID)
		sellClient, sellOK := r.users.Get(env.Msg.SellUserID)
		if buyOK {
			if c := r.reg.Get(buyClient); c != nil {
				r.deliver.Deliver(c, &env.Msg)
			}
		}
		if sellOK && sellClient != buyClient {
			if c := r.reg.Get(sellClient); c != nil {
				r.deliver.Deliver(c, &env.Msg)
			}
		}
	case proto.OutputTopOfBook:
		msg := &env.Msg
		r.reg.ForEach(func(c *registry.Client) {
			r.deliver.Deliver(c, msg)
		})
	}
}
