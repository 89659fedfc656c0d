package server

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/matcher/pkg/engine"
	"github.com/luxfi/matcher/pkg/metrics"
	"github.com/luxfi/matcher/pkg/proto"
	"github.com/luxfi/matcher/pkg/queue"
	"github.com/luxfi/matcher/pkg/registry"
)

const (
	inputBatchSize = 32
	flushBatchSize = 64

	idleSleepMin = time.Microsecond
	idleSleepMax = 100 * time.Microsecond
)

// Processor owns one engine shard. It is the sole consumer of its input
// queue and the sole producer of its output queue, which is what lets both
// queues stay lock-free.
type Processor struct {
	shard   int
	logger  log.Logger
	metrics *metrics.Metrics

	eng *engine.Engine
	in  *queue.SPSC[InputEnvelope]
	out *queue.SPSC[OutputEnvelope]

	// flushOrigin is the client whose flush is currently draining; its id
	// stamps the flush's cancel acks.
	flushOrigin registry.ClientID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor builds a processor for one shard.
func NewProcessor(shard int, cfg engine.Config, queueSize int, logger log.Logger, m *metrics.Metrics) *Processor {
	shardLogger := logger.New("shard", shard)
	return &Processor{
		shard:   shard,
		logger:  shardLogger,
		metrics: m,
		eng:     engine.New(cfg, shardLogger),
		in:      queue.NewSPSC[InputEnvelope](queueSize),
		out:     queue.NewSPSC[OutputEnvelope](queueSize),
	}
}

// Submit offers an envelope to the shard. It returns false when the input
// queue is full; the caller decides whether to drop or retry. Only the
// dispatcher goroutine may call this.
func (p *Processor) Submit(env InputEnvelope) bool {
	return p.in.Enqueue(env)
}

// Outputs exposes the shard's output queue for the router.
func (p *Processor) Outputs() *queue.SPSC[OutputEnvelope] {
	return p.out
}

// Stats reports the underlying engine's counters.
func (p *Processor) Stats() engine.Stats {
	return p.eng.Stats()
}

// Start launches the processing loop.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop halts the loop after draining queued inputs and any flush in
// progress.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()
	p.logger.Info("processor started", "queueCap", p.in.Cap())

	var (
		pending [inputBatchSize]InputEnvelope
		nPend   int
		iPend   int
		buf     = engine.NewOutputBuffer(4 * flushBatchSize)
		sleep   = idleSleepMin
		shardID = strconv.Itoa(p.shard)
	)

	for {
		worked := false

		// A flush in progress takes priority over new inputs so its
		// output stays contiguous and bounded per pass.
		if p.eng.FlushInProgress() {
			buf.Reset()
			done := p.eng.ContinueFlush(buf, flushBatchSize)
			p.emit(buf, p.flushOrigin)
			if done {
				p.metrics.RecordFlush()
			}
			worked = true
		} else if iPend < nPend {
			p.processOne(&pending[iPend], buf)
			iPend++
			worked = true
		} else {
			nPend = p.in.DequeueBatch(pending[:])
			iPend = 0
			if nPend > 0 {
				worked = true
			}
			p.metrics.SetQueueDepth("input_"+shardID, float64(p.in.Len()))
		}

		if worked {
			sleep = idleSleepMin
			continue
		}

		select {
		case <-ctx.Done():
			p.drain(buf)
			st := p.eng.Stats()
			p.logger.Info("processor stopped",
				"accepted", st.OrdersAccepted,
				"rejected", st.OrdersRejected,
				"trades", st.TradesExecuted,
				"resting", st.OrdersResting)
			return
		default:
		}

		time.Sleep(sleep)
		if sleep < idleSleepMax {
			sleep *= 2
		}
	}
}

// drain finishes queued work during shutdown so accepted inputs are never
// silently discarded.
func (p *Processor) drain(buf *engine.OutputBuffer) {
	for {
		if p.eng.FlushInProgress() {
			buf.Reset()
			if p.eng.ContinueFlush(buf, flushBatchSize) {
				p.metrics.RecordFlush()
			}
			p.emit(buf, p.flushOrigin)
			continue
		}
		env, ok := p.in.Dequeue()
		if !ok {
			return
		}
		p.processOne(&env, buf)
	}
}

func (p *Processor) processOne(env *InputEnvelope, buf *engine.OutputBuffer) {
	buf.Reset()
	switch env.Kind {
	case kindCancelUser:
		p.eng.CancelAllForUser(env.UserID, buf)
	default:
		// The origin is set only when the flush actually arms. The engine
		// ignores a flush that lands while one is still draining, and the
		// first flusher keeps the remaining acks.
		if env.Msg.Type == proto.InputFlush && !p.eng.FlushInProgress() {
			p.flushOrigin = env.ClientID
		}
		p.eng.Process(&env.Msg, buf)
		switch env.Msg.Type {
		case proto.InputNewOrder:
			if buf.Len() > 0 {
				p.metrics.RecordOrderAccepted()
			} else {
				p.metrics.RecordOrderRejected()
			}
		case proto.InputCancel:
			p.metrics.RecordCancel()
		}
	}
	for i := range buf.Messages() {
		if buf.Messages()[i].Type == proto.OutputTrade {
			p.metrics.RecordTrade()
		}
	}
	p.emit(buf, env.ClientID)
	p.metrics.SetRestingOrders(strconv.Itoa(p.shard), float64(p.eng.Stats().OrdersResting))
}

// emit moves buffered engine output onto the shard's output queue. A full
// queue drops the message; the multicast feed is lossy by contract and
// directed messages share its fate under overload.
func (p *Processor) emit(buf *engine.OutputBuffer, origin registry.ClientID) {
	msgs := buf.Messages()
	for i := range msgs {
		if !p.out.Enqueue(OutputEnvelope{Msg: msgs[i], Origin: origin}) {
			p.metrics.RecordOutputDropped()
			p.logger.Warn("output queue full, dropping message",
				"type", msgs[i].Type, "symbol", msgs[i].Symbol)
		}
	}
}
