package lifecycle

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/instruction-desk/pkg/event"
	"github.com/uhyunpark/instruction-desk/pkg/instruction"
	"github.com/uhyunpark/instruction-desk/pkg/util"
)

// Subscriber is the part of the event bus the dispatcher needs.
type Subscriber interface {
	SubscribeType(typ event.Type, handler event.Handler) string
	Unsubscribe(id string) bool
}

// Dispatcher moves freshly created instructions from SUBMITTED to SENT.
// Bus handlers must not block, so created ids go through a bounded queue to a
// single worker. When the queue is full the id is skipped and the instruction
// stays SUBMITTED, which traders can still acknowledge.
type Dispatcher struct {
	engine *Engine
	bus    Subscriber
	queue  chan int64
	logger *zap.SugaredLogger

	subID string
	wg    sync.WaitGroup
}

func NewDispatcher(engine *Engine, bus Subscriber, queueSize int, logger *zap.SugaredLogger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Dispatcher{
		engine: engine,
		bus:    bus,
		queue:  make(chan int64, queueSize),
		logger: util.OrNop(logger),
	}
}

// Start subscribes to created events and runs the worker until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	d.subID = d.bus.SubscribeType(event.InstructionCreated, d.onCreated)
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop unsubscribes and waits for the worker to exit. ctx passed to Start
// must be cancelled first.
func (d *Dispatcher) Stop() {
	d.bus.Unsubscribe(d.subID)
	d.wg.Wait()
}

func (d *Dispatcher) onCreated(ev event.Event) {
	select {
	case d.queue <- ev.InstructionID:
	default:
		d.logger.Warnw("dispatch_queue_full", "id", ev.InstructionID)
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			_, err := d.engine.Dispatch(ctx, id)
			switch {
			case err == nil:
			case errors.Is(err, instruction.ErrInvalidTransition):
				// Cancelled or acknowledged before the dispatcher got to it.
				d.logger.Debugw("dispatch_skipped", "id", id, "err", err)
			default:
				d.logger.Errorw("dispatch_failed", "id", id, "err", err)
			}
		}
	}
}
