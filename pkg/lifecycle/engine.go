// Package lifecycle is the single writer of instruction status. Every
// accepted transition is persisted and then announced on the event bus while
// the instruction's lock is still held, so events for one instruction are
// published in commit order.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/instruction-desk/pkg/auth"
	"github.com/uhyunpark/instruction-desk/pkg/event"
	"github.com/uhyunpark/instruction-desk/pkg/instruction"
	"github.com/uhyunpark/instruction-desk/pkg/storage"
	"github.com/uhyunpark/instruction-desk/pkg/util"
)

// Publisher is the part of the event bus the engine needs.
type Publisher interface {
	Publish(ev event.Event) event.Event
}

type Engine struct {
	store  storage.Store
	bus    Publisher
	clock  util.Clock
	logger *zap.SugaredLogger

	locks *keyedMutex
	// createMu keeps a new instruction's created event ahead of any event for
	// the same id: Create holds it exclusively, transitions hold it shared.
	createMu sync.RWMutex
}

type Option func(*Engine)

func WithClock(c util.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l *zap.SugaredLogger) Option { return func(e *Engine) { e.logger = l } }

func NewEngine(store storage.Store, bus Publisher, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		bus:   bus,
		clock: util.RealClock{},
		locks: newKeyedMutex(),
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = util.OrNop(e.logger)
	return e
}

// Create validates and stores a new instruction in SUBMITTED and publishes
// instruction.created.
func (e *Engine) Create(ctx context.Context, actor auth.Identity, n instruction.NewInstruction) (*instruction.Instruction, error) {
	to, err := instruction.Next(instruction.StatusNone, instruction.Request{Action: instruction.ActionCreate}, actor.Role)
	if err != nil {
		e.reject(0, instruction.ActionCreate, actor, err)
		return nil, err
	}
	if err := n.Validate(); err != nil {
		e.reject(0, instruction.ActionCreate, actor, err)
		return nil, err
	}

	e.createMu.Lock()
	defer e.createMu.Unlock()

	now := e.clock.Now()
	t := instruction.Transition{
		Action:    instruction.ActionCreate,
		ActorID:   actor.UserID,
		ActorName: actor.Username,
		ActorRole: actor.Role,
		To:        to,
		At:        now,
	}
	created, err := e.store.Create(ctx, n.Build(actor.UserID, actor.Username, actor.Org, now), t)
	if err != nil {
		return nil, fmt.Errorf("store instruction: %w", err)
	}
	t.Seq = created.Version

	ev := e.bus.Publish(event.New(created, t))
	e.logger.Infow("instruction_created",
		"id", created.ID, "actor", actor.Username, "asset", created.AssetCode, "seq", ev.Sequence)
	return created, nil
}

// RequestTransition evaluates req against the instruction's current status
// and the actor's role. On acceptance it persists the transition and publishes
// exactly one event. On rejection nothing is written or published.
func (e *Engine) RequestTransition(ctx context.Context, id int64, req instruction.Request, actor auth.Identity) (*instruction.Instruction, error) {
	if req.Action == instruction.ActionCreate {
		return nil, fmt.Errorf("%w: use Create for new instructions", instruction.ErrInvalidTransition)
	}

	e.createMu.RLock()
	defer e.createMu.RUnlock()
	unlock := e.locks.Lock(id)
	defer unlock()

	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	to, err := instruction.Evaluate(cur.Status, req, actor.Role)
	if err != nil {
		e.reject(id, req.Action, actor, err)
		return nil, err
	}
	if req.Action == instruction.ActionCancel && cur.CreatedBy != actor.UserID {
		err := fmt.Errorf("%w: only the creating manager may cancel", instruction.ErrInvalidTransition)
		e.reject(id, req.Action, actor, err)
		return nil, err
	}

	t := instruction.Transition{
		Action:    req.Action,
		Ack:       req.Ack,
		ActorID:   actor.UserID,
		ActorName: actor.Username,
		ActorRole: actor.Role,
		From:      cur.Status,
		To:        to,
		At:        e.clock.Now(),
	}
	if req.Ack != nil {
		t.Notes = req.Ack.Remarks
	}

	updated, err := e.store.ApplyTransition(ctx, id, cur.Status, t)
	if errors.Is(err, storage.ErrConflict) {
		// Another writer outside this process moved the instruction.
		return nil, fmt.Errorf("%w: %w", instruction.ErrInvalidTransition, err)
	}
	if err != nil {
		return nil, fmt.Errorf("apply transition: %w", err)
	}
	t.Seq = updated.Version

	ev := e.bus.Publish(event.New(updated, t))
	e.logger.Infow("instruction_transition",
		"id", id, "action", req.Action, "from", t.From, "to", t.To,
		"actor", actor.Username, "role", actor.Role, "seq", ev.Sequence)
	return updated, nil
}

// Dispatch marks a submitted instruction as sent to the trading desk.
func (e *Engine) Dispatch(ctx context.Context, id int64) (*instruction.Instruction, error) {
	return e.RequestTransition(ctx, id, instruction.Request{Action: instruction.ActionDispatch}, auth.System)
}

func (e *Engine) Cancel(ctx context.Context, id int64, actor auth.Identity) (*instruction.Instruction, error) {
	return e.RequestTransition(ctx, id, instruction.Request{Action: instruction.ActionCancel}, actor)
}

func (e *Engine) Acknowledge(ctx context.Context, id int64, ack instruction.Acknowledgement, actor auth.Identity) (*instruction.Instruction, error) {
	return e.RequestTransition(ctx, id, instruction.Request{Action: instruction.ActionAck, Ack: &ack}, actor)
}

func (e *Engine) Get(ctx context.Context, id int64) (*instruction.Instruction, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) List(ctx context.Context, f storage.Filter) ([]*instruction.Instruction, error) {
	return e.store.List(ctx, f)
}

func (e *Engine) History(ctx context.Context, id int64) ([]instruction.Transition, error) {
	return e.store.History(ctx, id)
}

func (e *Engine) reject(id int64, action instruction.Action, actor auth.Identity, err error) {
	e.logger.Infow("instruction_transition_rejected",
		"id", id, "action", action, "actor", actor.Username, "role", actor.Role, "err", err)
}
