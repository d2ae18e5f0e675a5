package syncagent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/instruction-desk/pkg/auth"
	"github.com/uhyunpark/instruction-desk/pkg/event"
	"github.com/uhyunpark/instruction-desk/pkg/instruction"
	"github.com/uhyunpark/instruction-desk/pkg/util"
)

var errDisconnected = errors.New("syncagent: disconnected")

// Fetcher loads the full list of instructions visible to the caller.
type Fetcher interface {
	ListInstructions(ctx context.Context) ([]*instruction.Instruction, error)
}

// Dialer opens the real-time connection.
type Dialer interface {
	Dial(ctx context.Context) (*websocket.Conn, error)
}

type Config struct {
	ReconnectDelay time.Duration
	PingInterval   time.Duration
}

// Change is reported for every patch and every completed refetch.
type Change struct {
	Type        event.Type
	Instruction *instruction.Instruction
	Refetched   bool
}

type Agent struct {
	fetcher Fetcher
	dialer  Dialer
	view    *View
	cfg     Config
	logger  *zap.SugaredLogger

	onChange  func(Change)
	connected atomic.Bool
	refetches atomic.Int64
	connects  atomic.Int64
}

type Option func(*Agent)

func WithLogger(l *zap.SugaredLogger) Option { return func(a *Agent) { a.logger = l } }

// OnChange registers a callback invoked on the agent's read goroutine.
func OnChange(fn func(Change)) Option { return func(a *Agent) { a.onChange = fn } }

// New builds an agent for c. The view is scoped to c.Identity.
func New(c *Client, cfg Config, opts ...Option) *Agent {
	return NewWith(c, c, NewView(ScopeFor(c.Identity)), cfg, opts...)
}

func NewWith(f Fetcher, d Dialer, view *View, cfg Config, opts ...Option) *Agent {
	if cfg.ReconnectDelay < 0 {
		cfg.ReconnectDelay = 0
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	a := &Agent{fetcher: f, dialer: d, view: view, cfg: cfg, onChange: func(Change) {}}
	for _, o := range opts {
		o(a)
	}
	a.logger = util.OrNop(a.logger)
	return a
}

func (a *Agent) View() *View        { return a.view }
func (a *Agent) Connected() bool    { return a.connected.Load() }
func (a *Agent) Refetches() int64   { return a.refetches.Load() }
func (a *Agent) Connections() int64 { return a.connects.Load() }

// Run connects and keeps the view in sync until ctx is cancelled or the
// server rejects the credential. Every dropped connection is retried after
// the fixed reconnect delay, without limit.
func (a *Agent) Run(ctx context.Context) error {
	policy := backoff.WithContext(backoff.NewConstantBackOff(a.cfg.ReconnectDelay), ctx)

	err := backoff.RetryNotify(func() error {
		err := a.connectOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, auth.ErrAuth):
			return backoff.Permanent(err)
		case err == nil:
			return errDisconnected
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		a.logger.Infow("agent_reconnecting", "err", err, "wait", wait)
	})

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if errors.Is(err, auth.ErrAuth) {
		a.logger.Warnw("agent_stopped_auth_rejected", "err", err)
	}
	return err
}

// connectOnce runs one connection from dial to disconnect.
func (a *Agent) connectOnce(ctx context.Context) error {
	conn, err := a.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	a.connects.Add(1)
	a.connected.Store(true)
	defer a.connected.Store(false)
	a.logger.Infow("agent_connected")

	// Missed events are never replayed, so every connection starts from a
	// full list.
	if err := a.refetch(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.pingLoop(conn, done)
	}()
	defer func() {
		close(done)
		conn.Close()
		wg.Wait()
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	return a.readLoop(ctx, conn)
}

func (a *Agent) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// Pongs arrive every ping interval; two missed means the server is gone.
	idle := 2*a.cfg.PingInterval + 5*time.Second
	for {
		conn.SetReadDeadline(time.Now().Add(idle))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Infow("agent_disconnected", "err", err)
			return nil
		}

		var msg event.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			a.logger.Debugw("agent_undecodable_message", "err", err)
			if err := a.refetch(ctx); err != nil {
				return err
			}
			continue
		}

		outcome, in := a.view.Apply(msg)
		switch outcome {
		case Applied:
			a.onChange(Change{Type: msg.Type, Instruction: in})
		case NeedsRefetch:
			a.logger.Debugw("agent_refetch", "type", msg.Type)
			if err := a.refetch(ctx); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) refetch(ctx context.Context) error {
	list, err := a.fetcher.ListInstructions(ctx)
	if err != nil {
		return err
	}
	a.view.Replace(list)
	a.refetches.Add(1)
	a.onChange(Change{Refetched: true})
	a.logger.Debugw("agent_refetched", "count", len(list))
	return nil
}
