package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNoEndpoint is returned when a message is addressed to an endpoint that
// is not attached.
var ErrNoEndpoint = errors.New("no such endpoint")

// Deliverer accepts envelopes for one endpoint.
type Deliverer interface {
	Deliver(ctx context.Context, env Envelope) error
}

// Sender sends messages on behalf of one endpoint.
type Sender interface {
	Send(ctx context.Context, to Address, m Message) error
}

// Router connects endpoints by address.
type Router struct {
	logger *slog.Logger

	mu        sync.RWMutex
	endpoints map[Address]Deliverer
}

func NewRouter() *Router {
	return &Router{
		logger:    slog.Default(),
		endpoints: make(map[Address]Deliverer),
	}
}

// Attach registers d under addr, replacing any previous endpoint (a page
// reload reattaches the same tab). The returned func detaches d if it is
// still the registered endpoint.
func (r *Router) Attach(addr Address, d Deliverer) (detach func()) {
	r.mu.Lock()
	r.endpoints[addr] = d
	r.mu.Unlock()
	r.logger.Debug("bus endpoint attached", "addr", addr.String())

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.endpoints[addr] == d {
			delete(r.endpoints, addr)
			r.logger.Debug("bus endpoint detached", "addr", addr.String())
		}
	}
}

// Attached reports whether an endpoint is registered under addr.
func (r *Router) Attached(addr Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.endpoints[addr]
	return ok
}

// Send routes m from one endpoint to another.
func (r *Router) Send(ctx context.Context, from, to Address, m Message) error {
	r.mu.RLock()
	d, ok := r.endpoints[to]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoEndpoint, to)
	}
	if err := d.Deliver(ctx, Envelope{From: from, Msg: m}); err != nil {
		return fmt.Errorf("delivering %s to %s: %w", m.Type(), to, err)
	}
	return nil
}

// Outbox returns a Sender that stamps messages with from.
func (r *Router) Outbox(from Address) Outbox {
	return Outbox{router: r, from: from}
}

// Outbox is a Sender bound to one source address.
type Outbox struct {
	router *Router
	from   Address
}

func (o Outbox) Send(ctx context.Context, to Address, m Message) error {
	return o.router.Send(ctx, o.from, to, m)
}

// Mailbox is a channel-backed in-process endpoint. Its Run loop handles one
// message at a time.
type Mailbox struct {
	ch chan Envelope
}

func NewMailbox(size int) *Mailbox {
	return &Mailbox{ch: make(chan Envelope, size)}
}

func (mb *Mailbox) Deliver(ctx context.Context, env Envelope) error {
	select {
	case mb.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches queued envelopes to h until ctx is done. Handler errors
// are logged and do not stop the loop.
func (mb *Mailbox) Run(ctx context.Context, h Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-mb.ch:
			if err := Dispatch(ctx, h, env); err != nil {
				if errors.Is(err, ErrUnhandled) {
					logger.Debug("bus message ignored", "type", env.Msg.Type(), "from", env.From.String())
					continue
				}
				logger.Warn("bus message failed", "type", env.Msg.Type(), "from", env.From.String(), "error", err)
			}
		}
	}
}
