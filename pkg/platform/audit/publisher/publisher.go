// Package publisher fans audit events out to a queryable store and any
// number of forwarding sinks. Emission is best-effort: callers log and
// continue when Emit fails.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	id "trustcore/pkg/domain"
	audit "trustcore/pkg/platform/audit"
	"trustcore/pkg/platform/circuit"
)

// ErrBufferFull is returned by Emit in async mode when the queue is saturated.
var ErrBufferFull = errors.New("audit buffer full")

// Sink forwards events to an external system (e.g. Kafka). Sinks are
// write-only; history is read from the Store.
type Sink interface {
	Append(ctx context.Context, event audit.Event) error
}

// guardedSink pairs a sink with a breaker so a failing broker is reported
// once on the way down and once on recovery rather than on every event.
type guardedSink struct {
	sink    Sink
	breaker *circuit.Breaker
}

type Publisher struct {
	store  audit.Store
	sinks  []guardedSink
	logger *slog.Logger

	queue chan audit.Event
	wg    sync.WaitGroup
	once  sync.Once
}

type Option func(*Publisher)

// WithAsyncBuffer enables asynchronous delivery through a bounded queue.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.queue = make(chan audit.Event, size)
		}
	}
}

func WithSink(sink Sink) Option {
	return func(p *Publisher) {
		if sink != nil {
			p.sinks = append(p.sinks, guardedSink{
				sink:    sink,
				breaker: circuit.New(fmt.Sprintf("audit_sink_%d", len(p.sinks))),
			})
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.queue != nil {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Emit records the event. In sync mode the store write happens inline; in
// async mode the event is queued and ErrBufferFull is returned when the
// queue cannot accept it.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}

	if p.queue == nil {
		return p.deliver(ctx, event)
	}

	select {
	case p.queue <- event:
		return nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrBufferFull
}

func (p *Publisher) List(ctx context.Context, identityID id.IdentityID) ([]audit.Event, error) {
	return p.store.ListByIdentity(ctx, identityID)
}

// Close drains queued events and stops the worker.
func (p *Publisher) Close() {
	p.once.Do(func() {
		if p.queue != nil {
			close(p.queue)
			p.wg.Wait()
		}
	})
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for event := range p.queue {
		// detached from the request that emitted it
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.deliver(ctx, event); err != nil {
			p.logger.Warn("async audit delivery failed",
				"action", event.Action,
				"identity_id", event.IdentityID.String(),
				"error", err,
			)
		}
		cancel()
	}
}

func (p *Publisher) deliver(ctx context.Context, event audit.Event) error {
	if err := p.store.Append(ctx, event); err != nil {
		return err
	}
	for _, gs := range p.sinks {
		if err := gs.sink.Append(ctx, event); err != nil {
			useFallback, change := gs.breaker.RecordFailure()
			switch {
			case change.Opened:
				p.logger.ErrorContext(ctx, "audit sink circuit opened",
					"sink", gs.breaker.Name(),
					"error", err,
				)
			case !useFallback:
				p.logger.WarnContext(ctx, "audit sink append failed",
					"sink", gs.breaker.Name(),
					"action", event.Action,
					"error", err,
				)
			}
			continue
		}
		if _, change := gs.breaker.RecordSuccess(); change.Closed {
			p.logger.InfoContext(ctx, "audit sink circuit closed", "sink", gs.breaker.Name())
		}
	}
	return nil
}

// Degraded reports whether any sink is currently failing past its
// threshold. The store path is unaffected.
func (p *Publisher) Degraded() bool {
	for _, gs := range p.sinks {
		if gs.breaker.IsOpen() {
			return true
		}
	}
	return false
}
