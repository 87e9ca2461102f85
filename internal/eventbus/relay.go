package eventbus

import (
	"context"
	"time"

	logx "govcast/pkg/logx"
)

// Publisher ships envelopes to an external broker.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Relay forwards matching bus events to external publishers. Delivery is
// best-effort: a failing publisher is logged and the event is not retried.
type Relay struct {
	bus      Bus
	pubs     []Publisher
	types    []string
	producer string
	timeout  time.Duration
	log      logx.Logger
}

func NewRelay(bus Bus, producer string, types []string, log logx.Logger, pubs ...Publisher) *Relay {
	if len(types) == 0 {
		types = []string{"broadcast.*", "delivery.*"}
	}
	return &Relay{bus: bus, pubs: pubs, types: types, producer: producer, timeout: 5 * time.Second, log: log.With(logx.String("comp", "eventbus.relay"))}
}

// Run blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	if len(r.pubs) == 0 {
		<-ctx.Done()
		return nil
	}
	ch, unsub := r.bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if !Match(e.Type, r.types) {
				continue
			}
			r.forward(ctx, e)
		}
	}
}

func (r *Relay) forward(ctx context.Context, e Event) {
	env, err := Seal(r.producer, e)
	if err != nil {
		r.log.Warn("relay: seal failed", logx.String("type", e.Type), logx.Err(err))
		return
	}
	for _, p := range r.pubs {
		pctx, cancel := context.WithTimeout(ctx, r.timeout)
		if err := p.Publish(pctx, env); err != nil {
			r.log.Warn("relay: publish failed", logx.String("broker", p.Name()), logx.String("type", e.Type), logx.Corr(env.Meta.CorrelationID), logx.Err(err))
		}
		cancel()
	}
}

// Close closes every publisher.
func (r *Relay) Close() error {
	var first error
	for _, p := range r.pubs {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
