package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	logx "govcast/pkg/logx"
)

type AMQPConfig struct {
	URL      string `yaml:"url" json:"url"`
	Exchange string `yaml:"exchange" json:"exchange"`
	Prefetch int    `yaml:"prefetch" json:"prefetch"`
}

// ErrPoison marks a message that can never be processed (bad JSON, unknown
// type). Poison messages are acknowledged and dropped.
var ErrPoison = errors.New("poison message")

// Handler processes one envelope. A nil error acks; ErrPoison acks and
// drops; any other error requeues once, then drops.
type Handler func(ctx context.Context, env Envelope) error

// ConsumerSpec binds a queue to routing keys on the exchange.
type ConsumerSpec struct {
	Name     string
	Queue    string
	Bindings []string
	Handle   Handler
}

// AMQP publishes to a durable topic exchange (routing key = event type)
// and runs queue consumers.
type AMQP struct {
	cfg AMQPConfig
	log logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	pub  *amqp.Channel
}

func NewAMQP(cfg AMQPConfig, log logx.Logger) (*AMQP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp: url is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "govcast.events"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}
	a := &AMQP{cfg: cfg, log: log.With(logx.String("comp", "eventbus.amqp"))}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connectLocked(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AMQP) connectLocked() error {
	if a.conn != nil && !a.conn.IsClosed() {
		return nil
	}
	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	a.conn, a.pub = conn, ch
	return nil
}

func (a *AMQP) Name() string { return "amqp" }

func (a *AMQP) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connectLocked(); err != nil {
		return err
	}
	err = a.pub.PublishWithContext(ctx, a.cfg.Exchange, env.Meta.Type, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         env.Meta.Producer,
	})
	if err != nil && a.pub.IsClosed() {
		// Force a redial on the next publish.
		_ = a.conn.Close()
	}
	return err
}

// Consume declares the queue, binds it and processes deliveries until ctx
// ends or the channel closes. It returns an error on channel loss so a
// supervisor can restart it.
func (a *AMQP) Consume(ctx context.Context, spec ConsumerSpec) error {
	a.mu.Lock()
	err := a.connectLocked()
	conn := a.conn
	a.mu.Unlock()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("consumer channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(a.cfg.Prefetch, 0, false); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(spec.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", spec.Queue, err)
	}
	for _, key := range spec.Bindings {
		if err := ch.QueueBind(spec.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", spec.Queue, key, err)
		}
	}
	msgs, err := ch.Consume(spec.Queue, spec.Name, false, false, false, false, nil)
	if err != nil {
		return err
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	a.log.Info("consumer started", logx.String("name", spec.Name), logx.String("queue", spec.Queue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case cerr := <-closed:
			return fmt.Errorf("consumer %s: channel closed: %v", spec.Name, cerr)
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("consumer %s: delivery stream ended", spec.Name)
			}
			a.handle(ctx, spec, d)
		}
	}
}

func (a *AMQP) handle(ctx context.Context, spec ConsumerSpec, d amqp.Delivery) {
	var env Envelope
	err := json.Unmarshal(d.Body, &env)
	if err != nil {
		err = ErrPoison
	} else {
		hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = spec.Handle(hctx, env)
		cancel()
	}

	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrPoison):
		a.log.Warn("poison message dropped", logx.String("consumer", spec.Name), logx.String("id", d.MessageId))
		_ = d.Ack(false)
	case !d.Redelivered:
		a.log.Debug("message requeued", logx.String("consumer", spec.Name), logx.String("id", d.MessageId), logx.Err(err))
		_ = d.Nack(false, true)
	default:
		a.log.Warn("message dropped after redelivery", logx.String("consumer", spec.Name), logx.String("id", d.MessageId), logx.Err(err))
		_ = d.Nack(false, false)
	}
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}
