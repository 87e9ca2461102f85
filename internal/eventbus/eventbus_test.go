package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "govcast/pkg/logx"
)

func TestBusFanOutAndDrop(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "y"})

	assert.Equal(t, "x", (<-a).Type)
	assert.Equal(t, "x", (<-c).Type)
	assert.Equal(t, "y", (<-c).Type)
	assert.Equal(t, uint64(1), Dropped(b))

	unsubA()
	unsubA()
	_, ok := <-a
	assert.False(t, ok)
	b.Publish(Event{Type: "z"})
}

func TestMatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		typ      string
		patterns []string
		want     bool
	}{
		{"delivery.stats", []string{"delivery.*"}, true},
		{"delivery.stats", []string{"broadcast.*"}, false},
		{"broadcast.completed", []string{"broadcast.completed"}, true},
		{"anything", []string{"*"}, true},
		{"deliveryx", []string{"delivery.*"}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Match(tc.typ, tc.patterns), tc.typ)
	}
}

func TestSeal(t *testing.T) {
	t.Parallel()

	env, err := Seal("govcast", Event{Type: "broadcast.completed", Data: map[string]string{"id": "b1"}})
	require.NoError(t, err)
	assert.NotEmpty(t, env.Meta.ID)
	assert.Equal(t, env.Meta.ID, env.Meta.CorrelationID)
	assert.False(t, env.Meta.Time.IsZero())

	var got map[string]string
	require.NoError(t, env.Decode(&got))
	assert.Equal(t, "b1", got["id"])

	env, err = Seal("govcast", Event{Type: "t", CorrelationID: "corr-1", Data: 1})
	require.NoError(t, err)
	assert.Equal(t, "corr-1", env.Meta.CorrelationID)

	_, err = Seal("govcast", Event{Type: "bad", Data: make(chan int)})
	assert.Error(t, err)
}

type capturePublisher struct {
	mu   sync.Mutex
	envs []Envelope
	err  error
}

func (p *capturePublisher) Name() string { return "capture" }
func (p *capturePublisher) Close() error { return nil }
func (p *capturePublisher) Publish(_ context.Context, env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return p.err
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.envs))
	for _, e := range p.envs {
		out = append(out, e.Meta.Type)
	}
	return out
}

func TestRelayForwardsMatchingTypes(t *testing.T) {
	t.Parallel()

	bus := New()
	pub := &capturePublisher{err: errors.New("broker down")}
	r := NewRelay(bus, "govcast", []string{"delivery.*"}, logx.Nop(), pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	// Publish until the relay has subscribed and forwarded one event.
	require.Eventually(t, func() bool {
		bus.Publish(Event{Type: "delivery.stats", Data: 1})
		return len(pub.types()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	bus.Publish(Event{Type: "task.started"})
	bus.Publish(Event{Type: "delivery.outcome", Data: 2})
	require.Eventually(t, func() bool {
		return slices.Contains(pub.types(), "delivery.outcome")
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.NotContains(t, pub.types(), "task.started")
	pub.mu.Lock()
	assert.Equal(t, "govcast", pub.envs[0].Meta.Producer)
	pub.mu.Unlock()
}

func TestKafkaPublish(t *testing.T) {
	t.Parallel()

	prod := mocks.NewSyncProducer(t, nil)
	prod.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		if m.Topic != "events" {
			return errors.New("wrong topic")
		}
		k, _ := m.Key.Encode()
		if string(k) != "corr-7" {
			return errors.New("wrong key")
		}
		return nil
	})
	prod.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	k := NewKafkaWithProducer("events", prod)
	env := Envelope{Meta: Meta{ID: "e1", Type: "delivery.stats", CorrelationID: "corr-7"}, Data: json.RawMessage(`{}`)}
	require.NoError(t, k.Publish(context.Background(), env))
	assert.ErrorIs(t, k.Publish(context.Background(), env), sarama.ErrOutOfBrokers)
	require.NoError(t, k.Close())
}

type fakeAck struct {
	acked, nacked, requeued int
}

func (f *fakeAck) Ack(uint64, bool) error {
	f.acked++
	return nil
}

func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	if requeue {
		f.requeued++
	}
	return nil
}

func (f *fakeAck) Reject(uint64, bool) error { return nil }

func TestAMQPHandleAckPolicy(t *testing.T) {
	t.Parallel()

	good, err := json.Marshal(Envelope{Meta: Meta{ID: "1", Type: "delivery.callback"}, Data: json.RawMessage(`{}`)})
	require.NoError(t, err)

	cases := []struct {
		name        string
		body        []byte
		redelivered bool
		handlerErr  error
		want        fakeAck
	}{
		{"ok", good, false, nil, fakeAck{acked: 1}},
		{"bad json", []byte("{"), false, nil, fakeAck{acked: 1}},
		{"poison from handler", good, false, ErrPoison, fakeAck{acked: 1}},
		{"transient first time", good, false, errors.New("later"), fakeAck{nacked: 1, requeued: 1}},
		{"transient redelivered", good, true, errors.New("later"), fakeAck{nacked: 1}},
	}
	a := &AMQP{log: logx.Nop()}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ack := &fakeAck{}
			spec := ConsumerSpec{Name: "c", Handle: func(context.Context, Envelope) error { return tc.handlerErr }}
			a.handle(context.Background(), spec, amqp.Delivery{Acknowledger: ack, Body: tc.body, Redelivered: tc.redelivered})
			assert.Equal(t, tc.want, *ack)
		})
	}
}
