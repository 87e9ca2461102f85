package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire form of an event.
type Envelope struct {
	Meta Meta            `json:"meta"`
	Data json.RawMessage `json:"data"`
}

type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
}

// Seal turns an in-process event into an envelope with a fresh ID.
// The correlation ID falls back to the envelope ID.
func Seal(producer string, e Event) (Envelope, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", e.Type, err)
	}
	id := uuid.NewString()
	corr := e.CorrelationID
	if corr == "" {
		corr = id
	}
	t := e.Time
	if t.IsZero() {
		t = time.Now()
	}
	return Envelope{
		Meta: Meta{ID: id, Type: e.Type, CorrelationID: corr, Producer: producer, Time: t.UTC()},
		Data: data,
	}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty data", e.Meta.Type)
	}
	return json.Unmarshal(e.Data, v)
}
