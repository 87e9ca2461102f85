// Package channel defines the delivery channel contract and the shared
// outcome vocabulary every channel adapter reports in.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"govcast/internal/content"
	"govcast/internal/errs"
	"govcast/internal/model"
)

// Status is the classified result of one delivery attempt.
type Status string

const (
	// Accepted means the provider took the message; final state arrives by callback.
	Accepted Status = "accepted"
	// Delivered means the provider confirmed delivery synchronously.
	Delivered Status = "delivered"
	// Rejected is a permanent failure. The attempt must not be retried.
	Rejected Status = "rejected"
	// Transient is a retryable failure.
	Transient Status = "transient"
	// CircuitOpen means the attempt was short-circuited before any network I/O.
	CircuitOpen Status = "circuit_open"
)

// Kind maps a failed outcome to its error kind. Successful outcomes map to "".
func (o Outcome) Kind() errs.Kind {
	switch o.Status {
	case Rejected:
		return errs.KindPermanentDelivery
	case Transient:
		return errs.KindTransientDelivery
	case CircuitOpen:
		return errs.KindCircuitOpen
	}
	return ""
}

// Outcome is what an adapter reports for one attempt. Adapters never return
// errors for provider failures; they classify them here instead.
type Outcome struct {
	Status     Status
	ExternalID string
	Reason     string
	RetryAfter time.Duration
}

func AcceptedOutcome(externalID string) Outcome {
	return Outcome{Status: Accepted, ExternalID: externalID}
}

func DeliveredOutcome(externalID string) Outcome {
	return Outcome{Status: Delivered, ExternalID: externalID}
}

func RejectedOutcome(format string, args ...any) Outcome {
	return Outcome{Status: Rejected, Reason: fmt.Sprintf(format, args...)}
}

func TransientOutcome(retryAfter time.Duration, format string, args ...any) Outcome {
	return Outcome{Status: Transient, Reason: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

func CircuitOpenOutcome(retryAfter time.Duration, reason string) Outcome {
	return Outcome{Status: CircuitOpen, Reason: reason, RetryAfter: retryAfter}
}

// Message is the rendered form of content for one language.
type Message struct {
	Language string            `json:"language"`
	Text     string            `json:"text,omitempty"`
	Segments int               `json:"segments,omitempty"`
	Template string            `json:"template,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	MediaURL string            `json:"media_url,omitempty"`
	AudioURL string            `json:"audio_url,omitempty"`
	Hashtags []string          `json:"hashtags,omitempty"`
	HTML     string            `json:"html,omitempty"`
}

// Payload is content formatted for one channel, keyed by language.
type Payload struct {
	Channel   model.Channel      `json:"channel"`
	ContentID string             `json:"content_id"`
	Default   string             `json:"default"`
	Messages  map[string]Message `json:"messages"`
}

// For returns the message for lang, falling back to the default language.
func (p Payload) For(lang string) Message {
	if m, ok := p.Messages[strings.ToLower(strings.TrimSpace(lang))]; ok {
		return m
	}
	return p.Messages[p.Default]
}

// NewPayload builds an empty payload for ch seeded with the snapshot's base language.
func NewPayload(ch model.Channel, s content.Snapshot) Payload {
	return Payload{
		Channel:   ch,
		ContentID: s.ID,
		Default:   strings.ToLower(s.Language),
		Messages:  make(map[string]Message, len(s.Translations)+1),
	}
}

// Channel is one external communication medium.
//
// Format is pure and deterministic. Attempt performs exactly one send and
// must honor ctx cancellation.
type Channel interface {
	Kind() model.Channel
	Provider() string
	Format(s content.Snapshot) (Payload, error)
	Attempt(ctx context.Context, r model.Recipient, p Payload) Outcome
}

var (
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrDuplicateChannel = errors.New("duplicate channel")
)

// FormatError reports content that cannot be represented on a channel.
type FormatError struct {
	Channel model.Channel
	Reason  string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format %s: %s", e.Channel, e.Reason)
}

func Unformattable(ch model.Channel, format string, args ...any) error {
	return &FormatError{Channel: ch, Reason: fmt.Sprintf(format, args...)}
}

// Registry holds at most one adapter per channel kind.
type Registry struct {
	byKind map[model.Channel]Channel
}

func NewRegistry(chs ...Channel) (*Registry, error) {
	r := &Registry{byKind: make(map[model.Channel]Channel, len(chs))}
	for _, c := range chs {
		if c == nil {
			continue
		}
		k := c.Kind()
		if !k.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, k)
		}
		if _, dup := r.byKind[k]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateChannel, k)
		}
		r.byKind[k] = c
	}
	return r, nil
}

func (r *Registry) Get(k model.Channel) (Channel, bool) {
	if r == nil {
		return nil, false
	}
	c, ok := r.byKind[k]
	return c, ok
}

// Kinds returns registered channel kinds in canonical order.
func (r *Registry) Kinds() []model.Channel {
	out := make([]model.Channel, 0, len(r.byKind))
	for _, k := range model.Channels {
		if _, ok := r.byKind[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// ClassifyHTTP maps a provider HTTP response to an outcome status.
// 429, 408 and 5xx are transient; other 4xx are permanent.
func ClassifyHTTP(code int, body string, retryAfter string) Outcome {
	body = truncate(strings.TrimSpace(body), maxBodyDetail)
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return TransientOutcome(parseRetryAfter(retryAfter), "provider http %d: %s", code, body)
	case code >= 400:
		return RejectedOutcome("provider http %d: %s", code, body)
	default:
		return TransientOutcome(0, "unexpected provider http %d", code)
	}
}

// ClassifyErr maps a transport error. Transport errors are always transient.
func ClassifyErr(err error) Outcome {
	var ne net.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return TransientOutcome(0, "attempt aborted: %v", err)
	case errors.As(err, &ne) && ne.Timeout():
		return TransientOutcome(0, "provider timeout: %v", err)
	default:
		return TransientOutcome(0, "provider unreachable: %v", err)
	}
}

const maxBodyDetail = 256

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
