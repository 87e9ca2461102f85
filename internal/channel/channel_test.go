package channel

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govcast/internal/content"
	"govcast/internal/errs"
	"govcast/internal/model"
)

type stubChannel struct{ kind model.Channel }

func (s stubChannel) Kind() model.Channel { return s.kind }
func (s stubChannel) Provider() string    { return "stub" }
func (s stubChannel) Format(c content.Snapshot) (Payload, error) {
	return NewPayload(s.kind, c), nil
}
func (s stubChannel) Attempt(context.Context, model.Recipient, Payload) Outcome {
	return DeliveredOutcome("x")
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(stubChannel{model.ChannelWeb}, stubChannel{model.ChannelSMS}, nil)
	require.NoError(t, err)
	assert.Equal(t, []model.Channel{model.ChannelSMS, model.ChannelWeb}, r.Kinds())

	c, ok := r.Get(model.ChannelSMS)
	require.True(t, ok)
	assert.Equal(t, "stub", c.Provider())

	_, ok = r.Get(model.ChannelIVR)
	assert.False(t, ok)

	_, err = NewRegistry(stubChannel{model.ChannelWeb}, stubChannel{model.ChannelWeb})
	assert.ErrorIs(t, err, ErrDuplicateChannel)

	_, err = NewRegistry(stubChannel{"fax"})
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestPayloadFor(t *testing.T) {
	t.Parallel()

	p := Payload{Default: "en", Messages: map[string]Message{
		"en": {Language: "en", Text: "hello"},
		"sw": {Language: "sw", Text: "habari"},
	}}
	assert.Equal(t, "habari", p.For("SW ").Text)
	assert.Equal(t, "hello", p.For("fr").Text)
	assert.Equal(t, "hello", p.For("").Text)
}

func TestClassifyHTTP(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		code  int
		ra    string
		want  Status
		after time.Duration
	}{
		{"bad request", http.StatusBadRequest, "", Rejected, 0},
		{"not found", http.StatusNotFound, "", Rejected, 0},
		{"throttled", http.StatusTooManyRequests, "7", Transient, 7 * time.Second},
		{"timeout", http.StatusRequestTimeout, "", Transient, 0},
		{"server", http.StatusBadGateway, "junk", Transient, 0},
		{"redirect", http.StatusFound, "", Transient, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			o := ClassifyHTTP(tc.code, "body", tc.ra)
			assert.Equal(t, tc.want, o.Status)
			assert.Equal(t, tc.after, o.RetryAfter)
			assert.NotEmpty(t, o.Reason)
		})
	}
}

func TestClassifyHTTPTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	// Byte 256 falls inside a two-byte rune.
	body := "x" + strings.Repeat("é", 200)
	o := ClassifyHTTP(http.StatusBadRequest, body, "")
	assert.True(t, utf8.ValidString(o.Reason))
	assert.Contains(t, o.Reason, "provider http 400: x")

	cut := truncate(body, maxBodyDetail)
	assert.Len(t, cut, maxBodyDetail-1)
	assert.True(t, utf8.ValidString(cut))
	assert.Equal(t, "short", truncate("short", maxBodyDetail))
}

func TestClassifyErr(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Transient, ClassifyErr(context.DeadlineExceeded).Status)
	assert.Equal(t, Transient, ClassifyErr(errors.New("connection refused")).Status)
}

func TestFormatError(t *testing.T) {
	t.Parallel()

	err := Unformattable(model.ChannelIVR, "no audio for %s", "en")
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, model.ChannelIVR, fe.Channel)
	assert.Equal(t, "format ivr: no audio for en", err.Error())
}

func TestOutcomeKind(t *testing.T) {
	t.Parallel()

	assert.Equal(t, errs.KindPermanentDelivery, RejectedOutcome("bad number").Kind())
	assert.Equal(t, errs.KindTransientDelivery, TransientOutcome(0, "503").Kind())
	assert.Equal(t, errs.KindCircuitOpen, CircuitOpenOutcome(time.Second, "open").Kind())
	assert.Empty(t, AcceptedOutcome("x").Kind())
	assert.Empty(t, DeliveredOutcome("x").Kind())
}
