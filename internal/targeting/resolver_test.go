package targeting

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govcast/internal/directory"
	"govcast/internal/model"
)

func citizen(id, region, phone string) model.Citizen {
	return model.Citizen{
		ID:        id,
		Active:    true,
		Region:    region,
		Language:  "en",
		Addresses: map[model.Channel]string{model.ChannelSMS: phone, model.ChannelWeb: id},
	}
}

func newDir() *directory.Memory {
	d := directory.NewMemory()
	inactive := citizen("inactive", "north", "+255700000009")
	inactive.Active = false
	optedOut := citizen("optout", "north", "+255700000008")
	optedOut.OptOut = map[model.Channel]bool{model.ChannelSMS: true}
	noPhone := citizen("nophone", "north", "")

	d.Add("t1",
		citizen("a", "north", "+255 700 000 001"),
		citizen("b", "north", "+255700000002"),
		citizen("a", "north", "+255700000001"),       // duplicate record
		citizen("twin", "north", "+255-700-000-002"), // shares b's phone
		citizen("c", "south", "+255700000003"),
		inactive, optedOut, noPhone,
	)
	return d
}

func ids(t *testing.T, seq iter.Seq2[model.Recipient, error]) []string {
	t.Helper()
	var out []string
	for r, err := range seq {
		require.NoError(t, err)
		out = append(out, r.CitizenID)
	}
	return out
}

func TestRecipientsFiltersAndDeduplicates(t *testing.T) {
	t.Parallel()

	r := New(newDir())
	crit := model.Criteria{Regions: []string{"north"}}

	assert.Equal(t, []string{"a", "b"}, ids(t, r.Recipients(context.Background(), "t1", crit, model.ChannelSMS)))

	// Web has no phone requirement and ignores the sms opt-out.
	assert.Equal(t, []string{"a", "b", "twin", "optout", "nophone"},
		ids(t, r.Recipients(context.Background(), "t1", crit, model.ChannelWeb)))
}

func TestDigitlessPhonesAreIneligible(t *testing.T) {
	t.Parallel()

	d := directory.NewMemory()
	d.Add("t1",
		citizen("x", "north", "unknown"),
		citizen("y", "north", "+"),
		citizen("z", "north", "+255700000004"),
	)
	r := New(d)
	assert.Equal(t, []string{"z"}, ids(t, r.Recipients(context.Background(), "t1", model.Criteria{}, model.ChannelSMS)))
	assert.Equal(t, []string{"x", "y", "z"}, ids(t, r.Recipients(context.Background(), "t1", model.Criteria{}, model.ChannelWeb)))
}

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ch   model.Channel
		in   string
		want string
	}{
		{model.ChannelSMS, "+255 700-000 001", "+255700000001"},
		{model.ChannelWhatsApp, "(0700) 000 001", "0700000001"},
		{model.ChannelIVR, "n/a", ""},
		{model.ChannelSMS, "+", ""},
		{model.ChannelSocial, "@Gov_Ops", "@gov_ops"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeAddress(tt.ch, tt.in), "%s %q", tt.ch, tt.in)
	}
}

func TestRecipientsRestartable(t *testing.T) {
	t.Parallel()

	seq := New(newDir()).Recipients(context.Background(), "t1", model.Criteria{}, model.ChannelSMS)
	first := ids(t, seq)
	second := ids(t, seq)
	assert.Equal(t, first, second)
	assert.Len(t, first, 3)
}

func TestEstimate(t *testing.T) {
	t.Parallel()

	r := New(newDir())
	reach, err := r.Estimate(context.Background(), "t1", model.Criteria{Regions: []string{"north"}},
		[]model.Channel{model.ChannelSMS, model.ChannelWeb})
	require.NoError(t, err)
	assert.Equal(t, 2, reach.Channels[model.ChannelSMS])
	assert.Equal(t, 5, reach.Channels[model.ChannelWeb])
	assert.Equal(t, 5, reach.Total)
}

func TestEstimateZeroMatches(t *testing.T) {
	t.Parallel()

	reach, err := New(newDir()).Estimate(context.Background(), "t1", model.Criteria{Regions: []string{"atlantis"}},
		[]model.Channel{model.ChannelSMS})
	require.NoError(t, err)
	assert.Zero(t, reach.Total)
	assert.Zero(t, reach.Channels[model.ChannelSMS])
}

type brokenDir struct{}

func (brokenDir) Citizens(context.Context, string, model.Criteria, model.Channel) iter.Seq2[model.Citizen, error] {
	return func(yield func(model.Citizen, error) bool) {
		yield(model.Citizen{}, errors.New("directory unreachable"))
	}
}

func TestDirectoryErrorsPropagate(t *testing.T) {
	t.Parallel()

	_, err := New(brokenDir{}).Estimate(context.Background(), "t1", model.Criteria{}, []model.Channel{model.ChannelSMS})
	assert.EqualError(t, err, "directory unreachable")
}
