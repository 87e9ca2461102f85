// Package targeting turns segment criteria into the recipients of each channel.
package targeting

import (
	"context"
	"iter"
	"strings"
	"unicode"

	"govcast/internal/directory"
	"govcast/internal/model"
)

// Resolver applies criteria and per-channel eligibility to the directory stream.
type Resolver struct {
	dir directory.Source
}

func New(dir directory.Source) *Resolver { return &Resolver{dir: dir} }

// Recipients streams the eligible, de-duplicated recipients of ch. A citizen
// is eligible when it matches c, is active, has a non-empty address for ch
// and has not opted out of ch. Ranging again re-reads the directory.
func (r *Resolver) Recipients(ctx context.Context, tenantID string, c model.Criteria, ch model.Channel) iter.Seq2[model.Recipient, error] {
	return func(yield func(model.Recipient, error) bool) {
		seenID := map[string]struct{}{}
		seenAddr := map[string]struct{}{}
		for z, err := range r.dir.Citizens(ctx, tenantID, c, ch) {
			if err != nil {
				yield(model.Recipient{}, err)
				return
			}
			rcp, ok := eligible(z, c, ch)
			if !ok {
				continue
			}
			if _, dup := seenID[rcp.CitizenID]; dup {
				continue
			}
			addr := normalizeAddress(ch, rcp.Address)
			if addr == "" {
				continue
			}
			if _, dup := seenAddr[addr]; dup {
				continue
			}
			seenID[rcp.CitizenID] = struct{}{}
			seenAddr[addr] = struct{}{}
			if !yield(rcp, nil) {
				return
			}
		}
	}
}

// Reach is a count-only view of a targeting run.
type Reach struct {
	Total    int                   `json:"total"`
	Channels map[model.Channel]int `json:"channels"`
}

// Estimate counts recipients per channel plus distinct citizens over all
// channels. It reads the directory only.
func (r *Resolver) Estimate(ctx context.Context, tenantID string, c model.Criteria, chs []model.Channel) (Reach, error) {
	out := Reach{Channels: make(map[model.Channel]int, len(chs))}
	unique := map[string]struct{}{}
	for _, ch := range chs {
		n := 0
		for rcp, err := range r.Recipients(ctx, tenantID, c, ch) {
			if err != nil {
				return Reach{}, err
			}
			n++
			unique[rcp.CitizenID] = struct{}{}
		}
		out.Channels[ch] = n
	}
	out.Total = len(unique)
	return out, nil
}

func eligible(z model.Citizen, c model.Criteria, ch model.Channel) (model.Recipient, bool) {
	if z.ID == "" || !z.Active || z.OptOut[ch] || !c.Match(z) {
		return model.Recipient{}, false
	}
	addr := strings.TrimSpace(z.Addresses[ch])
	if addr == "" {
		return model.Recipient{}, false
	}
	return model.Recipient{CitizenID: z.ID, Address: addr, Language: z.Language, Consent: true}, true
}

// normalizeAddress folds formatting differences so two records that point at
// the same phone or handle collapse into one delivery. A phone address without
// digits normalizes to "" and cannot be delivered to.
func normalizeAddress(ch model.Channel, addr string) string {
	switch ch {
	case model.ChannelSMS, model.ChannelWhatsApp, model.ChannelIVR:
		var b strings.Builder
		digits := 0
		for i, r := range addr {
			switch {
			case unicode.IsDigit(r):
				digits++
				b.WriteRune(r)
			case r == '+' && i == 0:
				b.WriteRune(r)
			}
		}
		if digits == 0 {
			return ""
		}
		return b.String()
	default:
		return strings.ToLower(addr)
	}
}
