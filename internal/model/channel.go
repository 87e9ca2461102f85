package model

import "strings"

// Channel names one external communication medium. The set is closed.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelIVR      Channel = "ivr"
	ChannelSocial   Channel = "social"
	ChannelWeb      Channel = "web"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelSMS, ChannelWhatsApp, ChannelIVR, ChannelSocial, ChannelWeb}

func (c Channel) Valid() bool {
	for _, k := range Channels {
		if c == k {
			return true
		}
	}
	return false
}

// ParseChannel normalizes s and checks it against the closed set.
func ParseChannel(s string) (Channel, bool) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	return c, c.Valid()
}

// Citizen is a directory record. The directory owns it; this service only reads it.
type Citizen struct {
	ID         string             `json:"id"`
	Active     bool               `json:"active"`
	Region     string             `json:"region,omitempty"`
	Language   string             `json:"language,omitempty"`
	Age        int                `json:"age,omitempty"`
	Gender     string             `json:"gender,omitempty"`
	Attributes map[string]string  `json:"attributes,omitempty"`
	Addresses  map[Channel]string `json:"addresses,omitempty"`
	OptOut     map[Channel]bool   `json:"opt_out,omitempty"`
}

// Recipient is a citizen resolved for one channel.
type Recipient struct {
	CitizenID string `json:"citizen_id"`
	Address   string `json:"address"`
	Language  string `json:"language,omitempty"`
	Consent   bool   `json:"consent"`
}
