// Package ivr places outbound voice calls that play pre-recorded audio.
package ivr

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"govcast/internal/channel"
	"govcast/internal/content"
	"govcast/internal/model"
)

type Config struct {
	BaseURL  string        `yaml:"base_url" json:"base_url"`
	APIKey   string        `yaml:"api_key" json:"api_key"`
	CallerID string        `yaml:"caller_id" json:"caller_id"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

type Channel struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Channel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Channel{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (c *Channel) Kind() model.Channel { return model.ChannelIVR }
func (c *Channel) Provider() string    { return "voice-gateway" }

// Format selects an audio reference per language. Languages without a
// recording fall back to the base language recording; content with no
// base recording cannot be voiced.
func (c *Channel) Format(s content.Snapshot) (channel.Payload, error) {
	base := strings.TrimSpace(s.AudioRefs[s.Language])
	if base == "" {
		return channel.Payload{}, channel.Unformattable(model.ChannelIVR, "no audio for base language %q", s.Language)
	}
	p := channel.NewPayload(model.ChannelIVR, s)
	for _, lang := range s.Languages() {
		ref := strings.TrimSpace(s.AudioRefs[lang])
		if ref == "" {
			ref = base
		}
		lang = strings.ToLower(lang)
		p.Messages[lang] = channel.Message{Language: lang, AudioURL: ref, Text: s.TextFor(lang)}
	}
	return p, nil
}

type callRequest struct {
	To       string `json:"to"`
	From     string `json:"from,omitempty"`
	AudioURL string `json:"audio_url"`
	Language string `json:"language"`
}

type callResponse struct {
	CallID string `json:"call_id"`
}

func (c *Channel) Attempt(ctx context.Context, r model.Recipient, p channel.Payload) channel.Outcome {
	msg := p.For(r.Language)
	if msg.AudioURL == "" {
		return channel.RejectedOutcome("no audio for %q", r.Language)
	}
	b, err := json.Marshal(callRequest{To: r.Address, From: c.cfg.CallerID, AudioURL: msg.AudioURL, Language: msg.Language})
	if err != nil {
		return channel.RejectedOutcome("encode: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/calls", bytes.NewReader(b))
	if err != nil {
		return channel.RejectedOutcome("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return channel.ClassifyErr(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return channel.ClassifyHTTP(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
	}
	var out callResponse
	if err := json.Unmarshal(body, &out); err != nil || out.CallID == "" {
		return channel.TransientOutcome(0, "ivr: malformed response")
	}
	return channel.AcceptedOutcome(out.CallID)
}
