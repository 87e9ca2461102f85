// Package whatsapp sends template messages through the WhatsApp Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"govcast/internal/channel"
	"govcast/internal/content"
	"govcast/internal/model"
)

type Config struct {
	BaseURL       string        `yaml:"base_url" json:"base_url"`
	PhoneNumberID string        `yaml:"phone_number_id" json:"phone_number_id"`
	Token         string        `yaml:"token" json:"token"`
	Template      string        `yaml:"template" json:"template"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
}

type Channel struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Channel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Template == "" {
		cfg.Template = "public_notice"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Channel{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (c *Channel) Kind() model.Channel { return model.ChannelWhatsApp }
func (c *Channel) Provider() string    { return "whatsapp-cloud" }

// Format binds each language variant to the configured template. The first
// media URL, if any, becomes the template header image.
func (c *Channel) Format(s content.Snapshot) (channel.Payload, error) {
	p := channel.NewPayload(model.ChannelWhatsApp, s)
	media := ""
	if len(s.MediaURLs) > 0 {
		media = s.MediaURLs[0]
	}
	for _, lang := range s.Languages() {
		text := strings.TrimSpace(s.TextFor(lang))
		if text == "" {
			return channel.Payload{}, channel.Unformattable(model.ChannelWhatsApp, "empty text for %q", lang)
		}
		lang = strings.ToLower(lang)
		p.Messages[lang] = channel.Message{
			Language: lang,
			Text:     text,
			Template: c.cfg.Template,
			Params:   map[string]string{"title": s.Title, "body": text},
			MediaURL: media,
		}
	}
	return p, nil
}

type textParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type component struct {
	Type       string `json:"type"`
	Parameters []any  `json:"parameters"`
}

type sendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Template         struct {
		Name       string            `json:"name"`
		Language   map[string]string `json:"language"`
		Components []component       `json:"components,omitempty"`
	} `json:"template"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (c *Channel) Attempt(ctx context.Context, r model.Recipient, p channel.Payload) channel.Outcome {
	msg := p.For(r.Language)
	if msg.Text == "" {
		return channel.RejectedOutcome("no whatsapp text for %q", r.Language)
	}

	var req sendRequest
	req.MessagingProduct = "whatsapp"
	req.To = strings.TrimPrefix(r.Address, "+")
	req.Type = "template"
	req.Template.Name = msg.Template
	req.Template.Language = map[string]string{"code": msg.Language}
	if msg.MediaURL != "" {
		req.Template.Components = append(req.Template.Components, component{
			Type:       "header",
			Parameters: []any{map[string]any{"type": "image", "image": map[string]string{"link": msg.MediaURL}}},
		})
	}
	req.Template.Components = append(req.Template.Components, component{
		Type:       "body",
		Parameters: []any{textParam{Type: "text", Text: msg.Text}},
	})

	b, err := json.Marshal(req)
	if err != nil {
		return channel.RejectedOutcome("encode: %v", err)
	}
	url := fmt.Sprintf("%s/%s/messages", c.cfg.BaseURL, c.cfg.PhoneNumberID)
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return channel.RejectedOutcome("build request: %v", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return channel.ClassifyErr(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return channel.ClassifyHTTP(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
	}

	var out sendResponse
	if err := json.Unmarshal(body, &out); err != nil || len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return channel.TransientOutcome(0, "whatsapp: malformed response")
	}
	return channel.AcceptedOutcome(out.Messages[0].ID)
}
