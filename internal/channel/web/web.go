// Package web publishes content to citizens' portal inboxes kept in Redis.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"html/template"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"govcast/internal/channel"
	"govcast/internal/content"
	"govcast/internal/model"
)

const (
	defaultPrefix   = "govcast:inbox:"
	defaultMaxItems = 200
)

var page = template.Must(template.New("notice").Parse(
	`<article class="notice" lang="{{.Lang}}">` +
		`{{if .Title}}<h2>{{.Title}}</h2>{{end}}` +
		`{{range .Paragraphs}}<p>{{.}}</p>{{end}}` +
		`{{range .Media}}<img src="{{.}}" alt="">{{end}}` +
		`</article>`))

type Config struct {
	Prefix   string `yaml:"prefix" json:"prefix"`
	MaxItems int64  `yaml:"max_items" json:"max_items"`
}

type Channel struct {
	cfg Config
	rdb redis.UniversalClient
	now func() time.Time
}

func New(cfg Config, rdb redis.UniversalClient) *Channel {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = defaultMaxItems
	}
	return &Channel{cfg: cfg, rdb: rdb, now: time.Now}
}

func (c *Channel) Kind() model.Channel { return model.ChannelWeb }
func (c *Channel) Provider() string    { return "portal-inbox" }

func (c *Channel) Format(s content.Snapshot) (channel.Payload, error) {
	p := channel.NewPayload(model.ChannelWeb, s)
	for _, lang := range s.Languages() {
		text := strings.TrimSpace(s.TextFor(lang))
		if text == "" {
			return channel.Payload{}, channel.Unformattable(model.ChannelWeb, "empty text for %q", lang)
		}
		lang = strings.ToLower(lang)
		var buf bytes.Buffer
		err := page.Execute(&buf, struct {
			Lang       string
			Title      string
			Paragraphs []string
			Media      []string
		}{lang, s.Title, splitParagraphs(text), s.MediaURLs})
		if err != nil {
			return channel.Payload{}, channel.Unformattable(model.ChannelWeb, "render %q: %v", lang, err)
		}
		p.Messages[lang] = channel.Message{Language: lang, Text: text, HTML: buf.String()}
	}
	return p, nil
}

func splitParagraphs(text string) []string {
	var out []string
	for _, part := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Item is one inbox entry as stored in Redis.
type Item struct {
	ID        string    `json:"id"`
	ContentID string    `json:"content_id"`
	Language  string    `json:"language"`
	HTML      string    `json:"html"`
	PostedAt  time.Time `json:"posted_at"`
}

// InboxKey returns the Redis list key for an inbox address.
func (c *Channel) InboxKey(address string) string { return c.cfg.Prefix + address }

// Attempt prepends the rendered notice to the inbox list and trims it.
// The write is synchronous, so the outcome is delivered.
func (c *Channel) Attempt(ctx context.Context, r model.Recipient, p channel.Payload) channel.Outcome {
	msg := p.For(r.Language)
	if msg.HTML == "" {
		return channel.RejectedOutcome("no web rendering for %q", r.Language)
	}
	it := Item{ID: uuid.NewString(), ContentID: p.ContentID, Language: msg.Language, HTML: msg.HTML, PostedAt: c.now().UTC()}
	b, err := json.Marshal(it)
	if err != nil {
		return channel.RejectedOutcome("encode: %v", err)
	}
	key := c.InboxKey(r.Address)
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, b)
		pipe.LTrim(ctx, key, 0, c.cfg.MaxItems-1)
		return nil
	})
	if err != nil {
		return channel.ClassifyErr(err)
	}
	return channel.DeliveredOutcome(it.ID)
}
