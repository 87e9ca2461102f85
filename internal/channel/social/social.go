// Package social posts content to Telegram chats and channels.
package social

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"govcast/internal/channel"
	"govcast/internal/content"
	"govcast/internal/model"
)

const maxText = 4096

var hashtagRe = regexp.MustCompile(`#[\p{L}\p{N}_]+`)

// Sender is the subset of *tele.Bot used for posting.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Config struct {
	Token string `yaml:"token" json:"token"`
}

type Channel struct {
	sender Sender
}

func New(sender Sender) *Channel { return &Channel{sender: sender} }

// NewBot builds a channel backed by a send-only telebot instance.
func NewBot(cfg Config) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("social: telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Synchronous: true})
	if err != nil {
		return nil, err
	}
	return New(b), nil
}

func (c *Channel) Kind() model.Channel { return model.ChannelSocial }
func (c *Channel) Provider() string    { return "telegram" }

// Hashtags returns unique hashtags in first-seen order.
func Hashtags(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, h := range hashtagRe.FindAllString(text, -1) {
		k := strings.ToLower(h)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, h)
	}
	return out
}

func (c *Channel) Format(s content.Snapshot) (channel.Payload, error) {
	p := channel.NewPayload(model.ChannelSocial, s)
	for _, lang := range s.Languages() {
		text := strings.TrimSpace(s.TextFor(lang))
		if text == "" {
			return channel.Payload{}, channel.Unformattable(model.ChannelSocial, "empty text for %q", lang)
		}
		if r := []rune(text); len(r) > maxText {
			text = string(r[:maxText-1]) + "…"
		}
		media := ""
		if len(s.MediaURLs) > 0 {
			media = s.MediaURLs[0]
		}
		lang = strings.ToLower(lang)
		p.Messages[lang] = channel.Message{Language: lang, Text: text, Hashtags: Hashtags(text), MediaURL: media}
	}
	return p, nil
}

type username string

func (u username) Recipient() string { return string(u) }

func recipient(addr string) tele.Recipient {
	if id, err := strconv.ParseInt(addr, 10, 64); err == nil {
		return tele.ChatID(id)
	}
	if !strings.HasPrefix(addr, "@") {
		addr = "@" + addr
	}
	return username(addr)
}

// Attempt posts synchronously; Telegram confirms delivery in the response.
func (c *Channel) Attempt(ctx context.Context, r model.Recipient, p channel.Payload) channel.Outcome {
	if err := ctx.Err(); err != nil {
		return channel.ClassifyErr(err)
	}
	msg := p.For(r.Language)
	if msg.Text == "" {
		return channel.RejectedOutcome("no social text for %q", r.Language)
	}
	var what interface{} = msg.Text
	if msg.MediaURL != "" {
		what = &tele.Photo{File: tele.FromURL(msg.MediaURL), Caption: msg.Text}
	}
	m, err := c.sender.Send(recipient(r.Address), what)
	if err != nil {
		return classify(err)
	}
	if m == nil {
		return channel.TransientOutcome(0, "telegram returned no message")
	}
	id := strconv.Itoa(m.ID)
	if m.Chat != nil {
		id = strconv.FormatInt(m.Chat.ID, 10) + ":" + id
	}
	return channel.DeliveredOutcome(id)
}

func classify(err error) channel.Outcome {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return channel.TransientOutcome(time.Duration(flood.RetryAfter)*time.Second, "telegram flood control")
	}
	if errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrChatNotFound) {
		return channel.RejectedOutcome("telegram: %v", err)
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code >= 400 && te.Code < 500 && te.Code != 429 {
		return channel.RejectedOutcome("telegram: %v", err)
	}
	return channel.TransientOutcome(0, "telegram: %v", err)
}
