// Package sms delivers text messages through Amazon SNS.
package sms

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"

	"govcast/internal/channel"
	"govcast/internal/content"
	"govcast/internal/model"
)

const defaultMaxSegments = 6

// Gateway is the subset of the SNS client used here.
type Gateway interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type Config struct {
	Region      string `yaml:"region" json:"region"`
	SenderID    string `yaml:"sender_id" json:"sender_id"`
	SMSType     string `yaml:"sms_type" json:"sms_type"`
	MaxSegments int    `yaml:"max_segments" json:"max_segments"`
}

type Channel struct {
	cfg Config
	gw  Gateway
}

// New builds an SMS channel on top of gw.
func New(cfg Config, gw Gateway) *Channel {
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = defaultMaxSegments
	}
	if cfg.SMSType == "" {
		cfg.SMSType = "Transactional"
	}
	return &Channel{cfg: cfg, gw: gw}
}

// NewSNS loads the default AWS credential chain and returns an SNS-backed channel.
func NewSNS(ctx context.Context, cfg Config) (*Channel, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return New(cfg, sns.NewFromConfig(awsCfg)), nil
}

func (c *Channel) Kind() model.Channel { return model.ChannelSMS }
func (c *Channel) Provider() string    { return "aws-sns" }

// Format segments every language variant and rejects content that would
// exceed the configured segment cap.
func (c *Channel) Format(s content.Snapshot) (channel.Payload, error) {
	p := channel.NewPayload(model.ChannelSMS, s)
	for _, lang := range s.Languages() {
		text := strings.TrimSpace(s.TextFor(lang))
		if text == "" {
			return channel.Payload{}, channel.Unformattable(model.ChannelSMS, "empty text for %q", lang)
		}
		n := Segments(text)
		if n > c.cfg.MaxSegments {
			return channel.Payload{}, channel.Unformattable(model.ChannelSMS, "%q needs %d segments, max %d", lang, n, c.cfg.MaxSegments)
		}
		lang = strings.ToLower(lang)
		p.Messages[lang] = channel.Message{Language: lang, Text: text, Segments: n}
	}
	return p, nil
}

func (c *Channel) Attempt(ctx context.Context, r model.Recipient, p channel.Payload) channel.Outcome {
	msg := p.For(r.Language)
	if msg.Text == "" {
		return channel.RejectedOutcome("no sms text for %q", r.Language)
	}
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String(c.cfg.SMSType)},
	}
	if c.cfg.SenderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(c.cfg.SenderID)}
	}
	out, err := c.gw.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(r.Address),
		Message:           aws.String(msg.Text),
		MessageAttributes: attrs,
	})
	if err != nil {
		return classify(err)
	}
	id := aws.ToString(out.MessageId)
	if id == "" {
		return channel.TransientOutcome(0, "sns returned no message id")
	}
	return channel.AcceptedOutcome(id)
}

var throttleCodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"ThrottledException":       true,
	"TooManyRequestsException": true,
	"RequestLimitExceeded":     true,
	"KMSThrottlingException":   true,
}

func classify(err error) channel.Outcome {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return channel.ClassifyErr(err)
	}
	code := apiErr.ErrorCode()
	switch {
	case throttleCodes[code]:
		return channel.TransientOutcome(0, "sns %s: %s", code, apiErr.ErrorMessage())
	case apiErr.ErrorFault() == smithy.FaultClient:
		return channel.RejectedOutcome("sns %s: %s", code, apiErr.ErrorMessage())
	default:
		return channel.TransientOutcome(0, "sns %s: %s", code, apiErr.ErrorMessage())
	}
}
