package httpapi

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"govcast/internal/errs"
)

const channelEnum = `["sms", "whatsapp", "ivr", "social", "web"]`

const criteriaSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"regions":   {"type": "array", "items": {"type": "string"}},
		"languages": {"type": "array", "items": {"type": "string"}},
		"age_min":   {"type": "integer", "minimum": 0},
		"age_max":   {"type": "integer", "minimum": 0},
		"genders":   {"type": "array", "items": {"type": "string"}},
		"custom":    {"type": "object", "additionalProperties": {"type": "string"}}
	}
}`

var scheduleSchema = mustSchema(`{
	"type": "object",
	"required": ["tenant_id", "content_id", "channels", "scheduled_at"],
	"additionalProperties": false,
	"properties": {
		"tenant_id":    {"type": "string", "minLength": 1},
		"content_id":   {"type": "string", "minLength": 1},
		"channels":     {"type": "array", "minItems": 1, "uniqueItems": true, "items": {"enum": ` + channelEnum + `}},
		"criteria":     ` + criteriaSchema + `,
		"scheduled_at": {"type": "string", "format": "date-time"},
		"timezone":     {"type": "string"},
		"recurrence":   {"type": "string"},
		"created_by":   {"type": "string"}
	}
}`)

var reachSchema = mustSchema(`{
	"type": "object",
	"required": ["tenant_id", "channels"],
	"additionalProperties": false,
	"properties": {
		"tenant_id": {"type": "string", "minLength": 1},
		"channels":  {"type": "array", "minItems": 1, "uniqueItems": true, "items": {"enum": ` + channelEnum + `}},
		"criteria":  ` + criteriaSchema + `
	}
}`)

var rescheduleSchema = mustSchema(`{
	"type": "object",
	"required": ["scheduled_at"],
	"additionalProperties": false,
	"properties": {
		"scheduled_at": {"type": "string", "format": "date-time"},
		"timezone":     {"type": "string"}
	}
}`)

var retrySchema = mustSchema(`{
	"type": "object",
	"required": ["channel", "recipient_id"],
	"additionalProperties": false,
	"properties": {
		"channel":      {"enum": ` + channelEnum + `},
		"recipient_id": {"type": "string", "minLength": 1},
		"by":           {"type": "string"}
	}
}`)

var callbackSchema = mustSchema(`{
	"type": "object",
	"required": ["external_id", "status"],
	"properties": {
		"event_id":    {"type": "string"},
		"external_id": {"type": "string", "minLength": 1},
		"status":      {"enum": ["delivered", "read", "failed"]},
		"reason":      {"type": "string"},
		"permanent":   {"type": "boolean"},
		"at":          {"type": "string", "format": "date-time"}
	}
}`)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic("httpapi: bad schema: " + err.Error())
	}
	return s
}

// decode validates body against schema and unmarshals it into v.
func decode(ctx context.Context, schema *gojsonschema.Schema, body []byte, v any) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return errs.New(ctx, errs.KindValidation, "request body is required")
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return errs.Wrap(ctx, errs.KindValidation, err, "invalid json")
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, d := range res.Errors() {
			msgs = append(msgs, d.String())
		}
		return errs.New(ctx, errs.KindValidation, "%s", strings.Join(msgs, "; "))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errs.Wrap(ctx, errs.KindValidation, err, "invalid json")
	}
	return nil
}
