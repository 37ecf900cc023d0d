// Package intake validates raw inbound chat payloads and normalizes them
// into queueable messages.
package intake

import (
	"encoding/json"
	"strings"
)

// Message is a validated inbound chat message.
type Message struct {
	TenantID  string   `json:"tenant_id"`
	UserID    string   `json:"user_id"`
	Text      string   `json:"text"`
	Media     []string `json:"media"`
	Timestamp string   `json:"timestamp"`
	Platform  string   `json:"platform,omitempty"`
}

// ValidationError describes the first invalid field of a payload.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func missing(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "Missing or invalid " + field}
}

// Validate decodes a JSON payload and checks it field by field in a fixed
// order: agent_id, user_id, text, timestamp, media, platform. The first
// failure is returned.
func Validate(raw []byte) (Message, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		return Message{}, &ValidationError{Field: "body", Message: "Invalid JSON body"}
	}
	return ValidatePayload(payload)
}

// ValidatePayload applies the same checks as Validate to an already
// decoded payload.
func ValidatePayload(payload map[string]any) (Message, error) {
	var msg Message
	var ok bool

	if msg.TenantID, ok = requiredString(payload, "agent_id"); !ok {
		return Message{}, missing("agent_id")
	}
	if msg.UserID, ok = requiredString(payload, "user_id"); !ok {
		return Message{}, missing("user_id")
	}
	if msg.Text, ok = requiredString(payload, "text"); !ok {
		return Message{}, missing("text")
	}
	if msg.Timestamp, ok = requiredString(payload, "timestamp"); !ok {
		return Message{}, missing("timestamp")
	}

	msg.Media = []string{}
	if v, present := payload["media"]; present && v != nil {
		items, isList := v.([]any)
		if !isList {
			return Message{}, &ValidationError{Field: "media", Message: "Invalid media: must be an array of strings"}
		}
		for _, item := range items {
			s, isString := item.(string)
			if !isString {
				return Message{}, &ValidationError{Field: "media", Message: "Invalid media: must be an array of strings"}
			}
			msg.Media = append(msg.Media, s)
		}
	}

	if v, present := payload["platform"]; present && v != nil {
		s, isString := v.(string)
		if !isString {
			return Message{}, &ValidationError{Field: "platform", Message: "Invalid platform: must be a string"}
		}
		msg.Platform = strings.ToLower(strings.TrimSpace(s))
	}

	return msg, nil
}

func requiredString(payload map[string]any, key string) (string, bool) {
	s, ok := payload[key].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}
