// Package answer produces the reply for a user message: it calls the LLM,
// extracts the structured answer from its free-text output, and substitutes
// a canned reply when that fails.
package answer

import (
	"encoding/json"
	"strings"
)

// Response is the structured answer delivered to the user.
type Response struct {
	Language string `json:"language"`
	Intent   string `json:"intent"`
	Text     string `json:"response"`
}

const (
	DefaultLanguage = "English"
	DefaultIntent   = "general"

	IntentError       = "error"
	IntentGeneralChat = "general_chat"
)

const (
	apologyText  = "I'm sorry, I'm having trouble answering right now. Please try again in a moment."
	greetingText = "Hello! How can I help you today?"
)

// Fallback returns the canned Response for intent: an apology for
// IntentError, a greeting otherwise.
func Fallback(intent string) Response {
	text := greetingText
	if intent == IntentError {
		text = apologyText
	}
	return Response{Language: DefaultLanguage, Intent: intent, Text: text}
}

// Parse finds the first balanced {...} block in raw that decodes as a JSON
// object and reads language, intent and response from it. Missing or
// non-string fields default to English, general and the raw text. ok is
// false when raw holds no such object.
func Parse(raw string) (Response, bool) {
	obj, ok := firstJSONObject(raw)
	if !ok {
		return Response{}, false
	}

	resp := Response{
		Language: stringField(obj, "language"),
		Intent:   stringField(obj, "intent"),
		Text:     stringField(obj, "response"),
	}
	if resp.Language == "" {
		resp.Language = DefaultLanguage
	}
	if resp.Intent == "" {
		resp.Intent = DefaultIntent
	}
	if resp.Text == "" {
		resp.Text = strings.TrimSpace(raw)
	}
	return resp, true
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}

// firstJSONObject scans for balanced braces, ignoring braces inside JSON
// strings, and returns the first candidate that decodes.
func firstJSONObject(s string) (map[string]any, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := matchBrace(s, start); end > 0 {
			var obj map[string]any
			if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err == nil {
				return obj, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

// matchBrace returns the index of the brace closing s[start], or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
