package proxy

import (
	"encoding/json"
	"strings"
)

const (
	promptMaxWords = 6
	promptMaxChars = 60
)

// ExtractPromptHint pulls a short prompt preview from a JSON request body
// for the trace. Best effort only: anything that fails to decode yields
// empty strings, and the result never influences selection or
// classification.
func ExtractPromptHint(contentType string, body []byte) (hint, head string) {
	if !strings.Contains(strings.ToLower(contentType), "json") || len(body) == 0 {
		return "", ""
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", ""
	}
	text := lastMessageText(doc)
	if text == "" {
		for _, key := range []string{"prompt", "input", "query", "text"} {
			if v, ok := doc[key].(string); ok && strings.TrimSpace(v) != "" {
				text = v
				break
			}
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "", ""
	}
	words := strings.Fields(text)
	head = words[0]
	truncated := false
	if len(words) > promptMaxWords {
		words = words[:promptMaxWords]
		truncated = true
	}
	hint = strings.Join(words, " ")
	if runes := []rune(hint); len(runes) > promptMaxChars {
		hint = string(runes[:promptMaxChars])
		truncated = true
	}
	if truncated {
		hint += "…"
	}
	return hint, head
}

// lastMessageText walks messages[*].content backwards for the last textual
// entry. Content may be a string, an object with a text field, or a list of
// either.
func lastMessageText(doc map[string]any) string {
	messages, ok := doc["messages"].([]any)
	if !ok {
		return ""
	}
	for i := len(messages) - 1; i >= 0; i-- {
		message, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		if text := contentText(message["content"]); text != "" {
			return text
		}
	}
	return ""
}

func contentText(content any) string {
	switch v := content.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if text, ok := v["text"].(string); ok {
			return strings.TrimSpace(text)
		}
	case []any:
		for i := len(v) - 1; i >= 0; i-- {
			if text := contentText(v[i]); text != "" {
				return text
			}
		}
	}
	return ""
}
