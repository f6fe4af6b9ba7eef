package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// sessionUUIDPattern extracts the session UUID from metadata.user_id.
var sessionUUIDPattern = regexp.MustCompile(`session_([a-f0-9-]{36})`)

// SessionFingerprint derives a stable session identity from a request body.
// The result is either a 36-char UUID extracted from metadata.user_id or a
// 32-char hex SHA-256 prefix of conversation content, empty when no source
// yields a value. Pure and total: malformed bodies return "".
//
// Fallback order: provider-supplied user_id, the prompt-cache boundary
// (first ephemeral cache_control part), the system prompt, and finally the
// first message.
func SessionFingerprint(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	root := gjson.ParseBytes(body)

	// 1. Provider-supplied session UUID.
	if uid := root.Get("metadata.user_id"); uid.Exists() {
		if m := sessionUUIDPattern.FindStringSubmatch(uid.String()); len(m) == 2 {
			return m[1]
		}
	}

	// 2. Prompt-cache boundary: any ephemeral cache_control under system[]
	// or messages[].content[] keys the conversation by its first message.
	if hasEphemeralCacheControl(root) {
		if text := firstMessageText(root); text != "" {
			return hashPrefix(text)
		}
	}

	// 3. System prompt.
	if text := systemText(root.Get("system")); text != "" {
		return hashPrefix(text)
	}

	// 4. First message.
	if text := firstMessageText(root); text != "" {
		return hashPrefix(text)
	}

	return ""
}

func hasEphemeralCacheControl(root gjson.Result) bool {
	found := false
	check := func(part gjson.Result) {
		if part.Get("cache_control.type").String() == "ephemeral" {
			found = true
		}
	}
	root.Get("system").ForEach(func(_, part gjson.Result) bool {
		check(part)
		return !found
	})
	if found {
		return true
	}
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		msg.Get("content").ForEach(func(_, part gjson.Result) bool {
			check(part)
			return !found
		})
		return !found
	})
	return found
}

// systemText flattens a system prompt that may be a plain string or an
// array of {text} parts.
func systemText(system gjson.Result) string {
	switch {
	case system.Type == gjson.String:
		return system.String()
	case system.IsArray():
		var sb strings.Builder
		system.ForEach(func(_, part gjson.Result) bool {
			sb.WriteString(part.Get("text").String())
			return true
		})
		return sb.String()
	}
	return ""
}

// firstMessageText flattens the first message's content: a plain string, or
// type=text parts joined.
func firstMessageText(root gjson.Result) string {
	msg := root.Get("messages.0")
	if !msg.Exists() {
		return ""
	}
	content := msg.Get("content")
	switch {
	case content.Type == gjson.String:
		return content.String()
	case content.IsArray():
		var sb strings.Builder
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				sb.WriteString(part.Get("text").String())
			}
			return true
		})
		return sb.String()
	}
	return ""
}

func hashPrefix(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])[:32]
}
