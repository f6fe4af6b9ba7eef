package identity

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ClientType identifies which approved CLI issued a request.
type ClientType string

const (
	ClientClaudeCode ClientType = "claude-code"
	ClientCodex      ClientType = "codex"
	ClientUnknown    ClientType = "unknown"
)

// ValidationResult is the outcome of inbound client validation.
type ValidationResult struct {
	Valid      bool
	ClientType ClientType
	Version    string
	Reason     string
}

var (
	claudeUAPattern = regexp.MustCompile(`(?i)^claude-cli/[\d.]+(?:-[\w.]+)?\s+\(external,\s*(?:cli|claude-[\w-]+|sdk-[\w-]+)\)$`)
	codexUAPattern  = regexp.MustCompile(`(?i)^(codex_vscode|codex_cli_rs)/[\d.]+`)
	userIDPattern   = regexp.MustCompile(`^user_[a-fA-F0-9]{64}_account__session_[\w-]+$`)
)

// systemPromptKeywords score the similarity of a request's system prompt to
// the canonical Claude Code preamble.
var systemPromptKeywords = []string{
	"You are Claude Code",
	"coding assistant",
	"Anthropic",
	"tools you can use",
}

const systemPromptThreshold = 0.8

// codexInstructionsPrefix is the canonical opening of codex request
// instructions on response endpoints.
const codexInstructionsPrefix = "You are a coding agent running in the Codex CLI"

// ValidateClient accepts a request iff it matches one of the two approved
// CLI profiles. Never panics; on any internal failure the request is
// rejected with a generic reason.
func ValidateClient(headers http.Header, body []byte, path string) ValidationResult {
	if res := ValidateClaudeCode(headers, body, path); res.Valid {
		return res
	}
	if res := ValidateCodex(headers, body, path); res.Valid {
		return res
	}
	return ValidationResult{Valid: false, ClientType: ClientUnknown, Reason: "no approved client profile matched"}
}

// ValidateClaudeCode checks the code-assistant CLI profile.
func ValidateClaudeCode(headers http.Header, body []byte, path string) (res ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ValidationResult{Valid: false, ClientType: ClientUnknown, Reason: "Validation error"}
		}
	}()

	ua := headers.Get("User-Agent")
	if !claudeUAPattern.MatchString(ua) {
		return reject("user-agent does not match claude-cli")
	}
	version := ParseUAVersion(ua)

	// Non-messages paths only need the UA profile.
	if !strings.Contains(path, "messages") {
		return ValidationResult{Valid: true, ClientType: ClientClaudeCode, Version: version}
	}

	root := gjson.ParseBytes(body)

	if score := systemPromptScore(root.Get("system")); score < systemPromptThreshold {
		return reject("system prompt does not match the CLI preamble")
	}
	if root.Get("model").Type != gjson.String || root.Get("model").String() == "" {
		return reject("model missing")
	}
	for _, h := range []string{"x-app", "anthropic-beta", "anthropic-version"} {
		if strings.TrimSpace(headers.Get(h)) == "" {
			return reject("required header missing: " + h)
		}
	}
	if !userIDPattern.MatchString(root.Get("metadata.user_id").String()) {
		return reject("metadata.user_id format invalid")
	}

	return ValidationResult{Valid: true, ClientType: ClientClaudeCode, Version: version}
}

// ValidateCodex checks the codex CLI profile.
func ValidateCodex(headers http.Header, body []byte, path string) (res ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ValidationResult{Valid: false, ClientType: ClientUnknown, Reason: "Validation error"}
		}
	}()

	ua := headers.Get("User-Agent")
	m := codexUAPattern.FindStringSubmatch(ua)
	if len(m) < 2 {
		return reject("user-agent does not match codex")
	}
	clientKind := strings.ToLower(m[1])
	version := ParseUAVersion(ua)

	if !strings.HasPrefix(path, "/openai") && !strings.HasPrefix(path, "/azure") {
		return ValidationResult{Valid: true, ClientType: ClientCodex, Version: version}
	}

	if strings.ToLower(headers.Get("originator")) != clientKind {
		return reject("originator header mismatch")
	}
	if len(headers.Get("session_id")) <= 20 {
		return reject("session_id header missing or too short")
	}
	if strings.Contains(path, "/openai/responses") || strings.Contains(path, "/azure/response") {
		instructions := gjson.GetBytes(body, "instructions").String()
		if !strings.HasPrefix(instructions, codexInstructionsPrefix) {
			return reject("instructions prefix mismatch")
		}
	}

	return ValidationResult{Valid: true, ClientType: ClientCodex, Version: version}
}

// systemPromptScore returns the fraction of canonical keyword phrases
// present across the system prompt entries.
func systemPromptScore(system gjson.Result) float64 {
	text := systemText(system)
	if text == "" {
		return 0
	}
	hits := 0
	for _, kw := range systemPromptKeywords {
		if strings.Contains(text, kw) {
			hits++
		}
	}
	return float64(hits) / float64(len(systemPromptKeywords))
}

func reject(reason string) ValidationResult {
	return ValidationResult{Valid: false, ClientType: ClientUnknown, Reason: reason}
}
