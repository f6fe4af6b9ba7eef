package relay

import (
	"encoding/json"
)

// Usage is the token accounting extracted from one upstream response.
type Usage struct {
	InputTokens       int64
	OutputTokens      int64
	CacheCreateTokens int64
	CacheReadTokens   int64
	Ephemeral5mTokens int64
	Ephemeral1hTokens int64
	Model             string
	AccountID         string
}

type wireUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreation            *struct {
		Ephemeral5m int64 `json:"ephemeral_5m_input_tokens"`
		Ephemeral1h int64 `json:"ephemeral_1h_input_tokens"`
	} `json:"cache_creation"`
}

func (u *Usage) applyWire(w wireUsage, withOutput bool) {
	u.InputTokens = w.InputTokens
	u.CacheCreateTokens = w.CacheCreationInputTokens
	u.CacheReadTokens = w.CacheReadInputTokens
	if withOutput {
		u.OutputTokens = w.OutputTokens
	}
	if w.CacheCreation != nil {
		u.Ephemeral5mTokens = w.CacheCreation.Ephemeral5m
		u.Ephemeral1hTokens = w.CacheCreation.Ephemeral1h
	}
}

// ParseMessageStart captures input-side token counts and the model from a
// message_start event payload.
func ParseMessageStart(data []byte, u *Usage) {
	var event struct {
		Type    string `json:"type"`
		Message struct {
			Model string    `json:"model"`
			Usage wireUsage `json:"usage"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}
	if event.Type != "message_start" {
		return
	}
	u.applyWire(event.Message.Usage, false)
	if event.Message.Model != "" {
		u.Model = event.Message.Model
	}
}

// ParseMessageDelta overwrites the output token count with the latest
// message_delta value; the upstream sends a running total.
func ParseMessageDelta(data []byte, u *Usage) {
	var event struct {
		Type  string `json:"type"`
		Usage struct {
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return
	}
	if event.Type != "message_delta" {
		return
	}
	u.OutputTokens = event.Usage.OutputTokens
}

// ParseUnaryUsage extracts usage from a non-streaming JSON response body.
// Returns nil when the body carries no usage object.
func ParseUnaryUsage(body []byte) *Usage {
	var resp struct {
		Model string     `json:"model"`
		Usage *wireUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}
	if resp.Usage == nil {
		return nil
	}
	u := &Usage{Model: resp.Model}
	u.applyWire(*resp.Usage, true)
	return u
}
