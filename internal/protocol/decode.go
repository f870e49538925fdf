// ABOUTME: Decodes the agent CLI's line-delimited JSON records into Events.
// ABOUTME: All wire-shape knowledge lives here; the core never sees raw JSON.

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// wireRecord is the top-level shape of one stream-json line.
type wireRecord struct {
	Type      string       `json:"type"`
	Subtype   string       `json:"subtype"`
	SessionID string       `json:"session_id"`
	Message   *wireMessage `json:"message"`
	Result    string       `json:"result"`
	IsError   bool         `json:"is_error"`
	Usage     *wireUsage   `json:"usage"`
}

type wireMessage struct {
	Content []wireBlock `json:"content"`
}

// wireBlock is one content block inside an assistant or user record.
type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type wireUsage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_input_tokens"`
	CacheWriteTokens int64 `json:"cache_creation_input_tokens"`
}

// DecodeLine parses one line of the agent's stdout into zero or more Events.
// A single assistant record can carry several content blocks, so the result
// is a slice. Unknown record and block types are skipped, not errors: the
// protocol grows over time and old clients must keep working.
func DecodeLine(line []byte) ([]*Event, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil, nil
	}

	var rec wireRecord
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil, fmt.Errorf("decoding stream record: %w", err)
	}

	switch rec.Type {
	case "system":
		if rec.Subtype == "init" && rec.SessionID != "" {
			return []*Event{{Kind: KindStart, SessionID: rec.SessionID}}, nil
		}
		return nil, nil

	case "assistant":
		return decodeAssistant(&rec), nil

	case "user":
		return decodeUser(&rec), nil

	case "result":
		return []*Event{decodeResult(&rec)}, nil

	default:
		return nil, nil
	}
}

func decodeAssistant(rec *wireRecord) []*Event {
	if rec.Message == nil {
		return nil
	}
	var events []*Event
	for _, block := range rec.Message.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			events = append(events, &Event{
				Kind:      KindText,
				SessionID: rec.SessionID,
				Text:      block.Text,
			})
		case "tool_use":
			events = append(events, &Event{
				Kind:      KindToolUse,
				SessionID: rec.SessionID,
				ToolUse: &ToolUse{
					ID:    block.ID,
					Name:  block.Name,
					Input: block.Input,
				},
			})
		}
	}
	return events
}

func decodeUser(rec *wireRecord) []*Event {
	if rec.Message == nil {
		return nil
	}
	var events []*Event
	for _, block := range rec.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		events = append(events, &Event{
			Kind:      KindToolResult,
			SessionID: rec.SessionID,
			ToolResult: &ToolResult{
				ID:      block.ToolUseID,
				Output:  flattenResultContent(block.Content),
				IsError: block.IsError,
			},
		})
	}
	return events
}

func decodeResult(rec *wireRecord) *Event {
	if rec.IsError {
		msg := rec.Result
		if msg == "" {
			msg = rec.Subtype
		}
		if msg == "" {
			msg = "agent reported an error"
		}
		return &Event{Kind: KindError, SessionID: rec.SessionID, Error: msg}
	}

	ev := &Event{Kind: KindEnd, SessionID: rec.SessionID}
	if rec.Usage != nil {
		ev.Usage = &Usage{
			InputTokens:      rec.Usage.InputTokens,
			OutputTokens:     rec.Usage.OutputTokens,
			CacheReadTokens:  rec.Usage.CacheReadTokens,
			CacheWriteTokens: rec.Usage.CacheWriteTokens,
		}
	}
	return ev
}

// flattenResultContent extracts text from a tool_result content field, which
// the wire encodes either as a plain string or as an array of text blocks.
func flattenResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}

	// Unrecognized shape: keep the raw JSON so nothing is silently lost.
	return string(raw)
}
