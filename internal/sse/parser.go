// Package sse implements the usage-extraction state machine that taps an
// upstream text/event-stream body without buffering the whole response.
package sse

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// boilerplate markers that disqualify a candidate title/summary snippet.
// Checked against the lowercased, leading-trimmed text.
var boilerplateMarkers = []string{
	"<environment_context>",
	"# agents.md instructions",
	"<instructions>",
	"<user_instructions>",
	"<system_instructions>",
	"<developer_instructions>",
	"<system>",
}

// Usage holds the token counters extracted from a single usage-bearing
// payload, plus the model the upstream reported (if any).
type Usage struct {
	Model                string
	PromptTokens         uint64
	CachedPromptTokens   uint64
	CompletionTokens     uint64
	TotalTokens          uint64
	ReasoningTokens      uint64
}

// Capture is what a fully-drained Parser yields once the stream ends.
type Capture struct {
	Usage     *Usage
	Summary   string
	ChatStyle bool
}

// Parser re-assembles SSE events across arbitrary chunk boundaries and
// extracts usage/summary information. It is not safe for concurrent use;
// one Parser belongs to one response body.
type Parser struct {
	buf              bytes.Buffer
	usage            *Usage
	summary          strings.Builder
	chatStyleDetected bool
}

// New returns an empty parser ready to receive chunks via Feed.
func New() *Parser {
	return &Parser{}
}

// Feed appends chunk to the internal buffer and processes any complete
// events (terminated by a blank line) it now contains. Feed never fails:
// malformed UTF-8 or JSON in one event is discarded and does not affect
// subsequent events.
func (p *Parser) Feed(chunk []byte) {
	p.buf.Write(chunk)
	for {
		data := p.buf.Bytes()
		idx := bytes.Index(data, []byte("\n\n"))
		if idx < 0 {
			return
		}
		event := make([]byte, idx+2)
		copy(event, data[:idx+2])
		// Advance the buffer past the consumed event.
		remainder := append([]byte(nil), data[idx+2:]...)
		p.buf.Reset()
		p.buf.Write(remainder)
		p.processEvent(event)
	}
}

func (p *Parser) processEvent(raw []byte) {
	if !utf8.Valid(raw) {
		return
	}
	text := string(raw)
	var payloadLines []string
	for _, line := range strings.Split(text, "\n") {
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		content := strings.TrimPrefix(line, "data:")
		content = strings.TrimPrefix(content, " ")
		payloadLines = append(payloadLines, content)
	}
	if len(payloadLines) == 0 {
		return
	}
	payload := strings.Join(payloadLines, "\n")

	var value map[string]any
	if err := json.Unmarshal([]byte(payload), &value); err != nil {
		return
	}
	p.processPayload(value)
}

func (p *Parser) processPayload(value map[string]any) {
	typ, hasType := stringField(value, "type")

	if !hasType {
		if _, ok := value["choices"]; ok {
			obj, hasObj := stringField(value, "object")
			if !hasObj || strings.HasPrefix(obj, "chat.completion") {
				p.chatStyleDetected = true
			}
		}
		return
	}

	switch typ {
	case "response.completed":
		if resp, ok := value["response"].(map[string]any); ok {
			p.usage = usageFromValue(resp)
		}
		p.chatStyleDetected = false
	case "response.output_item.done":
		if item, ok := value["item"].(map[string]any); ok {
			if text := assistantMessageText(item); text != "" {
				if p.summary.Len() > 0 {
					p.summary.WriteByte(' ')
				}
				p.summary.WriteString(text)
			}
		}
	default:
		// ignored
	}
}

// TakeCapture returns the accumulated capture. Call once the stream ends
// (EOF or error); the parser should not be fed further afterward.
func (p *Parser) TakeCapture() Capture {
	return Capture{
		Usage:     p.usage,
		Summary:   Snippet(p.summary.String(), 160),
		ChatStyle: p.chatStyleDetected,
	}
}

// UsageFromValue extracts usage the same way the streaming parser does,
// for callers (such as the non-streaming proxy path) holding a fully
// decoded JSON object rather than an SSE byte stream.
func UsageFromValue(value map[string]any) *Usage {
	return usageFromValue(value)
}

func usageFromValue(value map[string]any) *Usage {
	usageNode, _ := value["usage"].(map[string]any)
	if usageNode == nil {
		return nil
	}

	prompt := tokenField(usageNode, "prompt_tokens", "input_tokens")
	completion := tokenField(usageNode, "completion_tokens", "output_tokens")
	total := tokenField(usageNode, "total_tokens")
	if total == 0 {
		total = prompt + completion
	}
	cached := cachedTokens(usageNode)
	if cached > prompt {
		cached = prompt
	}
	reasoning := reasoningTokens(usageNode)
	if reasoning > completion {
		reasoning = completion
	}

	model, _ := stringField(value, "model")

	return &Usage{
		Model:              model,
		PromptTokens:       prompt,
		CachedPromptTokens: cached,
		CompletionTokens:   completion,
		TotalTokens:        total,
		ReasoningTokens:    reasoning,
	}
}

func tokenField(node map[string]any, keys ...string) uint64 {
	for _, key := range keys {
		if v, ok := node[key]; ok {
			if n, ok := numberValue(v); ok {
				return n
			}
		}
	}
	return 0
}

func cachedTokens(usage map[string]any) uint64 {
	if details, ok := usage["prompt_tokens_details"].(map[string]any); ok {
		if n, ok := numberValue(details["cached_tokens"]); ok {
			return n
		}
	}
	if details, ok := usage["input_tokens_details"].(map[string]any); ok {
		if n, ok := numberValue(details["cached_tokens"]); ok {
			return n
		}
	}
	return 0
}

func reasoningTokens(usage map[string]any) uint64 {
	if details, ok := usage["output_tokens_details"].(map[string]any); ok {
		if n, ok := numberValue(details["reasoning_tokens"]); ok {
			return n
		}
	}
	if n, ok := numberValue(usage["reasoning_tokens"]); ok {
		return n
	}
	return 0
}

func numberValue(v any) (uint64, bool) {
	f, ok := v.(float64)
	if !ok || f < 0 {
		return 0, false
	}
	return uint64(f), true
}

func stringField(value map[string]any, key string) (string, bool) {
	v, ok := value[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// assistantMessageText extracts the output_text blocks of a Responses-API
// assistant message item, space-joined.
func assistantMessageText(item map[string]any) string {
	role, _ := stringField(item, "role")
	typ, _ := stringField(item, "type")
	if typ != "" && typ != "message" {
		return ""
	}
	if role != "assistant" {
		return ""
	}
	content, ok := item["content"].([]any)
	if !ok {
		return ""
	}
	var parts []string
	for _, c := range content {
		block, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if blockType, _ := stringField(block, "type"); blockType != "output_text" {
			continue
		}
		if text, ok := stringField(block, "text"); ok {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// Snippet trims, collapses internal whitespace, and truncates by rune count
// to maxChars, appending an ellipsis when truncated. It does not check for
// boilerplate; callers use IsBoilerplate for that.
func Snippet(text string, maxChars int) string {
	collapsed := collapseWhitespace(text)
	if collapsed == "" {
		return ""
	}
	return truncateRunes(collapsed, maxChars)
}

// IsBoilerplate reports whether text (already lowercased by the caller is
// not required; IsBoilerplate lowercases internally) starts with or
// contains one of the anti-boilerplate markers.
func IsBoilerplate(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, marker := range boilerplateMarkers {
		if strings.HasPrefix(lower, marker) || strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func collapseWhitespace(text string) string {
	fields := strings.Fields(text)
	return strings.Join(fields, " ")
}

func truncateRunes(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	if maxChars == 1 {
		return "…"
	}
	return string(runes[:maxChars-1]) + "…"
}
