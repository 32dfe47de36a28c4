package sse

import (
	"strings"
	"testing"
)

func feedInChunks(t *testing.T, data []byte, chunkSize int) Capture {
	t.Helper()
	p := New()
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		p.Feed(data[i:end])
	}
	return p.TakeCapture()
}

func TestResponsesAPIStreamingUsage(t *testing.T) {
	event := `data: {"type":"response.completed","response":{"model":"gpt-4.1-mini","usage":{"input_tokens":8558,"input_tokens_details":{"cached_tokens":8448},"output_tokens":52,"output_tokens_details":{"reasoning_tokens":7},"total_tokens":8610}}}` + "\n\n"

	capture := feedInChunks(t, []byte(event), len(event))
	if capture.Usage == nil {
		t.Fatal("expected usage, got nil")
	}
	u := capture.Usage
	if u.PromptTokens != 8558 || u.CachedPromptTokens != 8448 || u.CompletionTokens != 52 ||
		u.TotalTokens != 8610 || u.ReasoningTokens != 7 || u.Model != "gpt-4.1-mini" {
		t.Fatalf("unexpected usage: %+v", u)
	}
	if capture.ChatStyle {
		t.Fatal("expected chat_style=false")
	}
}

func TestChatCompletionsStreamingWithoutUsage(t *testing.T) {
	event := `data: {"object":"chat.completion.chunk","choices":[{"delta":{"content":[{"type":"text","text":"hi"}]}}]}` + "\n\n"

	capture := feedInChunks(t, []byte(event), len(event))
	if capture.Usage != nil {
		t.Fatalf("expected no usage, got %+v", capture.Usage)
	}
	if !capture.ChatStyle {
		t.Fatal("expected chat_style=true")
	}
}

func TestParserInvariantUnderRechunking(t *testing.T) {
	data := []byte(`data: {"type":"response.output_item.done","item":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"hello"}]}}` + "\n\n" +
		`data: {"type":"response.completed","response":{"model":"m","usage":{"input_tokens":10,"output_tokens":5,"total_tokens":15}}}` + "\n\n")

	var captures []Capture
	for _, size := range []int{1, 2, 3, 7, 16, len(data)} {
		captures = append(captures, feedInChunks(t, data, size))
	}

	first := captures[0]
	for i, c := range captures[1:] {
		if c.Summary != first.Summary || c.ChatStyle != first.ChatStyle {
			t.Fatalf("chunking %d diverged: %+v vs %+v", i+1, c, first)
		}
		if (c.Usage == nil) != (first.Usage == nil) {
			t.Fatalf("chunking %d usage presence diverged", i+1)
		}
		if c.Usage != nil && *c.Usage != *first.Usage {
			t.Fatalf("chunking %d usage diverged: %+v vs %+v", i+1, c.Usage, first.Usage)
		}
	}
}

func TestInvalidEventDoesNotDesyncParser(t *testing.T) {
	data := []byte("data: {not json}\n\n" +
		`data: {"type":"response.completed","response":{"model":"m","usage":{"input_tokens":1,"output_tokens":2,"total_tokens":3}}}` + "\n\n")

	capture := feedInChunks(t, data, 5)
	if capture.Usage == nil || capture.Usage.PromptTokens != 1 || capture.Usage.CompletionTokens != 2 {
		t.Fatalf("expected recovery after malformed event, got %+v", capture.Usage)
	}
}

func TestSnippetCollapsesAndTruncates(t *testing.T) {
	in := "  hello   \n\n world  "
	if got := Snippet(in, 160); got != "hello world" {
		t.Fatalf("got %q", got)
	}

	long := strings.Repeat("a", 200)
	got := Snippet(long, 100)
	if len([]rune(got)) != 100 {
		t.Fatalf("expected 100 runes, got %d", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("expected ellipsis suffix, got %q", got)
	}
}

func TestIsBoilerplate(t *testing.T) {
	cases := []struct {
		text   string
		expect bool
	}{
		{"<environment_context>\nsome stuff", true},
		{"# AGENTS.md Instructions", true},
		{"<instructions>do x</instructions>", true},
		{"please help me write a function", false},
	}
	for _, c := range cases {
		if got := IsBoilerplate(c.text); got != c.expect {
			t.Errorf("IsBoilerplate(%q) = %v, want %v", c.text, got, c.expect)
		}
	}
}
