package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/JettChenT/llmproxy-go/internal/pricing"
	"github.com/JettChenT/llmproxy-go/internal/reqlog"
	"github.com/JettChenT/llmproxy-go/internal/usage"
)

func TestRelativePathStripsExactPrefixWithSlashBoundary(t *testing.T) {
	if got := RelativePath("/v1", "/v1/chat/completions"); got != "/chat/completions" {
		t.Fatalf("got %q", got)
	}
	if got := RelativePath("/v1", "/v1"); got != "/" {
		t.Fatalf("got %q", got)
	}
}

func TestRelativePathNeverStripsOnSubstringMatch(t *testing.T) {
	if got := RelativePath("/v1", "/v12/chat/completions"); got != "/v12/chat/completions" {
		t.Fatalf("expected untouched path, got %q", got)
	}
	if got := RelativePath("/v1", "/v1beta/foo"); got != "/v1beta/foo" {
		t.Fatalf("expected untouched path, got %q", got)
	}
}

func TestRelativePathRootBasePassthrough(t *testing.T) {
	if got := RelativePath("/", "/v1/chat/completions"); got != "/v1/chat/completions" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizeBasePath(t *testing.T) {
	cases := map[string]string{
		"":       "/",
		"v1":     "/v1",
		"/v1/":   "/v1",
		"/v1///": "/v1",
		"/":      "/",
		" /v1 ":  "/v1",
	}
	for in, want := range cases {
		if got := NormalizeBasePath(in); got != want {
			t.Fatalf("NormalizeBasePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestModelFromRequestBody(t *testing.T) {
	if got := modelFromRequestBody([]byte(`{"model":"gpt-4.1","stream":true}`)); got != "gpt-4.1" {
		t.Fatalf("got %q", got)
	}
	if got := modelFromRequestBody(nil); got != "" {
		t.Fatalf("expected empty for nil body, got %q", got)
	}
	if got := modelFromRequestBody([]byte(`not json`)); got != "" {
		t.Fatalf("expected empty for malformed body, got %q", got)
	}
}

func TestTitleFromRequestBodyRejectsBoilerplateAndSnippets(t *testing.T) {
	body := []byte(`{"input":[{"role":"user","content":[{"type":"input_text","text":"<environment_context>ignored</environment_context>"}]},{"role":"user","content":[{"type":"input_text","text":"  fix   the   bug   please  "}]}]}`)
	got := titleFromRequestBody(body)
	if got != "fix the bug please" {
		t.Fatalf("expected first non-boilerplate user text snippeted, got %q", got)
	}
}

func TestTitleFromRequestBodyFallsBackToMessages(t *testing.T) {
	body := []byte(`{"messages":[{"role":"system","content":"sys"},{"role":"user","content":"hello there"}]}`)
	if got := titleFromRequestBody(body); got != "hello there" {
		t.Fatalf("got %q", got)
	}
}

func TestConversationIDPrefersHeaderOverBody(t *testing.T) {
	headers := http.Header{}
	headers.Set("conversation_id", "  conv-1  ")
	if got := conversationIDFromHeaders(headers); got != "conv-1" {
		t.Fatalf("got %q", got)
	}
	if got := conversationIDFromBody([]byte(`{"prompt_cache_key":"pck-1"}`)); got != "pck-1" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractNonStreamingCaptureResponsesAPI(t *testing.T) {
	body := []byte(`{"usage":{"input_tokens":10,"output_tokens":5},"output":[{"type":"message","role":"assistant","content":[{"type":"output_text","text":"hi there"}]}]}`)
	u, summary := extractNonStreamingCapture(body)
	if u == nil || u.PromptTokens != 10 || u.CompletionTokens != 5 {
		t.Fatalf("unexpected usage: %+v", u)
	}
	if summary != "hi there" {
		t.Fatalf("unexpected summary: %q", summary)
	}
}

func TestExtractNonStreamingCaptureChatCompletions(t *testing.T) {
	body := []byte(`{"usage":{"prompt_tokens":3,"completion_tokens":4},"choices":[{"message":{"content":"hello world"}}]}`)
	u, summary := extractNonStreamingCapture(body)
	if u == nil || u.PromptTokens != 3 || u.CompletionTokens != 4 {
		t.Fatalf("unexpected usage: %+v", u)
	}
	if summary != "hello world" {
		t.Fatalf("unexpected summary: %q", summary)
	}
}

func TestServeHTTPNonStreamingLogsExactlyOneResponseEntry(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"usage":{"prompt_tokens":1,"completion_tokens":1},"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer upstream.Close()

	logPath := filepath.Join(t.TempDir(), "requests.ndjson")
	logger, err := reqlog.Open(logPath, zerolog.Nop())
	if err != nil {
		t.Fatalf("reqlog.Open: %v", err)
	}

	sender := make(chan usage.Event, 1)
	h := New(upstream.URL, "/v1", usage.Sender(sender), pricing.DefaultTable(), nil, logger, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{"model":"gpt-4.1"}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	logger.Close()

	file, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer file.Close()

	responseEntries := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		if entry.Event == "response" {
			responseEntries++
		}
	}
	if responseEntries != 1 {
		t.Fatalf("expected exactly one response log entry, got %d", responseEntries)
	}
}
