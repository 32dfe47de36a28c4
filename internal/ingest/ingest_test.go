package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/JettChenT/llmproxy-go/internal/usage"
)

func TestPollForwardsNewLinesAndPersistsOffset(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "session.ndjson")
	if err := os.WriteFile(logPath, []byte(
		`{"timestamp":"2025-01-01T00:00:00Z","model":"gpt-4.1","prompt_tokens":10,"completion_tokens":5}`+"\n",
	), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	offsets, err := OpenOffsetStore(filepath.Join(dir, "offsets"))
	if err != nil {
		t.Fatalf("OpenOffsetStore: %v", err)
	}
	defer offsets.Close()

	ch := make(chan usage.Event, 10)
	tailer := NewTailer(logPath, offsets, ch, zerolog.Nop())

	if err := tailer.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Model != "gpt-4.1" || ev.PromptTokens != 10 || ev.CompletionTokens != 5 || ev.TotalTokens != 15 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected an event to be forwarded")
	}

	// A second Poll with no new bytes must not re-forward the same line.
	if err := tailer.Poll(); err != nil {
		t.Fatalf("Poll (2nd): %v", err)
	}
	select {
	case ev := <-ch:
		t.Fatalf("expected no duplicate event, got %+v", ev)
	default:
	}

	// Append a new line; only the new one should be forwarded.
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	f.WriteString(`{"timestamp":"2025-01-01T01:00:00Z","model":"gpt-4.1-mini","prompt_tokens":1,"completion_tokens":1}` + "\n")
	f.Close()

	if err := tailer.Poll(); err != nil {
		t.Fatalf("Poll (3rd): %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Model != "gpt-4.1-mini" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected the newly appended event to be forwarded")
	}
}

func TestPollSkipsMalformedLineWithoutBlocking(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "session.ndjson")
	if err := os.WriteFile(logPath, []byte("not json\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	offsets, err := OpenOffsetStore(filepath.Join(dir, "offsets"))
	if err != nil {
		t.Fatalf("OpenOffsetStore: %v", err)
	}
	defer offsets.Close()

	ch := make(chan usage.Event, 10)
	tailer := NewTailer(logPath, offsets, ch, zerolog.Nop())

	if err := tailer.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	select {
	case ev := <-ch:
		t.Fatalf("expected no event for malformed line, got %+v", ev)
	default:
	}
}

func TestRunStopsPromptlyOnSignal(t *testing.T) {
	dir := t.TempDir()
	offsets, err := OpenOffsetStore(filepath.Join(dir, "offsets"))
	if err != nil {
		t.Fatalf("OpenOffsetStore: %v", err)
	}
	defer offsets.Close()

	tailer := NewTailer(filepath.Join(dir, "missing.ndjson"), offsets, make(chan usage.Event, 1), zerolog.Nop())
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		Run(tailer, 10*time.Millisecond, stop)
		close(done)
	}()
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop promptly")
	}
}
