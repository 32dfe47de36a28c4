package reqlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func readEntries(t *testing.T, path string) []LogEntry {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestRedactsSensitiveHeadersAndEncodesBodies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.ndjson")
	logger, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	headers := map[string][]string{
		"authorization": {"Bearer x"},
		"x-api-key":     {"y"},
		"cookie":        {"z"},
		"custom":        {"ok"},
	}
	order := []string{"authorization", "x-api-key", "cookie", "custom"}

	id := logger.NextID()
	logger.LogRequest(id, "POST", "/v1/chat/completions", headers, order, []byte("{}"), time.Now())
	logger.LogStreamChunk(id, []byte{0xFF, 0x01}, time.Now())
	logger.Close()

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	req := entries[0]
	values := map[string]string{}
	for _, h := range req.Headers {
		values[h.Name] = h.Value
	}
	if values["authorization"] != "<redacted>" || values["x-api-key"] != "<redacted>" || values["cookie"] != "<redacted>" {
		t.Fatalf("expected sensitive headers redacted, got %+v", values)
	}
	if values["custom"] != "ok" {
		t.Fatalf("expected custom header preserved, got %q", values["custom"])
	}

	chunk := entries[1]
	if chunk.Chunk == nil || chunk.Chunk.Encoding != "base64" || chunk.Chunk.Len != 2 {
		t.Fatalf("expected base64-encoded 2-byte chunk, got %+v", chunk.Chunk)
	}
}

func TestQueueFullDropsEntryWithoutBlocking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.ndjson")
	logger, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer logger.Close()

	// Flood well past queueCapacity; none of these sends may block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < queueCapacity*2; i++ {
			logger.LogStreamEnd(logger.NextID(), "end", time.Now())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sends blocked past queue capacity")
	}
}

func TestSequenceIDsAreMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.ndjson")
	logger, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer logger.Close()

	first := logger.NextID()
	second := logger.NextID()
	if first != "req-1" || second != "req-2" {
		t.Fatalf("expected req-1 then req-2, got %q then %q", first, second)
	}
}
