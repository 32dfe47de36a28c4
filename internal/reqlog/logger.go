// Package reqlog implements the request logger (C6): a bounded async queue
// draining into a newline-delimited JSON file, with header redaction.
// Grounded on the teacher's tape.go writer (os.Create + json.Encoder +
// file.Sync() per write for durability), generalized to the spec's
// request/response/response_chunk/response_stream_end tagged union and
// sensitive-header redaction the teacher's local-only tape never needed.
package reqlog

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const queueCapacity = 4096

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"api-key":             true,
	"cookie":              true,
	"set-cookie":          true,
}

// HeaderEntry is one redaction-aware header pair as logged.
type HeaderEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// BodyEntry captures a body (or chunk) payload, UTF-8 when valid and
// base64 otherwise, always recording the original byte length.
type BodyEntry struct {
	Encoding string `json:"encoding"` // "utf8" or "base64"
	Len      int    `json:"len"`
	Data     string `json:"data"`
}

// EncodeBody chooses utf8 vs base64 encoding for raw bytes.
func EncodeBody(raw []byte) BodyEntry {
	if isValidUTF8(raw) {
		return BodyEntry{Encoding: "utf8", Len: len(raw), Data: string(raw)}
	}
	return BodyEntry{Encoding: "base64", Len: len(raw), Data: base64.StdEncoding.EncodeToString(raw)}
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}

// EncodeHeaders redacts sensitive header values (case-insensitive name
// match) and preserves header order.
func EncodeHeaders(headers map[string][]string, order []string) []HeaderEntry {
	var out []HeaderEntry
	for _, name := range order {
		for _, value := range headers[name] {
			lower := strings.ToLower(name)
			if sensitiveHeaders[lower] {
				value = "<redacted>"
			}
			out = append(out, HeaderEntry{Name: name, Value: value})
		}
	}
	return out
}

// LogEntry is the tagged-union envelope written to the NDJSON file.
type LogEntry struct {
	Event     string       `json:"event"`
	ID        string       `json:"id"`
	Timestamp string       `json:"timestamp"`
	Method    string       `json:"method,omitempty"`
	URL       string       `json:"url,omitempty"`
	Status    int          `json:"status,omitempty"`
	Streaming *bool        `json:"streaming,omitempty"`
	Headers   []HeaderEntry `json:"headers,omitempty"`
	Body      *BodyEntry   `json:"body,omitempty"`
	Chunk     *BodyEntry   `json:"chunk,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// Logger is the producer handle: non-blocking sends into a bounded channel
// drained by a single writer goroutine.
type Logger struct {
	tx      chan LogEntry
	done    chan struct{}
	counter uint64
	logger  zerolog.Logger
}

// Open creates (or appends to) the NDJSON file at path and starts the writer
// goroutine. Open failure is a setup error (fatal per spec.md §7).
func Open(path string, logger zerolog.Logger) (*Logger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	l := &Logger{
		tx:     make(chan LogEntry, queueCapacity),
		done:   make(chan struct{}),
		logger: logger,
	}

	go l.run(file)
	return l, nil
}

func (l *Logger) run(file *os.File) {
	defer close(l.done)
	defer file.Close()
	encoder := json.NewEncoder(file)
	for entry := range l.tx {
		if err := encoder.Encode(entry); err != nil {
			l.logger.Warn().Err(err).Msg("request logger failed to write entry")
			continue
		}
		_ = file.Sync()
	}
}

// Close drains the channel and waits for the writer to finish.
func (l *Logger) Close() {
	close(l.tx)
	<-l.done
}

// NextID assigns the next atomically-incrementing request id, "req-<n>".
func (l *Logger) NextID() string {
	n := atomic.AddUint64(&l.counter, 1)
	return "req-" + strconv.FormatUint(n, 10)
}

func (l *Logger) send(entry LogEntry) {
	select {
	case l.tx <- entry:
	default:
		l.logger.Warn().Str("event", entry.Event).Str("id", entry.ID).Msg("request log queue full, dropping entry")
	}
}

// LogRequest records the inbound request.
func (l *Logger) LogRequest(id, method, url string, headers map[string][]string, order []string, body []byte, at time.Time) {
	b := EncodeBody(body)
	l.send(LogEntry{
		Event: "request", ID: id, Timestamp: at.UTC().Format(time.RFC3339Nano),
		Method: method, URL: url, Headers: EncodeHeaders(headers, order), Body: &b,
	})
}

// LogResponse records the response envelope. For streaming responses body
// is nil; chunks are logged separately via LogStreamChunk.
func (l *Logger) LogResponse(id string, status int, streaming bool, headers map[string][]string, order []string, body []byte, at time.Time) {
	entry := LogEntry{
		Event: "response", ID: id, Timestamp: at.UTC().Format(time.RFC3339Nano),
		Status: status, Streaming: &streaming, Headers: EncodeHeaders(headers, order),
	}
	if !streaming {
		b := EncodeBody(body)
		entry.Body = &b
	}
	l.send(entry)
}

// LogStreamChunk records one chunk of a streaming response body.
func (l *Logger) LogStreamChunk(id string, chunk []byte, at time.Time) {
	b := EncodeBody(chunk)
	l.send(LogEntry{Event: "response_chunk", ID: id, Timestamp: at.UTC().Format(time.RFC3339Nano), Chunk: &b})
}

// LogStreamEnd records the reason a streaming response ended ("end" or
// "error").
func (l *Logger) LogStreamEnd(id, reason string, at time.Time) {
	l.send(LogEntry{Event: "response_stream_end", ID: id, Timestamp: at.UTC().Format(time.RFC3339Nano), Reason: reason})
}
