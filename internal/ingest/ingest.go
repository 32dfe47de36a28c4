// Package ingest implements the session-log tail ingestor: a secondary
// source of the same UsageEvent schema the proxy handler (C5) emits,
// reading append-only session-log lines from disk and forwarding them
// into the same aggregator channel. Offset bookkeeping is backed by a
// Badger KV store, repurposed from the teacher's response-cache use of
// the same dependency (cache.go's BadgerCache) since the proxy in this
// spec never caches responses.
package ingest

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/JettChenT/llmproxy-go/internal/usage"
)

const offsetKeyPrefix = "offset:"

// OffsetStore tracks, per tailed file path, the byte offset already
// ingested, so a restart resumes instead of re-ingesting the whole file.
type OffsetStore struct {
	db *badger.DB
}

// OpenOffsetStore opens (or creates) the Badger database at dir.
func OpenOffsetStore(dir string) (*OffsetStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &OffsetStore{db: db}, nil
}

// Close releases the underlying database.
func (s *OffsetStore) Close() error {
	return s.db.Close()
}

// Get returns the last committed offset for path, or 0 if none is recorded.
func (s *OffsetStore) Get(path string) int64 {
	var offset int64
	_ = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(offsetKeyPrefix + path))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			n, err := parseOffset(val)
			if err != nil {
				return err
			}
			offset = n
			return nil
		})
	})
	return offset
}

// Set persists the offset for path.
func (s *OffsetStore) Set(path string, offset int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(offsetKeyPrefix+path), formatOffset(offset))
	})
}

func formatOffset(n int64) []byte {
	b, _ := json.Marshal(n)
	return b
}

func parseOffset(b []byte) (int64, error) {
	var n int64
	err := json.Unmarshal(b, &n)
	return n, err
}

// sessionRecord is one line of a session log: the same counters a
// UsageEvent carries. forward fills a zero total with prompt+completion and
// clamps cached/reasoning to prompt/completion before sending it into the
// aggregator channel.
type sessionRecord struct {
	Timestamp          time.Time `json:"timestamp"`
	Model              string    `json:"model"`
	Title              *string   `json:"title,omitempty"`
	Summary            *string   `json:"summary,omitempty"`
	ConversationID     *string   `json:"conversation_id,omitempty"`
	PromptTokens       uint64    `json:"prompt_tokens"`
	CachedPromptTokens uint64    `json:"cached_prompt_tokens"`
	CompletionTokens   uint64    `json:"completion_tokens"`
	TotalTokens        uint64    `json:"total_tokens"`
	ReasoningTokens    uint64    `json:"reasoning_tokens"`
}

// Tailer reads new lines appended to a session log file and forwards each
// as a usage.Event. It never extracts HTTP-specific hints: that is C5's
// job; this component is a thin secondary producer into the same
// pipeline.
type Tailer struct {
	path    string
	offsets *OffsetStore
	sender  usage.Sender
	logger  zerolog.Logger
}

// NewTailer builds a Tailer for path, persisting progress in offsets.
func NewTailer(path string, offsets *OffsetStore, sender usage.Sender, logger zerolog.Logger) *Tailer {
	return &Tailer{path: path, offsets: offsets, sender: sender, logger: logger}
}

// Poll reads any bytes appended since the last committed offset, parses
// complete lines as session records, and forwards each into the
// aggregator. Partial trailing lines are left for the next Poll.
func (t *Tailer) Poll() error {
	file, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	offset := t.offsets.Get(t.path)
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	reader := bufio.NewReader(file)
	var consumed int64
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && err == nil {
			consumed += int64(len(line))
			t.forward(line)
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	if consumed > 0 {
		return t.offsets.Set(t.path, offset+consumed)
	}
	return nil
}

func (t *Tailer) forward(line []byte) {
	var rec sessionRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		t.logger.Warn().Err(err).Msg("ingest: skipping malformed session-log line")
		return
	}

	total := rec.TotalTokens
	if total == 0 {
		total = rec.PromptTokens + rec.CompletionTokens
	}
	cached := rec.CachedPromptTokens
	if cached > rec.PromptTokens {
		cached = rec.PromptTokens
	}
	reasoning := rec.ReasoningTokens
	if reasoning > rec.CompletionTokens {
		reasoning = rec.CompletionTokens
	}

	event := usage.Event{
		Timestamp:          rec.Timestamp,
		Model:              rec.Model,
		Title:              rec.Title,
		Summary:            rec.Summary,
		ConversationID:     rec.ConversationID,
		PromptTokens:       rec.PromptTokens,
		CachedPromptTokens: cached,
		CompletionTokens:   rec.CompletionTokens,
		TotalTokens:        total,
		ReasoningTokens:    reasoning,
		UsageIncluded:      true,
	}

	select {
	case t.sender <- event:
	default:
		t.logger.Warn().Str("path", t.path).Msg("ingest: usage event queue full, dropping event")
	}
}

// Run polls the tailer every interval until stop is closed.
func Run(t *Tailer, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := t.Poll(); err != nil {
				t.logger.Warn().Err(err).Msg("ingest: poll failed")
			}
		}
	}
}
