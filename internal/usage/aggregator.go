// Package usage implements the usage aggregator (C2): a bounded-channel,
// single-consumer worker that is the sole writer of event/rollup rows.
package usage

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/JettChenT/llmproxy-go/internal/store"
)

// Event is what the proxy handler (C5) and the session-log ingestor
// (internal/ingest) each send through the aggregator's channel. Both are
// producers into the same single-writer pipeline.
type Event struct {
	Timestamp          time.Time
	Model              string
	Title              *string
	Summary            *string
	ConversationID     *string
	PromptTokens       uint64
	CachedPromptTokens uint64
	CompletionTokens   uint64
	TotalTokens        uint64
	ReasoningTokens    uint64
	CostUSD            *float64 // informational only; never persisted
	UsageIncluded      bool
}

// Sender is the producer half of the aggregator's channel. Send is
// non-blocking by convention at the call sites (select with a default);
// the channel itself still has bounded capacity.
type Sender chan<- Event

// Handle lets the owner wait for, or forcibly stop, the aggregator
// goroutine.
type Handle struct {
	done   chan struct{}
	cancel context.CancelFunc
}

// Wait blocks until the aggregator has drained its channel and exited
// (graceful shutdown: close the sender, then Wait).
func (h *Handle) Wait() {
	<-h.done
}

// Abort is a hard stop: it is acceptable to lose events still buffered in
// the channel (spec.md §4.4, §5 "Abort is allowed for the aggregator").
func (h *Handle) Abort() {
	h.cancel()
	<-h.done
}

// Spawn starts the aggregator goroutine reading from a channel of
// queueCapacity and returns the handle plus the send side. The aggregator
// is the single writer for event_log/daily_stats (spec.md §4.4).
func Spawn(s *store.Store, queueCapacity int, logger zerolog.Logger) (*Handle, Sender) {
	ch := make(chan Event, queueCapacity)
	ctx, cancel := context.WithCancel(context.Background())
	handle := &Handle{done: make(chan struct{}), cancel: cancel}

	go func() {
		defer close(handle.done)
		run(ctx, s, ch, logger)
	}()

	return handle, ch
}

func run(ctx context.Context, s *store.Store, ch <-chan Event, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := handleEvent(s, event); err != nil {
				logger.Error().Err(err).Str("model", event.Model).Msg("aggregator failed to persist event")
				// Per spec.md §7: log and continue, never retry, never
				// block the channel consumer on a single bad write.
			}
		}
	}
}

func handleEvent(s *store.Store, event Event) error {
	ctx := context.Background()

	if err := s.RecordEvent(ctx, store.Event{
		Timestamp:          event.Timestamp,
		Model:              event.Model,
		Title:              event.Title,
		Summary:            event.Summary,
		ConversationID:     event.ConversationID,
		PromptTokens:       event.PromptTokens,
		CachedPromptTokens: event.CachedPromptTokens,
		CompletionTokens:   event.CompletionTokens,
		TotalTokens:        event.TotalTokens,
		ReasoningTokens:    event.ReasoningTokens,
		UsageIncluded:      event.UsageIncluded,
	}); err != nil {
		return err
	}

	if !event.UsageIncluded {
		return nil
	}

	return s.RecordDailyStat(ctx, event.Timestamp, event.Model,
		event.PromptTokens, event.CachedPromptTokens, event.CompletionTokens,
		event.TotalTokens, event.ReasoningTokens)
}
