// Package tap implements the request tap (C4): it wraps an upstream
// response body stream, forwards bytes unchanged, feeds the SSE parser
// (C3), and offers chunks to the request logger (C6). On stream
// completion it delivers the final capture through a single-shot channel,
// strictly before the caller may emit a UsageEvent.
package tap

import (
	"io"
	"time"

	"github.com/JettChenT/llmproxy-go/internal/reqlog"
	"github.com/JettChenT/llmproxy-go/internal/sse"
)

// CaptureChan is a single-shot channel: exactly one sse.Capture is sent,
// then the channel is closed.
type CaptureChan <-chan sse.Capture

// Reader wraps an upstream body, feeding a Parser and an optional request
// logger as bytes flow through, while passing the bytes to the caller
// unchanged.
type Reader struct {
	upstream io.ReadCloser
	parser   *sse.Parser
	logger   *reqlog.Logger
	id       string
	captured chan sse.Capture
	sent     bool
}

// Wrap returns a Reader and the single-shot channel its final capture will
// arrive on. logger may be nil (C6 disabled).
func Wrap(upstream io.ReadCloser, logger *reqlog.Logger, id string) (*Reader, CaptureChan) {
	ch := make(chan sse.Capture, 1)
	r := &Reader{
		upstream: upstream,
		parser:   sse.New(),
		logger:   logger,
		id:       id,
		captured: ch,
	}
	return r, ch
}

// Read forwards bytes from the upstream body unchanged, taps them into the
// parser and logger first, and finalizes the capture on EOF or error.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.upstream.Read(p)
	if n > 0 {
		chunk := p[:n]
		r.parser.Feed(chunk)
		if r.logger != nil {
			r.logger.LogStreamChunk(r.id, chunk, time.Now())
		}
	}
	if err != nil {
		r.finish(err)
	}
	return n, err
}

// Close releases the upstream body and, if Read never observed EOF/error,
// finalizes the capture now (so a caller that closes early still gets a
// capture instead of blocking forever).
func (r *Reader) Close() error {
	r.finish(io.EOF)
	return r.upstream.Close()
}

func (r *Reader) finish(cause error) {
	if r.sent {
		return
	}
	r.sent = true

	if r.logger != nil {
		reason := "end"
		if cause != nil && cause != io.EOF {
			reason = "error"
		}
		r.logger.LogStreamEnd(r.id, reason, time.Now())
	}

	r.captured <- r.parser.TakeCapture()
	close(r.captured)
}
