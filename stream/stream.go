// Package stream implements the stream formatter (component B): it
// consumes a model.Streamer and emits a normalized chunk sequence on a
// single-producer Sink, in one of two shapes (xml or raw), while returning
// the final assembled model.Response for history.
package stream

import (
	"context"
	"html"
)

// Sink is the single-producer/single-consumer output channel a Formatter
// writes to. Implementations must be safe to call from one goroutine at a
// time (the formatter never calls concurrently) and should apply
// back-pressure: a bounded channel-backed Sink is the reference
// implementation (spec §9 — unbounded queues are incorrect).
type Sink interface {
	Send(ctx context.Context, chunk string) error
	Close() error
}

// ChanSink is the reference Sink: a bounded buffered channel. Capacity 64
// matches spec §9's suggested default.
type ChanSink struct {
	ch chan string
}

// NewChanSink constructs a ChanSink with the given capacity. A capacity of
// 0 or less defaults to 64.
func NewChanSink(capacity int) *ChanSink {
	if capacity <= 0 {
		capacity = 64
	}
	return &ChanSink{ch: make(chan string, capacity)}
}

// C returns the receive-only channel consumers drain.
func (s *ChanSink) C() <-chan string { return s.ch }

// Send blocks until the chunk is enqueued or ctx is done, providing
// cooperative back-pressure.
func (s *ChanSink) Send(ctx context.Context, chunk string) error {
	select {
	case s.ch <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the underlying channel. Safe to call once.
func (s *ChanSink) Close() error {
	close(s.ch)
	return nil
}

// Shape selects the output chunk format.
type Shape string

const (
	// ShapeXML is the structured, tag-delimited shape (spec §4.B).
	ShapeXML Shape = "xml"

	// ShapeRaw is JSON, one provider event per frame; each frame is one
	// Sink.Send call and carries no trailing newline.
	ShapeRaw Shape = "raw"
)

// escapeAttr escapes a string for safe use as an XML attribute value.
func escapeAttr(v string) string {
	return html.EscapeString(v)
}
