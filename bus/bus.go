// Package bus implements the per-stream fan-out buffer that batches a
// service's captured stdout/stderr bytes and pushes them to its configured
// sinks in insertion order.
package bus

import (
	"github.com/kindling-project/kindling/sink"
	"github.com/sirupsen/logrus"
)

// Bus batches writes for one captured stream and fans them out to zero or
// more sinks. A size-0 Bus is unbuffered: every Consume call writes straight
// through with no copy.
//
// Open question (see spec, preserved deliberately): a stream's Bus is only
// ever flushed when its owning service is reaped, not when that individual
// stream hits EOF. If stdout closes long before stderr, stdout's tail can
// sit buffered until the whole service exits. This mirrors the source this
// was distilled from and is not fixed here.
type Bus struct {
	buffer    []byte
	currLen   int
	consumers []sink.Sink
}

// New creates an empty Bus with the given staging capacity. size == 0 means
// unbuffered.
func New(size int) *Bus {
	return &Bus{buffer: make([]byte, size)}
}

// AddConsumer appends a sink. Delivery order to sinks equals insertion
// order, and the consumer set is append-only once a run starts.
func (b *Bus) AddConsumer(s sink.Sink) {
	b.consumers = append(b.consumers, s)
}

// Consume either forwards data straight to every sink (unbuffered Bus) or
// copies it into the staging buffer, flushing whenever the buffer becomes
// exactly full. For |data| > capacity this loop is bounded to
// ceil(len(data)/capacity)+1 iterations.
func (b *Bus) Consume(data []byte) error {
	if cap(b.buffer) == 0 {
		return b.writeAll(data)
	}

	left := len(data)
	for left > 0 {
		available := cap(b.buffer) - b.currLen
		n := available
		if left < n {
			n = left
		}
		start := len(data) - left
		b.currLen += copy(b.buffer[b.currLen:b.currLen+n], data[start:start+n])
		if b.currLen == cap(b.buffer) {
			if err := b.Flush(); err != nil {
				return err
			}
		}
		left -= n
	}
	return nil
}

// Flush writes buffer[:currLen] to every sink in order and resets currLen.
// A zero-length flush is a no-op. Sink errors propagate; if the first sink
// fails, later sinks in that batch are not invoked.
func (b *Bus) Flush() error {
	if b.currLen == 0 {
		return nil
	}
	if err := b.writeAll(b.buffer[:b.currLen]); err != nil {
		return err
	}
	b.currLen = 0
	return nil
}

func (b *Bus) writeAll(data []byte) error {
	for _, s := range b.consumers {
		if _, err := s.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes any remaining buffered bytes. Destructors cannot fail: an
// error here is logged, not returned.
func (b *Bus) Close() {
	if b.currLen == 0 {
		return
	}
	if err := b.Flush(); err != nil {
		logrus.WithError(err).Warn("bus: failed to flush on close")
	}
}
