// Package logbuffer coalesces bursts of sandbox output into bounded batches
// so the dialogue history and broadcast channel are not flooded with one
// turn per printed line.
package logbuffer

import (
	"sync"
	"time"
)

// Kind classifies one buffered output line.
type Kind string

const (
	KindLog   Kind = "log"
	KindError Kind = "error"
	KindInfo  Kind = "info"
)

// Entry is one buffered output line.
type Entry struct {
	Kind Kind
	Text string
}

// FlushFunc receives a drained batch. It is called outside the buffer lock
// and never with an empty batch.
type FlushFunc func(entries []Entry)

// Buffer batches output lines and flushes them on a timer or when the batch
// reaches maxLines. Stop flushes any pending batch before discarding the
// buffer.
type Buffer struct {
	interval time.Duration
	maxLines int
	flush    FlushFunc

	mu      sync.Mutex
	entries []Entry
	stopCh  chan struct{}
	started bool
	stopped bool
}

// New creates a buffer. interval and maxLines are tunables, not contracts;
// both must be positive.
func New(interval time.Duration, maxLines int, flush FlushFunc) *Buffer {
	return &Buffer{
		interval: interval,
		maxLines: maxLines,
		flush:    flush,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the periodic flush. Calling Start twice is a no-op.
func (b *Buffer) Start() {
	b.mu.Lock()
	if b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Flush()
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Add buffers a standard output line.
func (b *Buffer) Add(line string) { b.append(Entry{Kind: KindLog, Text: line}) }

// Error buffers an error output line.
func (b *Buffer) Error(line string) { b.append(Entry{Kind: KindError, Text: line}) }

// Info buffers an informational output line.
func (b *Buffer) Info(line string) { b.append(Entry{Kind: KindInfo, Text: line}) }

func (b *Buffer) append(e Entry) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.entries = append(b.entries, e)
	full := len(b.entries) >= b.maxLines
	var batch []Entry
	if full {
		batch = b.entries
		b.entries = nil
	}
	b.mu.Unlock()

	if full {
		b.flush(batch)
	}
}

// Flush drains the pending batch, if any.
func (b *Buffer) Flush() {
	b.mu.Lock()
	batch := b.entries
	b.entries = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		b.flush(batch)
	}
}

// Stop flushes pending entries and discards the buffer. Stop is idempotent.
func (b *Buffer) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	batch := b.entries
	b.entries = nil
	close(b.stopCh)
	b.mu.Unlock()

	if len(batch) > 0 {
		b.flush(batch)
	}
}
