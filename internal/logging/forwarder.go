package logging

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultFlushInterval = time.Second
	defaultMaxBatchSize  = 100
	defaultBufferSize    = 1000
)

// Entry is a log record copied for forwarding.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Sink receives batches of forwarded entries. It runs on the forwarder's
// goroutine and must not retain the slice.
type Sink func(entries []Entry)

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	Sink          Sink
	MinLevel      string // "debug", "info", "warn", "error"
	FlushInterval time.Duration
	BufferSize    int
}

// Forwarder buffers log entries and hands them to a sink in batches, so
// loggers on the display loop never wait on observers.
type Forwarder struct {
	sink          Sink
	flushInterval time.Duration
	buffer        chan Entry
	stopChan      chan struct{}
	wg            sync.WaitGroup
	stopOnce      sync.Once
	minLevel      atomic.Int64
	droppedCount  atomic.Int64
}

func NewForwarder(cfg ForwarderConfig) *Forwarder {
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	f := &Forwarder{
		sink:          cfg.Sink,
		flushInterval: interval,
		buffer:        make(chan Entry, size),
		stopChan:      make(chan struct{}),
	}
	f.minLevel.Store(int64(parseLevel(cfg.MinLevel)))
	return f
}

// Start begins the background flush loop.
func (f *Forwarder) Start() {
	f.wg.Add(1)
	go f.loop()
}

// Stop flushes what is buffered and stops the loop. Safe to call multiple times.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopChan)
	})
	f.wg.Wait()
}

// Enqueue adds an entry without blocking; entries are dropped when the buffer is full.
func (f *Forwarder) Enqueue(entry Entry) {
	select {
	case f.buffer <- entry:
	default:
		dropped := f.droppedCount.Add(1)
		if dropped == 1 || dropped%100 == 0 {
			fmt.Fprintf(os.Stderr, "[log-forwarder] buffer full, dropped %d log entries\n", dropped)
		}
	}
}

// Dropped returns how many entries were discarded because the buffer was full.
func (f *Forwarder) Dropped() int64 {
	return f.droppedCount.Load()
}

// SetMinLevel adjusts the minimum forwarded level.
func (f *Forwarder) SetMinLevel(level string) {
	f.minLevel.Store(int64(parseLevel(level)))
}

// ShouldForward reports whether a record at level meets the minimum.
func (f *Forwarder) ShouldForward(level slog.Level) bool {
	return int64(level) >= f.minLevel.Load()
}

func (f *Forwarder) loop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, defaultMaxBatchSize)
	flush := func() {
		if len(batch) > 0 && f.sink != nil {
			f.sink(batch)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-f.stopChan:
		drain:
			for {
				select {
				case entry := <-f.buffer:
					batch = append(batch, entry)
					if len(batch) >= defaultMaxBatchSize {
						flush()
					}
				default:
					break drain
				}
			}
			flush()
			return

		case entry := <-f.buffer:
			batch = append(batch, entry)
			if len(batch) >= defaultMaxBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}
