// Package logstream streams build log lines to a pub/sub channel.
package logstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultChannelPrefix is prepended to the project ID to form a channel name.
	DefaultChannelPrefix = "logs:"

	defaultBufferSize     = 1024
	defaultPublishTimeout = 5 * time.Second
)

// Publisher publishes a message to a pub/sub channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// Event is the message published for every log line.
type Event struct {
	Log string `json:"log"`
}

// Channel returns the channel name of the project's log stream.
func Channel(prefix, projectID string) string {
	return prefix + projectID
}

// EmitterOptions configures an Emitter. Zero values use the defaults.
type EmitterOptions struct {
	BufferSize     int           // default: 1024
	PublishTimeout time.Duration // default: 5s
	Logger         *slog.Logger  // default: slog.Default()
}

// Emitter publishes log lines to a single channel without blocking its callers.
//
// Lines are published one at a time in the order Emit was called. A failed
// publish is logged and forgotten. When the buffer is full, new lines are
// dropped rather than stalling the caller.
type Emitter struct {
	publisher Publisher
	channel   string
	timeout   time.Duration
	log       *slog.Logger

	mu     sync.RWMutex
	closed bool
	events chan []byte
	done   chan struct{}
}

// NewEmitter starts an Emitter that publishes to channel.
// Close must be called to flush pending lines and stop it.
func NewEmitter(publisher Publisher, channel string, opts *EmitterOptions) *Emitter {
	if opts == nil {
		opts = &EmitterOptions{}
	}
	bufferSize := opts.BufferSize
	if bufferSize < 1 {
		bufferSize = defaultBufferSize
	}
	timeout := opts.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	e := &Emitter{
		publisher: publisher,
		channel:   channel,
		timeout:   timeout,
		log:       log.With("component", "logstream", "channel", channel),
		events:    make(chan []byte, bufferSize),
		done:      make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit queues text for publishing. It never blocks.
func (e *Emitter) Emit(text string) {
	message, err := json.Marshal(Event{Log: text})
	if err != nil {
		e.log.Warn("didn't marshal log event", "error", err)
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- message:
	default:
		e.log.Warn("dropped log event", "reason", "buffer full")
	}
}

// Close stops accepting lines, publishes the queued ones and waits until done.
func (e *Emitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
	e.mu.Unlock()

	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)

	for message := range e.events {
		e.publish(message)
	}
}

func (e *Emitter) publish(message []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	if err := e.publisher.Publish(ctx, e.channel, message); err != nil {
		e.log.Warn("didn't publish log event", "error", err)
	}
}
