// Package stream exposes a live analysis event connection as a cancellable,
// pull-based sequence of normalized events.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rivalwatch/internal/events"
	"github.com/rivalwatch/pkg/logger"
)

var (
	// ErrStreamUnavailable is returned when the connection never opened
	ErrStreamUnavailable = errors.New("event stream unavailable")
	// ErrCancelled is returned by Next once the consumer cancelled the channel
	ErrCancelled = errors.New("event stream cancelled")
	// ErrStalled is returned when no event arrived within the idle timeout
	ErrStalled = errors.New("event stream stalled")
)

// Conn is one open transport connection delivering message frames.
// ReadMessage returns io.EOF on a normal close.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens the transport connection for an analysis task. Dial returns
// only once the connection is confirmed open.
type Dialer interface {
	Dial(ctx context.Context, taskID string) (Conn, error)
}

// DefaultBufferSize bounds the queue between the transport and the consumer
const DefaultBufferSize = 256

// Options tunes a Channel
type Options struct {
	BufferSize  int
	IdleTimeout time.Duration // 0 waits indefinitely
	Log         *logger.Logger
}

// Channel owns one connection for one task. A reader goroutine pushes decoded
// events into a bounded queue and the consumer pulls them with Next.
type Channel struct {
	taskID string
	conn   Conn
	idle   time.Duration
	log    *logger.Logger

	queue chan events.Event
	done  chan struct{}

	once      sync.Once
	cancelled atomic.Bool

	mu  sync.Mutex
	err error
}

// Open dials the task's connection and starts delivering events from it
func Open(ctx context.Context, d Dialer, taskID string, opts Options) (*Channel, error) {
	conn, err := d.Dial(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: task %s: %w", ErrStreamUnavailable, taskID, err)
	}
	return newChannel(conn, taskID, opts), nil
}

func newChannel(conn Conn, taskID string, opts Options) *Channel {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}

	c := &Channel{
		taskID: taskID,
		conn:   conn,
		idle:   opts.IdleTimeout,
		log:    log.WithComponent("stream").WithTask(taskID),
		queue:  make(chan events.Event, opts.BufferSize),
		done:   make(chan struct{}),
	}
	go c.pump()
	return c
}

// pump reads frames until the transport ends or the channel is cancelled.
// Closing the queue lets the consumer drain what was already buffered.
func (c *Channel) pump() {
	defer close(c.queue)

	for {
		frame, err := c.conn.ReadMessage()
		if err != nil {
			if !c.cancelled.Load() && !errors.Is(err, io.EOF) {
				c.setErr(err)
				c.log.Debug().Err(err).Msg("Event stream closed with error")
			}
			return
		}

		ev, ok := events.Decode(frame)
		if !ok {
			c.log.Debug().Int("bytes", len(frame)).Msg("Dropping malformed frame")
			continue
		}

		select {
		case c.queue <- ev:
		case <-c.done:
			return
		}
	}
}

// Next returns the next event in arrival order. It returns io.EOF once the
// connection has closed and every buffered event was delivered, and
// ErrCancelled after Cancel, discarding anything still buffered.
func (c *Channel) Next(ctx context.Context) (events.Event, error) {
	if c.cancelled.Load() {
		return nil, ErrCancelled
	}

	var stall <-chan time.Time
	if c.idle > 0 {
		timer := time.NewTimer(c.idle)
		defer timer.Stop()
		stall = timer.C
	}

	select {
	case ev, ok := <-c.queue:
		if c.cancelled.Load() {
			return nil, ErrCancelled
		}
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	case <-c.done:
		return nil, ErrCancelled
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-stall:
		return nil, fmt.Errorf("%w: no event for %s", ErrStalled, c.idle)
	}
}

// All ranges over the remaining events. A normal close ends the sequence
// quietly; any other error is yielded once as the final element.
func (c *Channel) All(ctx context.Context) iter.Seq2[events.Event, error] {
	return func(yield func(events.Event, error) bool) {
		for {
			ev, err := c.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Cancel stops delivery and releases the connection. Safe to call more than
// once and after the stream ended on its own.
func (c *Channel) Cancel() {
	c.once.Do(func() {
		c.cancelled.Store(true)
		close(c.done)
		if err := c.conn.Close(); err != nil {
			c.log.Debug().Err(err).Msg("Closing event stream")
		}
		c.log.Debug().Msg("Event stream cancelled")
	})
}

// Cancelled reports whether Cancel was called
func (c *Channel) Cancelled() bool {
	return c.cancelled.Load()
}

// TaskID returns the task this channel is bound to
func (c *Channel) TaskID() string {
	return c.taskID
}

// Err returns the transport error that ended the stream, if any
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}
