package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"rowflow/internal/row"
)

var errEndOfStream = errors.New("end of stream already posted")

// Channel is a bounded FIFO of rows between two transform copies. The
// producer posts end-of-stream with Finish or an error marker with Fail;
// the consumer (or the graph) may Detach at any time.
type Channel struct {
	name string
	meta *row.Meta

	mu       sync.Mutex
	cond     *sync.Cond
	buf      []row.Row
	head     int
	n        int
	eos      bool
	failure  error
	detached error
}

func NewChannel(name string, meta *row.Meta, capacity int) *Channel {
	if capacity <= 0 {
		capacity = 1
	}
	c := &Channel{name: name, meta: meta, buf: make([]row.Row, capacity)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Channel) Name() string    { return c.name }
func (c *Channel) Meta() *row.Meta { return c.meta }
func (c *Channel) Cap() int        { return len(c.buf) }

func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Send blocks while the channel is full.
func (c *Channel) Send(ctx context.Context, r row.Row) error {
	if c.meta != nil {
		if err := c.meta.Conforms(r); err != nil {
			return fmt.Errorf("channel %s: %w", c.name, err)
		}
	}
	var stop func() bool
	defer func() {
		if stop != nil {
			stop()
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if err := c.closedLocked(); err != nil {
			return err
		}
		if c.eos {
			return c.closed(errEndOfStream)
		}
		if c.n < len(c.buf) {
			c.buf[(c.head+c.n)%len(c.buf)] = r
			c.n++
			c.cond.Broadcast()
			return nil
		}
		if err := ctx.Err(); err != nil {
			c.detachLocked(err)
			return c.closed(err)
		}
		if stop == nil {
			stop = c.wakeOn(ctx)
		}
		c.cond.Wait()
	}
}

// Receive blocks while the channel is empty and open. It returns ok=false
// with a nil error once end-of-stream is posted and the queue is drained.
func (c *Channel) Receive(ctx context.Context) (row.Row, bool, error) {
	var stop func() bool
	defer func() {
		if stop != nil {
			stop()
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if err := c.closedLocked(); err != nil {
			return nil, false, err
		}
		if c.n > 0 {
			r := c.buf[c.head]
			c.buf[c.head] = nil
			c.head = (c.head + 1) % len(c.buf)
			c.n--
			c.cond.Broadcast()
			return r, true, nil
		}
		if c.eos {
			return nil, false, nil
		}
		if err := ctx.Err(); err != nil {
			c.detachLocked(err)
			return nil, false, c.closed(err)
		}
		if stop == nil {
			stop = c.wakeOn(ctx)
		}
		c.cond.Wait()
	}
}

// Finish posts end-of-stream. Queued rows remain readable.
func (c *Channel) Finish() {
	c.mu.Lock()
	c.eos = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Fail posts an error marker; the consumer sees it on its next Receive.
func (c *Channel) Fail(err error) {
	if err == nil {
		err = ErrChannelClosed
	}
	c.mu.Lock()
	if c.failure == nil {
		c.failure = err
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Detach closes the channel from the consumer side and drops queued rows.
func (c *Channel) Detach(cause error) {
	c.mu.Lock()
	c.detachLocked(cause)
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *Channel) detachLocked(cause error) {
	if c.detached != nil {
		return
	}
	if cause == nil {
		cause = ErrChannelClosed
	}
	c.detached = cause
	for i := range c.buf {
		c.buf[i] = nil
	}
	c.n = 0
}

func (c *Channel) closedLocked() error {
	if c.detached != nil {
		return c.closed(c.detached)
	}
	if c.failure != nil {
		return c.closed(c.failure)
	}
	return nil
}

func (c *Channel) closed(cause error) error {
	if cause == ErrChannelClosed {
		cause = nil
	}
	return &ClosedError{Channel: c.name, Cause: cause}
}

// wakeOn wakes blocked callers when ctx ends. Called with c.mu held.
func (c *Channel) wakeOn(ctx context.Context) func() bool {
	if ctx.Done() == nil {
		return func() bool { return false }
	}
	return context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
}
