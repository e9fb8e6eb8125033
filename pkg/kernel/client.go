package kernel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/folio/internal/logging"
)

// Handler receives every event the kernel reports. It is called from the client's read
// goroutines and must not block for long.
type Handler func(Event)

// Call is the future of one execute request.
type Call struct {
	MsgID string

	done  chan struct{}
	once  sync.Once
	reply *ExecuteReply
	err   error
}

func newCall(msgID string) *Call {
	return &Call{MsgID: msgID, done: make(chan struct{})}
}

func (c *Call) resolve(reply *ExecuteReply, err error) {
	c.once.Do(func() {
		c.reply, c.err = reply, err
		close(c.done)
	})
}

// Done is closed once the call has a reply or has failed.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the reply arrives, the call fails, or ctx is done.
func (c *Call) Wait(ctx context.Context) (*ExecuteReply, error) {
	select {
	case <-c.done:
		return c.reply, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DefaultReplyGrace bounds how long a replied request waits for its idle status.
const DefaultReplyGrace = 5 * time.Second

type pending struct {
	origin  *RequestContext
	call    *Call
	replied bool
	idle    bool
	expiry  *time.Timer
}

// Client speaks the shell and iopub channels of one running kernel and owns the table of
// in-flight requests.
type Client struct {
	shell   Conn
	iopub   Conn
	control Conn
	codec   *Codec
	handler Handler
	logger  *slog.Logger
	grace   time.Duration

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithReplyGrace sets how long a request stays attributable after its execute_reply when
// the idle status never arrives. Zero releases it on the reply.
func WithReplyGrace(d time.Duration) ClientOption {
	return func(c *Client) { c.grace = d }
}

// WithControl sets the control channel used for shutdown requests.
func WithControl(conn Conn) ClientOption {
	return func(c *Client) { c.control = conn }
}

// NewClient starts reading from shell and iopub. Events are delivered to handler.
func NewClient(shell, iopub Conn, codec *Codec, handler Handler, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		shell:   shell,
		iopub:   iopub,
		codec:   codec,
		handler: handler,
		logger:  logging.NewNop(),
		grace:   DefaultReplyGrace,
		pending: make(map[string]*pending),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.handler == nil {
		c.handler = func(Event) {}
	}

	c.wg.Add(2)
	go c.readLoop(ctx, "shell", c.shell, c.handleShell)
	go c.readLoop(ctx, "iopub", c.iopub, c.handleIOPub)
	go func() {
		c.wg.Wait()
		close(c.done)
	}()
	return c
}

// Done is closed after both read loops have exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Pending returns the number of requests still tracked.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) readLoop(ctx context.Context, channel string, conn Conn, handle func(*Message)) {
	defer c.wg.Done()
	for {
		frames, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrConnClosed) {
				c.logger.Warn("kernel channel read failed", "channel", channel, "err", err)
			}
			return
		}
		msg, err := c.codec.Decode(frames)
		if err != nil {
			c.logger.Warn("dropping kernel message", "channel", channel, "err", err)
			continue
		}
		handle(msg)
	}
}

// track registers a request under msgID.
func (c *Client) track(msgID string, origin *RequestContext) (*Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrKernelUnavailable
	}
	call := newCall(msgID)
	c.pending[msgID] = &pending{origin: origin, call: call}
	return call, nil
}

func (c *Client) forget(msgID string) {
	c.mu.Lock()
	delete(c.pending, msgID)
	c.mu.Unlock()
}

// lookup returns the origin of a parent msg id, or nil when it is not one of ours.
func (c *Client) lookup(parentID string) *RequestContext {
	if parentID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[parentID]; ok {
		return p.origin
	}
	return nil
}

// markReplied records the reply and returns the pending entry, or nil if unknown.
func (c *Client) markReplied(parentID string) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[parentID]
	if !ok {
		return nil
	}
	p.replied = true
	switch {
	case p.idle || c.grace <= 0:
		delete(c.pending, parentID)
	case p.expiry == nil:
		// Iopub messages can be lost, so the idle status is not guaranteed to arrive.
		p.expiry = time.AfterFunc(c.grace, func() { c.expire(parentID, p) })
	}
	return p
}

func (c *Client) expire(msgID string, p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[msgID] == p {
		delete(c.pending, msgID)
		c.logger.Debug("released request without idle status", "msg_id", msgID)
	}
}

func (c *Client) markIdle(parentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[parentID]
	if !ok {
		return
	}
	p.idle = true
	if p.replied {
		if p.expiry != nil {
			p.expiry.Stop()
		}
		delete(c.pending, parentID)
	}
}

// FailAll fails every outstanding call with err and empties the table.
func (c *Client) FailAll(err error) {
	c.mu.Lock()
	calls := make([]*Call, 0, len(c.pending))
	for id, p := range c.pending {
		if p.expiry != nil {
			p.expiry.Stop()
		}
		calls = append(calls, p.call)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, call := range calls {
		call.resolve(nil, err)
	}
}

// Close stops the read loops, closes the channels and fails outstanding calls with
// ErrKernelUnavailable.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		_ = c.shell.Close()
		_ = c.iopub.Close()
		if c.control != nil {
			_ = c.control.Close()
		}
		c.FailAll(ErrKernelUnavailable)
	})
	<-c.done
	return nil
}

func (c *Client) send(ctx context.Context, conn Conn, msg *Message) error {
	frames, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, frames); err != nil {
		if errors.Is(err, ErrConnClosed) {
			return ErrKernelUnavailable
		}
		return err
	}
	return nil
}
