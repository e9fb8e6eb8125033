package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// zmqConn adapts a ZeroMQ socket to Conn. A single reader goroutine feeds Recv so callers can
// cancel a receive without closing the socket.
type zmqConn struct {
	sock   zmq4.Socket
	cancel context.CancelFunc
	in     chan [][]byte
	done   chan struct{}
	err    error
	once   sync.Once
	sendMu sync.Mutex
}

// DialShell connects a DEALER socket to a kernel shell or control endpoint.
func DialShell(ctx context.Context, endpoint, identity string) (Conn, error) {
	sockCtx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewDealer(sockCtx, zmq4.WithID(zmq4.SocketIdentity(identity)), zmq4.WithDialerRetry(250*time.Millisecond))
	if err := dial(ctx, sock, endpoint); err != nil {
		cancel()
		_ = sock.Close()
		return nil, err
	}
	return newZMQConn(sock, cancel), nil
}

// DialIOPub connects a SUB socket subscribed to every topic of a kernel iopub endpoint.
func DialIOPub(ctx context.Context, endpoint string) (Conn, error) {
	sockCtx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewSub(sockCtx, zmq4.WithDialerRetry(250*time.Millisecond))
	if err := dial(ctx, sock, endpoint); err != nil {
		cancel()
		_ = sock.Close()
		return nil, err
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		cancel()
		_ = sock.Close()
		return nil, fmt.Errorf("subscribe %s: %w", endpoint, err)
	}
	return newZMQConn(sock, cancel), nil
}

func dial(ctx context.Context, sock zmq4.Socket, endpoint string) error {
	errc := make(chan error, 1)
	go func() { errc <- sock.Dial(endpoint) }()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("dial %s: %w", endpoint, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dial %s: %w", endpoint, ctx.Err())
	}
}

func newZMQConn(sock zmq4.Socket, cancel context.CancelFunc) *zmqConn {
	c := &zmqConn{
		sock:   sock,
		cancel: cancel,
		in:     make(chan [][]byte, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *zmqConn) readLoop() {
	for {
		msg, err := c.sock.Recv()
		if err != nil {
			c.closeWith(err)
			return
		}
		select {
		case c.in <- msg.Frames:
		case <-c.done:
			return
		}
	}
}

func (c *zmqConn) Send(ctx context.Context, frames [][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sock.SendMulti(zmq4.NewMsgFrom(frames...))
}

func (c *zmqConn) Recv(ctx context.Context) ([][]byte, error) {
	select {
	case frames := <-c.in:
		return frames, nil
	case <-c.done:
		if c.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnClosed, c.err)
		}
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *zmqConn) Close() error {
	c.closeWith(nil)
	return c.sock.Close()
}

func (c *zmqConn) closeWith(err error) {
	c.once.Do(func() {
		c.err = err
		c.cancel()
		close(c.done)
	})
}
