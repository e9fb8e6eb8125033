package kernel

import (
	"context"
	"errors"
	"sync"
)

// ErrConnClosed is returned by Send and Recv after the connection was closed.
var ErrConnClosed = errors.New("kernel connection closed")

// Conn moves multipart frames to and from one kernel channel.
type Conn interface {
	Send(ctx context.Context, frames [][]byte) error
	Recv(ctx context.Context) ([][]byte, error)
	Close() error
}

// pipeEnd is one side of an in-memory Conn pair.
type pipeEnd struct {
	in   <-chan [][]byte
	out  chan<- [][]byte
	done chan struct{}
	once *sync.Once
}

// NewPipe returns two connected in-memory Conns. Closing either side closes both.
func NewPipe() (Conn, Conn) {
	ab := make(chan [][]byte, 64)
	ba := make(chan [][]byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{in: ba, out: ab, done: done, once: once}, &pipeEnd{in: ab, out: ba, done: done, once: once}
}

func (p *pipeEnd) Send(ctx context.Context, frames [][]byte) error {
	copied := make([][]byte, len(frames))
	for i, f := range frames {
		copied[i] = append([]byte(nil), f...)
	}
	select {
	case <-p.done:
		return ErrConnClosed
	default:
	}
	select {
	case p.out <- copied:
		return nil
	case <-p.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) ([][]byte, error) {
	select {
	case frames := <-p.in:
		return frames, nil
	case <-p.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
