package session

import (
	"errors"
	"sync"
)

var (
	// ErrBufferFull is returned by Client.Send when the client cannot keep up.
	ErrBufferFull = errors.New("client send buffer full")
	// ErrClientClosed is returned by Client.Send after Close.
	ErrClientClosed = errors.New("client closed")
)

// Client is one registered connection.
type Client interface {
	ID() string
	// Send queues msg without blocking.
	Send(msg *Message) error
	// Close disconnects the client. It must be safe to call more than once.
	Close() error
}

// Outbox is a Client backed by a buffered channel, drained by a transport's write loop.
type Outbox struct {
	id   string
	ch   chan *Message
	done chan struct{}
	once sync.Once
}

// DefaultOutboxSize is the send buffer used when NewOutbox is given a size <= 0.
const DefaultOutboxSize = 256

// NewOutbox creates an outbox for connection id holding up to size messages.
func NewOutbox(id string, size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{id: id, ch: make(chan *Message, size), done: make(chan struct{})}
}

func (o *Outbox) ID() string { return o.id }

func (o *Outbox) Send(msg *Message) error {
	select {
	case <-o.done:
		return ErrClientClosed
	default:
	}
	select {
	case o.ch <- msg:
		return nil
	default:
		return ErrBufferFull
	}
}

func (o *Outbox) Close() error {
	o.once.Do(func() { close(o.done) })
	return nil
}

// Messages is the queue the write loop drains.
func (o *Outbox) Messages() <-chan *Message { return o.ch }

// Done is closed once the outbox is closed, by the session or the transport.
func (o *Outbox) Done() <-chan struct{} { return o.done }
