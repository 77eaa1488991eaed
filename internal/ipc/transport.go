package ipc

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed is returned after Close
var ErrTransportClosed = errors.New("ipc transport closed")

// Transport moves whole messages between the host and the privileged process
type Transport interface {
	Send(ctx context.Context, msg *Message) error
	// Receive blocks for the next message. A malformed frame yields a
	// *types.ProtocolError and the transport stays usable; io.EOF or
	// ErrTransportClosed end the stream.
	Receive(ctx context.Context) (*Message, error)
	Close() error
}

// frame is one decoded inbound unit handed from a read loop to Receive
type frame struct {
	msg *Message
	err error
}

// inbox is the shared Receive side of the stream transports
type inbox struct {
	frames    chan frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newInbox(size int) *inbox {
	return &inbox{
		frames: make(chan frame, size),
		closed: make(chan struct{}),
	}
}

// push delivers a frame unless the inbox was closed
func (in *inbox) push(f frame) bool {
	select {
	case in.frames <- f:
		return true
	case <-in.closed:
		return false
	}
}

// receive returns the next frame. Frames pushed before close are still
// delivered, so a read loop's final error is not lost to the close.
func (in *inbox) receive(ctx context.Context) (*Message, error) {
	select {
	case f := <-in.frames:
		return f.msg, f.err
	case <-in.closed:
		select {
		case f := <-in.frames:
			return f.msg, f.err
		default:
			return nil, ErrTransportClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (in *inbox) close() {
	in.closeOnce.Do(func() { close(in.closed) })
}

func (in *inbox) isClosed() bool {
	select {
	case <-in.closed:
		return true
	default:
		return false
	}
}

// pipeEnd is one side of an in-memory Pipe
type pipeEnd struct {
	in   *inbox
	peer *pipeEnd
}

// Pipe returns two connected in-memory transports. Messages sent on one are
// received on the other; closing either closes both.
func Pipe() (Transport, Transport) {
	a := &pipeEnd{in: newInbox(64)}
	b := &pipeEnd{in: newInbox(64)}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, msg *Message) error {
	if p.in.isClosed() {
		return ErrTransportClosed
	}
	copied := *msg
	select {
	case p.peer.in.frames <- frame{msg: &copied}:
		return nil
	case <-p.peer.in.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) (*Message, error) {
	return p.in.receive(ctx)
}

func (p *pipeEnd) Close() error {
	p.in.close()
	p.peer.in.close()
	return nil
}
