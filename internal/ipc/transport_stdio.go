package ipc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"github.com/bytedance/sonic"
)

// DefaultMaxFrameBytes bounds one newline-delimited frame
const DefaultMaxFrameBytes = 8 << 20

// StdioTransport speaks newline-delimited JSON over a reader/writer pair,
// normally the host process's stdin and stdout.
type StdioTransport struct {
	in *inbox

	writeMu sync.Mutex
	w       *bufio.Writer
	closer  io.Closer
}

// NewStdioTransport starts reading frames from r. maxFrame <= 0 uses
// DefaultMaxFrameBytes. If w is an io.Closer it is closed by Close.
func NewStdioTransport(r io.Reader, w io.Writer, maxFrame int) *StdioTransport {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	t := &StdioTransport{
		in: newInbox(64),
		w:  bufio.NewWriter(w),
	}
	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}
	go t.readLoop(r, maxFrame)
	return t
}

func (t *StdioTransport) readLoop(r io.Reader, maxFrame int) {
	initial := 64 * 1024
	if maxFrame < initial {
		initial = maxFrame
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initial), maxFrame)

	for scanner.Scan() {
		// Text copies; decoded strings may alias their input
		line := scanner.Text()
		if line == "" {
			continue
		}

		var msg Message
		if err := sonic.UnmarshalString(line, &msg); err != nil {
			if !t.in.push(frame{err: &types.ProtocolError{Reason: fmt.Sprintf("malformed frame: %v", err)}}) {
				return
			}
			continue
		}
		if msg.Type == "" {
			if !t.in.push(frame{err: &types.ProtocolError{Reason: "missing message type"}}) {
				return
			}
			continue
		}
		if !t.in.push(frame{msg: &msg}) {
			return
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	t.in.push(frame{err: err})
}

// Send writes msg as one line
func (t *StdioTransport) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.in.isClosed() {
		return ErrTransportClosed
	}

	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.w.Write(data); err != nil {
		return err
	}
	if err := t.w.WriteByte('\n'); err != nil {
		return err
	}
	return t.w.Flush()
}

// Receive returns the next decoded frame
func (t *StdioTransport) Receive(ctx context.Context) (*Message, error) {
	return t.in.receive(ctx)
}

// Close stops delivery and closes the writer if it can be closed. The
// reader is left to the owner since stdin cannot be unblocked portably.
func (t *StdioTransport) Close() error {
	t.in.close()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.w.Flush()
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}
