package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// WebSocketTransport carries messages over one websocket connection
type WebSocketTransport struct {
	conn *websocket.Conn
	in   *inbox

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// NewWebSocketTransport wraps an established connection and starts its
// read and keepalive loops
func NewWebSocketTransport(conn *websocket.Conn, maxFrame int) *WebSocketTransport {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	t := &WebSocketTransport{
		conn: conn,
		in:   newInbox(64),
		done: make(chan struct{}),
	}
	conn.SetReadLimit(int64(maxFrame))
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go t.readLoop()
	go t.pingLoop()
	return t
}

func (t *WebSocketTransport) readLoop() {
	defer t.Close()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = io.EOF
			}
			t.in.push(frame{err: err})
			return
		}

		var msg Message
		if err := sonic.Unmarshal(data, &msg); err != nil {
			if !t.in.push(frame{err: &types.ProtocolError{Reason: fmt.Sprintf("malformed frame: %v", err)}}) {
				return
			}
			continue
		}
		if !t.in.push(frame{msg: &msg}) {
			return
		}
	}
}

func (t *WebSocketTransport) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}

// Send writes msg as one text frame
func (t *WebSocketTransport) Send(ctx context.Context, msg *Message) error {
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

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive returns the next decoded frame
func (t *WebSocketTransport) Receive(ctx context.Context) (*Message, error) {
	return t.in.receive(ctx)
}

// Close sends a close frame and tears the connection down
func (t *WebSocketTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.in.close()
		close(t.done)

		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "host closing"),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// ErrPeerConnected is returned to a second peer while one is attached
var ErrPeerConnected = errors.New("a privileged peer is already connected")

// Acceptor upgrades incoming HTTP requests to websocket transports and hands
// them out one at a time. Only one peer may be attached at once.
type Acceptor struct {
	maxFrame int
	logger   *logging.Logger
	upgrader websocket.Upgrader
	conns    chan *WebSocketTransport

	mu       sync.Mutex
	reserved bool // Protected by mu; a peer is upgrading or attached
}

// NewAcceptor creates an acceptor. Browser requests must carry an Origin in
// allowOrigins ("*" admits any); requests without an Origin header are
// non-browser peers and are always admitted.
func NewAcceptor(maxFrame int, allowOrigins []string, logger *logging.Logger) *Acceptor {
	if logger == nil {
		logger = logging.NewNop()
	}
	allowed := make(map[string]struct{}, len(allowOrigins))
	for _, o := range allowOrigins {
		allowed[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	a := &Acceptor{
		maxFrame: maxFrame,
		logger:   logger,
		conns:    make(chan *WebSocketTransport, 1),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if _, ok := allowed["*"]; ok {
				return true
			}
			_, ok := allowed[origin]
			if !ok {
				logger.Warn("Rejected IPC peer origin", zap.String("origin", origin))
			}
			return ok
		},
	}
	return a
}

// Handle is the gin handler for the IPC websocket endpoint
func (a *Acceptor) Handle(c *gin.Context) {
	if !a.reserve() {
		c.JSON(http.StatusConflict, gin.H{"error": ErrPeerConnected.Error()})
		return
	}

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.release()
		a.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	t := NewWebSocketTransport(conn, a.maxFrame)
	go func() {
		<-t.done
		a.release()
	}()

	// The slot is held, so the buffered hand-off never blocks
	a.conns <- t
	a.logger.Info("Privileged peer connected", zap.String("remote", c.Request.RemoteAddr))
}

func (a *Acceptor) reserve() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reserved {
		return false
	}
	a.reserved = true
	return true
}

func (a *Acceptor) release() {
	a.mu.Lock()
	a.reserved = false
	a.mu.Unlock()
}

// Accept waits for the next peer, skipping peers that left before they
// were accepted
func (a *Acceptor) Accept(ctx context.Context) (*WebSocketTransport, error) {
	for {
		select {
		case t := <-a.conns:
			if t.in.isClosed() {
				continue
			}
			return t, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
