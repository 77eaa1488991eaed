// Package devpeer is an in-process stand-in for the privileged application.
// It answers capability calls from a local workspace and in-memory storage so
// an extension can be exercised without the real application attached.
package devpeer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/domain/capability"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/id"
	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// ErrUnsupported is returned for capabilities the dev peer does not provide
var ErrUnsupported = errors.New("not available in the dev harness")

// Peer drives a host over a transport
type Peer struct {
	transport ipc.Transport
	root      string
	fsys      fs.FS
	logger    *logging.Logger
	observe   func(*ipc.Message)

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	waiters  map[string]chan *ipc.Message // by requestId
	storage  map[string]interface{}
	commands map[string]string // command id -> extension id
	config   map[string]map[string]interface{}
}

// Option configures a Peer
type Option func(*Peer)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(p *Peer) { p.logger = logger }
}

// WithObserver receives every message from the host that is not a reply to a
// Request, e.g. violations, kills and stats
func WithObserver(fn func(*ipc.Message)) Option {
	return func(p *Peer) { p.observe = fn }
}

// WithConfiguration seeds workspace.getConfiguration sections
func WithConfiguration(cfg map[string]map[string]interface{}) Option {
	return func(p *Peer) { p.config = cfg }
}

// New creates a peer serving workspace calls from root
func New(transport ipc.Transport, root string, opts ...Option) *Peer {
	p := &Peer{
		transport: transport,
		root:      root,
		fsys:      os.DirFS(root),
		logger:    logging.NewNop(),
		observe:   func(*ipc.Message) {},
		ready:     make(chan struct{}),
		waiters:   make(map[string]chan *ipc.Message),
		storage:   make(map[string]interface{}),
		commands:  make(map[string]string),
		config:    make(map[string]map[string]interface{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ready is closed once host:ready arrives
func (p *Peer) Ready() <-chan struct{} {
	return p.ready
}

// Run reads host messages until the transport closes or ctx ends
func (p *Peer) Run(ctx context.Context) error {
	for {
		msg, err := p.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ipc.ErrTransportClosed) {
				return nil
			}
			return err
		}

		switch {
		case msg.Type == ipc.TypeAPICall && msg.CallID != "":
			go p.serve(ctx, msg)
		case msg.Type == ipc.TypeHostReady:
			p.readyOnce.Do(func() { close(p.ready) })
			p.observe(msg)
		case msg.RequestID != "" && p.deliver(msg):
		default:
			p.observe(msg)
		}
	}
}

func (p *Peer) deliver(msg *ipc.Message) bool {
	p.mu.Lock()
	ch, ok := p.waiters[msg.RequestID]
	delete(p.waiters, msg.RequestID)
	p.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

// Request sends msg with a fresh request id and waits for its reply
func (p *Peer) Request(ctx context.Context, msg *ipc.Message) (*ipc.Message, error) {
	msg.RequestID = id.NewRequestID().String()
	ch := make(chan *ipc.Message, 1)

	p.mu.Lock()
	p.waiters[msg.RequestID] = ch
	p.mu.Unlock()

	if err := p.transport.Send(ctx, msg); err != nil {
		p.mu.Lock()
		delete(p.waiters, msg.RequestID)
		p.mu.Unlock()
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.waiters, msg.RequestID)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Send sends msg without waiting for a reply
func (p *Peer) Send(ctx context.Context, msg *ipc.Message) error {
	return p.transport.Send(ctx, msg)
}

// Storage returns a copy of the in-memory storage
func (p *Peer) Storage() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]interface{}, len(p.storage))
	for k, v := range p.storage {
		out[k] = v
	}
	return out
}

func (p *Peer) serve(ctx context.Context, call *ipc.Message) {
	result, err := p.handle(ctx, call)

	reply := ipc.NewMessage(ipc.TypeAPIResult, call.ExtensionID)
	reply.CallID = call.CallID
	if err != nil {
		reply.Type = ipc.TypeAPIError
		reply.Error = err.Error()
	} else {
		reply.Result = result
	}
	if err := p.transport.Send(ctx, reply); err != nil {
		p.logger.Debug("Failed to answer capability call", zap.String("call_id", call.CallID), zap.Error(err))
	}
}

func (p *Peer) handle(ctx context.Context, call *ipc.Message) (interface{}, error) {
	log := p.logger.With(
		zap.String("extension_id", call.ExtensionID),
		zap.String("api", call.API),
		zap.String("method", call.Method))
	args := call.Args

	switch call.API {
	case capability.NamespaceStorage:
		return p.storageCall(call.Method, args)

	case capability.NamespaceUI:
		switch call.Method {
		case "showInformationMessage", "showWarningMessage", "showErrorMessage":
			log.Info("Extension message", zap.String("message", stringArg(args, 0)))
			if len(args) > 1 {
				return stringArg(args, 1), nil
			}
			return nil, nil
		case "showQuickPick":
			items := stringsArg(args, 0)
			if len(items) == 0 {
				return nil, nil
			}
			return items[0], nil
		case "setStatusBarMessage":
			log.Info("Status bar", zap.String("text", stringArg(args, 0)))
			return nil, nil
		}

	case capability.NamespaceCommands:
		return p.commandCall(ctx, call.ExtensionID, call.Method, args)

	case capability.NamespaceWorkspace:
		switch call.Method {
		case "getConfiguration":
			p.mu.Lock()
			section := p.config[stringArg(args, 0)]
			p.mu.Unlock()
			if section == nil {
				return map[string]interface{}{}, nil
			}
			return section, nil
		case "getWorkspaceFolders":
			return []string{p.root}, nil
		case "findFiles":
			return p.findFiles(stringArg(args, 0), stringArg(args, 1))
		}

	case capability.NamespaceEvents:
		if call.Method == "emit" {
			ev := ipc.NewMessage(ipc.TypeEventDispatch, "")
			ev.Event = stringArg(args, 0)
			if len(args) > 1 {
				ev.Args = []interface{}{args[1]}
			}
			return nil, p.transport.Send(ctx, ev)
		}

	case capability.NamespaceTelemetry:
		log.Info("Telemetry", zap.String("name", stringArg(args, 0)))
		return nil, nil

	case capability.NamespaceNetwork:
		return nil, fmt.Errorf("network.%s: %w", call.Method, ErrUnsupported)
	}

	return nil, fmt.Errorf("%s.%s: %w", call.API, call.Method, ErrUnsupported)
}

func (p *Peer) storageCall(method string, args []interface{}) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch method {
	case "get":
		return p.storage[stringArg(args, 0)], nil
	case "set":
		var v interface{}
		if len(args) > 1 {
			v = args[1]
		}
		p.storage[stringArg(args, 0)] = v
		return nil, nil
	case "delete":
		delete(p.storage, stringArg(args, 0))
		return nil, nil
	case "keys":
		keys := make([]string, 0, len(p.storage))
		for k := range p.storage {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys, nil
	}
	return nil, fmt.Errorf("storage.%s: %w", method, ErrUnsupported)
}

func (p *Peer) commandCall(ctx context.Context, extensionID, method string, args []interface{}) (interface{}, error) {
	commandID := stringArg(args, 0)

	switch method {
	case "registerCommand":
		p.mu.Lock()
		p.commands[commandID] = extensionID
		p.mu.Unlock()
		return nil, nil
	case "unregisterCommand":
		p.mu.Lock()
		delete(p.commands, commandID)
		p.mu.Unlock()
		return nil, nil
	case "executeCommand":
		p.mu.Lock()
		owner, ok := p.commands[commandID]
		p.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("command %q is not registered", commandID)
		}
		invoke := ipc.NewMessage(ipc.TypeCommandInvoke, owner)
		invoke.Method = commandID
		invoke.Args = args[1:]
		reply, err := p.Request(ctx, invoke)
		if err != nil {
			return nil, err
		}
		if reply.Type == ipc.TypeAPIError {
			return nil, errors.New(reply.Error)
		}
		return reply.Result, nil
	}
	return nil, fmt.Errorf("commands.%s: %w", method, ErrUnsupported)
}

func (p *Peer) findFiles(include, exclude string) ([]string, error) {
	if include == "" {
		include = "**"
	}
	matches, err := doublestar.Glob(p.fsys, include, doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}
	if exclude == "" {
		return matches, nil
	}
	kept := matches[:0]
	for _, m := range matches {
		if ok, _ := doublestar.Match(exclude, m); !ok {
			kept = append(kept, m)
		}
	}
	return kept, nil
}

func stringArg(args []interface{}, i int) string {
	if i >= len(args) {
		return ""
	}
	s, _ := args[i].(string)
	return s
}

// stringsArg accepts both decoded JSON arrays and in-process string slices
func stringsArg(args []interface{}, i int) []string {
	if i >= len(args) {
		return nil
	}
	switch v := args[i].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
