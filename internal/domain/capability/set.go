package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/domain/sandbox"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/monitoring"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// unregisterTimeout bounds the remote unregister sent when a command is disposed
const unregisterTimeout = 5 * time.Second

// Set is the capability surface handed to one extension
type Set struct {
	ExtensionID string
	UI          UI
	Storage     Storage
	Commands    Commands
	Workspace   Workspace
	Events      Events
	Telemetry   Telemetry
	Network     Network

	logger *logging.Logger
}

// Factory builds per-extension capability sets that forward over a Caller
type Factory struct {
	caller   Caller
	activity ActivityRecorder
	metrics  *monitoring.Metrics
	logger   *logging.Logger
	limit    rate.Limit
	burst    int
}

// Option configures a Factory
type Option func(*Factory)

// WithActivityRecorder marks extension liveness on every call
func WithActivityRecorder(recorder ActivityRecorder) Option {
	return func(f *Factory) { f.activity = recorder }
}

// WithMetrics records call latency and status
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(f *Factory) { f.metrics = metrics }
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(f *Factory) { f.logger = logger }
}

// WithRateLimit bounds calls per second per extension. A non-positive rate
// disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(f *Factory) {
		if perSecond <= 0 {
			f.limit = rate.Inf
			return
		}
		f.limit = rate.Limit(perSecond)
		f.burst = burst
	}
}

// NewFactory creates a factory over caller
func NewFactory(caller Caller, opts ...Option) *Factory {
	f := &Factory{
		caller: caller,
		logger: logging.NewNop(),
		limit:  rate.Inf,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.burst <= 0 {
		f.burst = 1
	}
	return f
}

// ForExtension returns a capability set whose calls are attributed to extensionID
func (f *Factory) ForExtension(extensionID string) *Set {
	c := &client{
		extensionID: extensionID,
		caller:      f.caller,
		activity:    f.activity,
		metrics:     f.metrics,
	}
	if f.limit != rate.Inf {
		c.limiter = rate.NewLimiter(f.limit, f.burst)
	}

	return &Set{
		ExtensionID: extensionID,
		UI:          remoteUI{c},
		Storage:     remoteStorage{c},
		Commands:    remoteCommands{c},
		Workspace:   remoteWorkspace{c},
		Events:      remoteEvents{c},
		Telemetry:   remoteTelemetry{c},
		Network:     remoteNetwork{c},
		logger:      f.logger.ForExtension(extensionID),
	}
}

// Bindings exposes the set to a sandbox as api.<namespace>.<method>
func (s *Set) Bindings() map[string]map[string]sandbox.Method {
	return map[string]map[string]sandbox.Method{
		NamespaceUI: {
			"showInformationMessage": s.showMessage(s.UI.ShowInformationMessage),
			"showWarningMessage":     s.showMessage(s.UI.ShowWarningMessage),
			"showErrorMessage":       s.showMessage(s.UI.ShowErrorMessage),
			"showQuickPick": func(ctx context.Context, inv *sandbox.Invocation) (interface{}, error) {
				picked, err := s.UI.ShowQuickPick(ctx, toStrings(inv.Arg(0)), toMap(inv.Arg(1)))
				return optional(picked), err
			},
			"setStatusBarMessage": func(ctx context.Context, inv *sandbox.Invocation) (interface{}, error) {
				text, err := inv.StringArg(0)
				if err != nil {
					return nil, err
				}
				return nil, s.UI.SetStatusBarMessage(ctx, text, toInt64(inv.Arg(1)))
			},
		},
		NamespaceStorage: {
			"get": func(ctx context.Context, inv *sandbox.Invocation) (interface{}, error) {
				key, err := inv.StringArg(0)
				if err != nil {
					return nil, err
				}
				return s.Storage.Get(ctx, key)
			},
			"set": func(ctx context.Context, inv *sandbox.Invocation) (interface{}, error) {
				key, err := inv.StringArg(0)
				if err != nil {
					return nil, err
				}
				return nil, s.Storage.Set(ctx, key, inv.Arg(1))
			},
			"delete": func(ctx context.Context, inv *sandbox.Invocation) (interface{}, error) {
				key, err := inv.StringArg(0)
				if err != nil {
					return nil, err
				}
				return nil, s.Storage.Delete(ctx, key)
			},
			"keys": func(ctx context.Context, inv *sandbox.Invocation) (interface{}, error) {
				return s.Storage.Keys(ctx)
			},
		},
		NamespaceCommands: {
			"registerCommand": s.registerCommand,
			"executeCommand": func(ctx context.Context, inv *sandbox.Invocation) (interface{}, error) {
				commandID, err := inv.StringArg(0)
				if err != nil {
					return nil, err
				}
				return s.Commands.ExecuteCommand(ctx, commandID, inv.Args[1:]...)
			},
		},
		NamespaceWorkspace: {
			"getConfiguration": func(ctx context.Context, inv *sandbox.Invocation) (interface{}, error) {
				section, _ := inv.Arg(0).(string)
				return s.Workspace.GetConfiguration(ctx, section)
			},
			"getWorkspaceFolders": func(ctx context.Context, inv *sandbox.Invocation) (interface{}, error) {
				return s.Workspace.GetWorkspaceFolders(ctx)
			},
			"findFiles": func(ctx context.Context, inv *sandbox.Invocation) (interface{}, error) {
				include, err := inv.StringArg(0)
				if err != nil {
					return nil, err
				}
				exclude, _ := inv.Arg(1).(string)
				return s.Workspace.FindFiles(ctx, include, exclude)
			},
		},
		NamespaceEvents: {
			"emit": func(ctx context.Context, inv *sandbox.Invocation) (interface{}, error) {
				event, err := inv.StringArg(0)
				if err != nil {
					return nil, err
				}
				return nil, s.Events.Emit(ctx, event, inv.Arg(1))
			},
			"on": func(ctx context.Context, inv *sandbox.Invocation) (interface{}, error) {
				event, err := inv.StringArg(0)
				if err != nil {
					return nil, err
				}
				unbind, err := inv.BindCallback(1, EventKey(event))
				if err != nil {
					return nil, err
				}
				return unbind, nil
			},
		},
		NamespaceTelemetry: {
			"trackEvent": func(ctx context.Context, inv *sandbox.Invocation) (interface{}, error) {
				name, err := inv.StringArg(0)
				if err != nil {
					return nil, err
				}
				return nil, s.Telemetry.TrackEvent(ctx, name, toMap(inv.Arg(1)))
			},
			"trackError": func(ctx context.Context, inv *sandbox.Invocation) (interface{}, error) {
				message, err := inv.StringArg(0)
				if err != nil {
					return nil, err
				}
				return nil, s.Telemetry.TrackError(ctx, message, toMap(inv.Arg(1)))
			},
		},
		NamespaceNetwork: {
			"fetch": func(ctx context.Context, inv *sandbox.Invocation) (interface{}, error) {
				url, err := inv.StringArg(0)
				if err != nil {
					return nil, err
				}
				return s.Network.Fetch(ctx, url, toMap(inv.Arg(1)))
			},
		},
	}
}

// registerCommand binds the handler locally, then announces the command to
// the host. Disposing unbinds immediately and unregisters in the background.
func (s *Set) registerCommand(ctx context.Context, inv *sandbox.Invocation) (interface{}, error) {
	commandID, err := inv.StringArg(0)
	if err != nil {
		return nil, err
	}
	unbind, err := inv.BindCallback(1, CommandKey(commandID))
	if err != nil {
		return nil, err
	}
	if err := s.Commands.RegisterCommand(ctx, commandID); err != nil {
		unbind()
		return nil, fmt.Errorf("register command %s: %w", commandID, err)
	}

	return sandbox.Disposable(func() {
		unbind()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
			defer cancel()
			if err := s.Commands.UnregisterCommand(ctx, commandID); err != nil {
				s.logger.Debug("Command unregister failed", zap.String("command", commandID), zap.Error(err))
			}
		}()
	}), nil
}

func (s *Set) showMessage(show func(context.Context, string, ...string) (string, error)) sandbox.Method {
	return func(ctx context.Context, inv *sandbox.Invocation) (interface{}, error) {
		message, err := inv.StringArg(0)
		if err != nil {
			return nil, err
		}
		var items []string
		for _, arg := range inv.Args[1:] {
			if item, ok := arg.(string); ok {
				items = append(items, item)
			}
		}
		picked, err := show(ctx, message, items...)
		return optional(picked), err
	}
}

// optional maps an empty selection to undefined
func optional(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func toMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
