package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/metrics"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"github.com/dop251/goja"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// terminateDisposeBudget bounds JS disposers run during Terminate
const terminateDisposeBudget = 50 * time.Millisecond

// Sandbox wraps one goja VM hosting a single extension
type Sandbox struct {
	id          id.SandboxID
	extensionID string
	config      Config
	logger      *logging.Logger
	vm          *goja.Runtime
	api         *goja.Object
	console     *goja.Object

	// vmMu serializes every entry into the VM. Terminate never blocks on it.
	vmMu     sync.Mutex
	exports  *goja.Object
	contexts []*goja.Object
	callCtx  context.Context

	mu            sync.Mutex
	state         types.SandboxState
	startedAt     time.Time
	lastActivity  time.Time
	subscriptions []*subscription
	handlers      map[string][]*handler
	heapBytes     int64

	interruptMu sync.Mutex
	armed       bool

	ctx    context.Context
	cancel context.CancelFunc
}

type handler struct {
	fn goja.Callable
}

type subscription struct {
	once sync.Once
	fn   Disposable
}

// New creates a sandbox for one extension. Construction never fails.
func New(config Config, caps Capabilities, logger *logging.Logger) *Sandbox {
	if logger == nil {
		logger = logging.NewNop()
	}
	if config.MaxCallStackSize <= 0 {
		config.MaxCallStackSize = DefaultConfig(config.ExtensionID).MaxCallStackSize
	}

	sandboxID := id.NewSandboxID()
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Sandbox{
		id:          sandboxID,
		extensionID: config.ExtensionID,
		config:      config,
		logger: &logging.Logger{Logger: logger.With(
			zap.String("extension_id", config.ExtensionID),
			zap.String("sandbox_id", sandboxID.String()),
		)},
		vm:           goja.New(),
		state:        types.SandboxIdle,
		startedAt:    now,
		lastActivity: now,
		handlers:     make(map[string][]*handler),
		ctx:          ctx,
		cancel:       cancel,
	}

	s.vm.SetMaxCallStackSize(config.MaxCallStackSize)
	s.setupGlobals()
	s.api = s.buildAPI(caps)
	return s
}

// ID returns the sandbox id
func (s *Sandbox) ID() id.SandboxID { return s.id }

// ExtensionID returns the owning extension id
func (s *Sandbox) ExtensionID() string { return s.extensionID }

// State returns the current sandbox state
func (s *Sandbox) State() types.SandboxState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the sandbox
func (s *Sandbox) Info() types.SandboxInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.SandboxInfo{
		ID:           s.id.String(),
		ExtensionID:  s.extensionID,
		State:        s.state,
		StartedAt:    s.startedAt,
		LastActivity: s.lastActivity,
	}
}

// MemoryUsageMB estimates the heap retained by this extension: the sum of
// heap growth observed across its VM entries. It is an estimate, goja does
// not account memory per runtime.
func (s *Sandbox) MemoryUsageMB() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.heapBytes) / (1 << 20)
}

// Load evaluates the extension bundle inside the module wrapper
func (s *Sandbox) Load(ctx context.Context, code string) error {
	if err := s.expect(types.SandboxIdle); err != nil {
		return &types.LoadError{ExtensionID: s.extensionID, Err: err}
	}

	err := s.enter(ctx, func() error {
		if s.exports != nil {
			return fmt.Errorf("%w: bundle already loaded", types.ErrInvalidState)
		}

		prog, err := goja.Compile(s.extensionID, wrapModule(code), false)
		if err != nil {
			return err
		}
		factoryVal, err := s.vm.RunProgram(prog)
		if err != nil {
			return err
		}
		factory, ok := goja.AssertFunction(factoryVal)
		if !ok {
			return errors.New("bundle wrapper did not evaluate to a function")
		}

		module := s.vm.NewObject()
		exports := s.vm.NewObject()
		module.Set("exports", exports)
		if _, err := factory(goja.Undefined(), module, exports, s.api, s.console); err != nil {
			return err
		}

		exported := module.Get("exports")
		if isNullish(exported) {
			s.exports = s.vm.NewObject()
		} else {
			s.exports = exported.ToObject(s.vm)
		}
		return nil
	})
	if err != nil {
		return &types.LoadError{ExtensionID: s.extensionID, Err: err}
	}

	s.mu.Lock()
	if s.state == types.SandboxIdle {
		s.state = types.SandboxRunning
	}
	s.mu.Unlock()

	s.logger.Debug("Bundle loaded")
	return nil
}

// Activate calls the exported activate(context) hook if present
func (s *Sandbox) Activate(ctx context.Context) error {
	if err := s.expect(types.SandboxRunning); err != nil {
		return &types.ActivationError{ExtensionID: s.extensionID, Err: err}
	}

	err := s.enter(ctx, func() error {
		fn, ok := s.exported("activate")
		if !ok {
			return nil
		}
		val, err := fn(s.exports, s.newExtensionContext())
		if err != nil {
			return err
		}
		_, err = settle(val)
		return err
	})
	if err != nil {
		return &types.ActivationError{ExtensionID: s.extensionID, Err: err}
	}
	return nil
}

// Deactivate calls the exported deactivate() hook if present and then
// disposes every subscription regardless of the hook's outcome.
func (s *Sandbox) Deactivate(ctx context.Context) error {
	var hookErr error
	err := s.enter(ctx, func() error {
		if fn, ok := s.exported("deactivate"); ok {
			val, err := fn(s.exports)
			if err == nil {
				_, err = settle(val)
			}
			hookErr = err
		}
		s.disposeContexts()
		return nil
	})
	s.disposeSubscriptions()

	if hookErr == nil {
		hookErr = err
	}
	if hookErr != nil {
		return &types.DeactivationError{ExtensionID: s.extensionID, Err: hookErr}
	}
	return nil
}

// Execute runs code as a function body. args are visible as arguments and
// this is bound to the module exports when a bundle is loaded.
func (s *Sandbox) Execute(ctx context.Context, code string, args ...interface{}) (interface{}, error) {
	var out interface{}
	err := s.enter(ctx, func() error {
		prog, err := goja.Compile("execute", "(function() {\n"+code+"\n})", false)
		if err != nil {
			return err
		}
		fnVal, err := s.vm.RunProgram(prog)
		if err != nil {
			return err
		}
		fn, ok := goja.AssertFunction(fnVal)
		if !ok {
			return errors.New("execute wrapper did not evaluate to a function")
		}

		var this goja.Value = goja.Undefined()
		if s.exports != nil {
			this = s.exports
		}
		val, err := fn(this, s.values(args)...)
		if err != nil {
			return err
		}
		if val, err = settle(val); err != nil {
			return err
		}
		out = exportValue(val)
		return nil
	})
	return out, err
}

// Invoke calls every handler bound under key and returns the last result
func (s *Sandbox) Invoke(ctx context.Context, key string, args ...interface{}) (interface{}, error) {
	s.mu.Lock()
	hs := append([]*handler(nil), s.handlers[key]...)
	s.mu.Unlock()

	if len(hs) == 0 {
		return nil, fmt.Errorf("%w: handler %q", types.ErrNotFound, key)
	}

	var out interface{}
	err := s.enter(ctx, func() error {
		for _, h := range hs {
			val, err := h.fn(goja.Undefined(), s.values(args)...)
			if err != nil {
				return err
			}
			if val, err = settle(val); err != nil {
				return err
			}
			out = exportValue(val)
		}
		return nil
	})
	return out, err
}

// Terminate interrupts the VM and releases everything the extension
// registered. It is idempotent and safe to call while code is running.
func (s *Sandbox) Terminate() {
	s.mu.Lock()
	if s.state == types.SandboxTerminated {
		s.mu.Unlock()
		return
	}
	s.state = types.SandboxTerminated
	s.lastActivity = time.Now()
	s.handlers = make(map[string][]*handler)
	s.mu.Unlock()

	s.cancel()

	if s.vmMu.TryLock() {
		timer := time.AfterFunc(terminateDisposeBudget, func() {
			s.vm.Interrupt(types.ErrSandboxTerminated)
		})
		s.disposeContexts()
		timer.Stop()
		s.vm.Interrupt(types.ErrSandboxTerminated)
		s.release()
		s.vmMu.Unlock()
	} else {
		// A call is in flight; the interrupt preempts it and enter releases the VM.
		s.vm.Interrupt(types.ErrSandboxTerminated)
	}
	s.disposeSubscriptions()

	s.logger.Debug("Sandbox terminated")
}

// enter runs fn with exclusive access to the VM
func (s *Sandbox) enter(ctx context.Context, fn func() error) (err error) {
	s.vmMu.Lock()
	defer s.vmMu.Unlock()

	if s.State() == types.SandboxTerminated {
		return types.ErrSandboxTerminated
	}

	callCtx, cancel := context.WithCancel(ctx)
	stopParent := context.AfterFunc(s.ctx, cancel)
	s.callCtx = callCtx

	s.arm()
	stopCtx := context.AfterFunc(callCtx, func() { s.interrupt(callCtx.Err()) })
	var budget *time.Timer
	if s.config.MaxCallDuration > 0 {
		budget = time.AfterFunc(s.config.MaxCallDuration, func() { s.interrupt(ErrCallBudgetExceeded) })
	}
	before := heapObjectBytes()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sandbox panic: %v", r)
			s.logger.Error("Recovered panic in sandbox", zap.Any("panic", r))
		}

		stopCtx()
		if budget != nil {
			budget.Stop()
		}
		stopParent()
		cancel()
		s.disarm()
		s.callCtx = nil
		s.trackHeap(heapObjectBytes() - before)

		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if reason, ok := interrupted.Value().(error); ok {
				err = fmt.Errorf("interrupted: %w", reason)
			}
		}

		if s.State() == types.SandboxTerminated {
			s.release()
			switch {
			case err == nil:
				err = types.ErrSandboxTerminated
			case !errors.Is(err, types.ErrSandboxTerminated):
				err = fmt.Errorf("%w: %v", types.ErrSandboxTerminated, err)
			}
			return
		}
		s.touch()
	}()

	return fn()
}

func (s *Sandbox) arm() {
	s.interruptMu.Lock()
	s.armed = true
	s.interruptMu.Unlock()
}

// interrupt stops the running call. It is a no-op once the call has returned.
func (s *Sandbox) interrupt(reason interface{}) {
	s.interruptMu.Lock()
	defer s.interruptMu.Unlock()
	if s.armed {
		s.vm.Interrupt(reason)
	}
}

func (s *Sandbox) disarm() {
	s.interruptMu.Lock()
	s.armed = false
	s.interruptMu.Unlock()

	// Terminate sets the state before interrupting, so a terminated VM keeps its flag.
	if s.State() != types.SandboxTerminated {
		s.vm.ClearInterrupt()
	}
}

// release drops VM references. Caller holds vmMu.
func (s *Sandbox) release() {
	s.exports = nil
	s.contexts = nil
	s.callCtx = nil
}

func (s *Sandbox) expect(want types.SandboxState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == types.SandboxTerminated:
		return types.ErrSandboxTerminated
	case s.state != want:
		return fmt.Errorf("%w: sandbox is %s, expected %s", types.ErrInvalidState, s.state, want)
	}
	return nil
}

func (s *Sandbox) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Sandbox) trackHeap(delta int64) {
	s.mu.Lock()
	s.heapBytes += delta
	if s.heapBytes < 0 {
		s.heapBytes = 0
	}
	s.mu.Unlock()
}

// setupGlobals configures global objects and security
func (s *Sandbox) setupGlobals() {
	// Remove dangerous globals
	s.vm.Set("require", goja.Undefined())
	s.vm.Set("process", goja.Undefined())
	s.vm.Set("module", goja.Undefined())
	s.vm.Set("exports", goja.Undefined())
	s.vm.Set("global", goja.Undefined())
	s.vm.GlobalObject().Delete("eval")

	// Timers are no-ops
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	for _, name := range []string{"setTimeout", "setInterval", "setImmediate", "clearTimeout", "clearInterval"} {
		s.vm.Set(name, noop)
	}

	s.console = s.vm.NewObject()
	levels := map[string]zapcore.Level{
		"log":   zapcore.InfoLevel,
		"info":  zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
	for name, level := range levels {
		if s.config.EnableConsole {
			s.console.Set(name, s.makeConsoleFunc(level))
		} else {
			s.console.Set(name, noop)
		}
	}
	s.vm.Set("console", s.console)
}

// makeConsoleFunc creates a console function
func (s *Sandbox) makeConsoleFunc(level zapcore.Level) func(goja.FunctionCall) goja.Value {
	console := s.logger.Named("console")
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		if ce := console.Check(level, strings.Join(parts, " ")); ce != nil {
			ce.Write()
		}
		return goja.Undefined()
	}
}

// buildAPI exposes each capability method as api.<namespace>.<method>
func (s *Sandbox) buildAPI(caps Capabilities) *goja.Object {
	api := s.vm.NewObject()
	if caps == nil {
		return api
	}
	for namespace, methods := range caps.Bindings() {
		ns := s.vm.NewObject()
		for name, method := range methods {
			ns.Set(name, s.bindMethod(namespace, name, method))
		}
		api.Set(namespace, ns)
	}
	return api
}

// bindMethod returns a JS function whose promise is settled before it returns
func (s *Sandbox) bindMethod(namespace, name string, method Method) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		inv := &Invocation{
			ExtensionID: s.extensionID,
			Namespace:   namespace,
			Method:      name,
			Args:        make([]interface{}, 0, len(call.Arguments)),
			sandbox:     s,
		}
		for i, arg := range call.Arguments {
			if fn, ok := goja.AssertFunction(arg); ok {
				if inv.callbacks == nil {
					inv.callbacks = make(map[int]goja.Callable)
				}
				inv.callbacks[i] = fn
				inv.Args = append(inv.Args, nil)
				continue
			}
			inv.Args = append(inv.Args, exportValue(arg))
		}

		ctx := s.callCtx
		if ctx == nil {
			ctx = s.ctx
		}

		promise, resolve, reject := s.vm.NewPromise()
		result, err := method(ctx, inv)
		if err != nil {
			reject(s.vm.NewGoError(err))
		} else {
			resolve(s.toJS(result))
		}
		return s.vm.ToValue(promise)
	}
}

func (s *Sandbox) toJS(result interface{}) goja.Value {
	switch v := result.(type) {
	case nil:
		return goja.Undefined()
	case Disposable:
		sub := s.track(v)
		obj := s.vm.NewObject()
		obj.Set("dispose", func(goja.FunctionCall) goja.Value {
			s.untrack(sub)
			sub.dispose(s.logger)
			return goja.Undefined()
		})
		return obj
	default:
		return s.vm.ToValue(v)
	}
}

// newExtensionContext builds the object passed to activate
func (s *Sandbox) newExtensionContext() *goja.Object {
	ctx := s.vm.NewObject()
	ctx.Set("extensionId", s.extensionID)
	ctx.Set("subscriptions", s.vm.NewArray())
	s.contexts = append(s.contexts, ctx)
	return ctx
}

// disposeContexts disposes every entry of context.subscriptions. Caller holds vmMu.
func (s *Sandbox) disposeContexts() {
	for _, ctx := range s.contexts {
		subs := ctx.Get("subscriptions")
		if isNullish(subs) {
			continue
		}
		list := subs.ToObject(s.vm)
		n := list.Get("length").ToInteger()
		for i := int64(0); i < n; i++ {
			item := list.Get(strconv.FormatInt(i, 10))
			if isNullish(item) {
				continue
			}
			obj := item.ToObject(s.vm)
			dispose, ok := goja.AssertFunction(obj.Get("dispose"))
			if !ok {
				continue
			}
			if _, err := dispose(obj); err != nil {
				s.logger.Warn("Subscription dispose failed", zap.Error(err))
			}
		}
	}
	s.contexts = nil
}

// disposeSubscriptions runs host-side disposables in reverse registration order
func (s *Sandbox) disposeSubscriptions() {
	s.mu.Lock()
	subs := s.subscriptions
	s.subscriptions = nil
	s.mu.Unlock()

	for i := len(subs) - 1; i >= 0; i-- {
		subs[i].dispose(s.logger)
	}
}

func (s *Sandbox) track(fn Disposable) *subscription {
	sub := &subscription{fn: fn}
	s.mu.Lock()
	if s.state == types.SandboxTerminated {
		s.mu.Unlock()
		sub.dispose(s.logger)
		return sub
	}
	s.subscriptions = append(s.subscriptions, sub)
	s.mu.Unlock()
	return sub
}

func (s *Sandbox) untrack(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.subscriptions {
		if existing == sub {
			s.subscriptions = append(s.subscriptions[:i], s.subscriptions[i+1:]...)
			return
		}
	}
}

func (sub *subscription) dispose(logger *logging.Logger) {
	sub.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Disposable panicked", zap.Any("panic", r))
			}
		}()
		sub.fn()
	})
}

func (s *Sandbox) addHandler(key string, fn goja.Callable) Disposable {
	h := &handler{fn: fn}
	s.mu.Lock()
	if s.state != types.SandboxTerminated {
		s.handlers[key] = append(s.handlers[key], h)
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		hs := s.handlers[key]
		for i, existing := range hs {
			if existing == h {
				hs = append(hs[:i], hs[i+1:]...)
				break
			}
		}
		if len(hs) == 0 {
			delete(s.handlers, key)
		} else {
			s.handlers[key] = hs
		}
	}
}

func (s *Sandbox) exported(name string) (goja.Callable, bool) {
	if s.exports == nil {
		return nil, false
	}
	return goja.AssertFunction(s.exports.Get(name))
}

func (s *Sandbox) values(args []interface{}) []goja.Value {
	out := make([]goja.Value, len(args))
	for i, arg := range args {
		out[i] = s.vm.ToValue(arg)
	}
	return out
}

// settle unwraps a promise that has already settled. A rejected promise is
// an error. A pending one resolves to undefined since the host never waits
// on the microtask queue after a call returns.
func settle(val goja.Value) (goja.Value, error) {
	if val == nil {
		return goja.Undefined(), nil
	}
	p, ok := val.Export().(*goja.Promise)
	if !ok {
		return val, nil
	}
	switch p.State() {
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("promise rejected: %s", describe(p.Result()))
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	default:
		return goja.Undefined(), nil
	}
}

func describe(val goja.Value) string {
	if isNullish(val) {
		return "undefined"
	}
	if obj, ok := val.(*goja.Object); ok {
		if msg := obj.Get("message"); !isNullish(msg) {
			return msg.String()
		}
	}
	return val.String()
}

func exportValue(val goja.Value) interface{} {
	if isNullish(val) {
		return nil
	}
	return val.Export()
}

func isNullish(val goja.Value) bool {
	return val == nil || goja.IsUndefined(val) || goja.IsNull(val)
}

func wrapModule(code string) string {
	return "(function(module, exports, api, console) {\n" + code + "\n})"
}

// heapObjectBytes reads live heap object bytes without stopping the world
func heapObjectBytes() int64 {
	sample := []metrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return int64(sample[0].Value.Uint64())
}
