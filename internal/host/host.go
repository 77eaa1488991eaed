package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/domain/capability"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/domain/lifecycle"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/domain/sandbox"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/domain/watchdog"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Version is reported in host:ready
const Version = "0.4.0"

// Host composes the loader, watchdog, sandboxes and IPC bridge into one
// process serving a single privileged peer
type Host struct {
	id      string
	version string
	cfg     *config.Config

	bridge    *ipc.Bridge
	loader    *lifecycle.Loader
	sandboxes *sandbox.Manager
	watchdog  *watchdog.Watchdog
	sampler   *monitoring.ProcessSampler
	metrics   *monitoring.Metrics
	tracer    *tracing.Tracer
	logger    *logging.Logger

	mu          sync.Mutex
	mailboxes   map[string]*mailbox // Protected by mu
	stopping    bool                // Protected by mu
	ctx         context.Context     // Protected by mu; base context for queued work
	stop        context.CancelFunc  // Protected by mu; ends Run
	startedAt   time.Time           // Protected by mu
	unsubscribe func()              // Protected by mu
	crashErr    error               // Protected by mu
	mailboxWG   sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Host
type Option func(*Host)

// WithMetrics adds metrics tracking to every component
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(h *Host) { h.metrics = metrics }
}

// WithLogger sets the root logger
func WithLogger(logger *logging.Logger) Option {
	return func(h *Host) { h.logger = logger }
}

// WithTracer traces every queued request under the peer's requestId
func WithTracer(tracer *tracing.Tracer) Option {
	return func(h *Host) { h.tracer = tracer }
}

// WithVersion overrides the version reported in host:ready
func WithVersion(version string) Option {
	return func(h *Host) { h.version = version }
}

// New wires a host over transport. Nothing runs until Start or Run.
func New(cfg *config.Config, transport ipc.Transport, opts ...Option) *Host {
	if cfg == nil {
		cfg = config.Default()
	}
	h := &Host{
		id:        uuid.NewString(),
		version:   Version,
		cfg:       cfg,
		sampler:   monitoring.NewProcessSampler(),
		logger:    logging.NewNop(),
		mailboxes: make(map[string]*mailbox),
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = &logging.Logger{Logger: h.logger.With(zap.String("host_id", h.id))}

	h.bridge = ipc.NewBridge(transport,
		ipc.WithCallTimeout(cfg.IPC.CallTimeout),
		ipc.WithMetrics(h.metrics),
		ipc.WithLogger(h.logger.ForComponent("ipc")))

	h.watchdog = watchdog.New(types.WatchdogConfig{
		MemoryLimitMB:   cfg.Watchdog.MemoryLimitMB,
		CPUTimeoutMs:    cfg.Watchdog.CPUTimeoutMs,
		CheckIntervalMs: cfg.Watchdog.CheckIntervalMs,
	},
		watchdog.WithLogger(h.logger.ForComponent("watchdog")),
		watchdog.WithMetrics(h.metrics))

	h.sandboxes = sandbox.NewManager(h.logger.ForComponent("sandbox"))

	capOpts := []capability.Option{
		capability.WithActivityRecorder(h.watchdog),
		capability.WithMetrics(h.metrics),
		capability.WithLogger(h.logger.ForComponent("capability")),
	}
	if cfg.RateLimit.Enabled {
		capOpts = append(capOpts, capability.WithRateLimit(float64(cfg.RateLimit.CallsPerSecond), cfg.RateLimit.Burst))
	}
	factory := capability.NewFactory(h.bridge, capOpts...)

	h.loader = lifecycle.NewLoader(h.sandboxes, h.watchdog,
		lifecycle.WithCapabilities(func(extensionID string) sandbox.Capabilities {
			return factory.ForExtension(extensionID)
		}),
		lifecycle.WithSandboxConfig(sandbox.Config{
			MaxCallDuration:  time.Duration(cfg.Sandbox.MaxCallMs) * time.Millisecond,
			MaxCallStackSize: cfg.Sandbox.MaxCallStackSize,
			EnableConsole:    cfg.Sandbox.EnableConsole,
		}),
		lifecycle.WithMetrics(h.metrics),
		lifecycle.WithLogger(h.logger.ForComponent("lifecycle")))

	return h
}

// ID returns the host instance id
func (h *Host) ID() string { return h.id }

// Loader returns the extension loader
func (h *Host) Loader() *lifecycle.Loader { return h.loader }

// Watchdog returns the resource watchdog
func (h *Host) Watchdog() *watchdog.Watchdog { return h.watchdog }

// Bridge returns the IPC bridge
func (h *Host) Bridge() *ipc.Bridge { return h.bridge }

// Sandboxes returns the sandbox manager
func (h *Host) Sandboxes() *sandbox.Manager { return h.sandboxes }

// Start wires violations, starts the watchdog and announces the host.
// The watchdog and queued work stop when ctx ends.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.unsubscribe != nil {
		h.mu.Unlock()
		return errors.New("host already started")
	}
	h.ctx = ctx
	h.startedAt = time.Now()
	h.unsubscribe = h.watchdog.OnViolation(h.handleViolation)
	h.mu.Unlock()

	h.watchdog.Start(ctx)

	msg := ipc.NewMessage(ipc.TypeHostReady, "")
	msg.Info = &ipc.HostInfo{HostID: h.id, Version: h.version, PID: os.Getpid()}
	if err := h.bridge.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to announce host: %w", err)
	}

	h.logger.Info("Extension host ready",
		zap.String("version", h.version),
		zap.Int("pid", os.Getpid()))
	return nil
}

// Run starts the host and serves the peer until it disconnects, sends
// host:shutdown, ctx ends or dispatch crashes. It always shuts down before
// returning; the error is the crash or shutdown failure, if any.
func (h *Host) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.mu.Lock()
	h.stop = cancel
	h.mu.Unlock()

	if err := h.Start(runCtx); err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), h.cfg.Host.ShutdownTimeout)
		defer shutdownCancel()
		_ = h.Shutdown(shutdownCtx)
		return err
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return h.readLoop(gctx)
	})
	g.Go(func() error {
		return h.statsLoop(gctx)
	})
	runErr := g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), h.cfg.Host.ShutdownTimeout)
	defer shutdownCancel()
	shutdownErr := h.Shutdown(shutdownCtx)

	if err := h.Crashed(); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	return shutdownErr
}

func (h *Host) readLoop(ctx context.Context) error {
	for {
		msg, err := h.bridge.Receive(ctx)
		if err != nil {
			var protoErr *types.ProtocolError
			switch {
			case errors.As(err, &protoErr):
				h.protocolError(protoErr)
				continue
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, io.EOF), errors.Is(err, ipc.ErrTransportClosed):
				h.logger.Info("Privileged peer disconnected")
				return nil
			default:
				return fmt.Errorf("failed to receive message: %w", err)
			}
		}

		h.HandleMessage(ctx, msg)
		if h.Crashed() != nil {
			return nil
		}
	}
}

// requestStop ends Run, if it is running
func (h *Host) requestStop() {
	h.mu.Lock()
	stop := h.stop
	h.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// crash records the first dispatch panic, reports it and ends Run
func (h *Host) crash(err error) {
	h.mu.Lock()
	first := h.crashErr == nil
	if first {
		h.crashErr = err
	}
	h.mu.Unlock()
	if !first {
		return
	}

	h.logger.Error("Extension host crashed", zap.Error(err))

	msg := ipc.NewMessage(ipc.TypeHostCrashed, "")
	msg.Error = err.Error()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = h.bridge.Send(ctx, msg)

	h.requestStop()
}

// Crashed returns the dispatch failure that ended the host, if any
func (h *Host) Crashed() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.crashErr
}

func (h *Host) protocolError(err *types.ProtocolError) {
	h.metrics.IncProtocolErrors()
	h.logger.Warn("Dropped inbound message", zap.Error(err))
}

// send emits msg, logging transport failures
func (h *Host) send(ctx context.Context, msg *ipc.Message) {
	if err := h.bridge.Send(ctx, msg); err != nil {
		h.logger.Debug("Failed to send message",
			zap.String("type", string(msg.Type)),
			zap.String("extension_id", msg.ExtensionID),
			zap.Error(err))
	}
}

// handleViolation kills the offending extension and reports both events.
// Error violations are manual kills, so their message is the whole reason.
func (h *Host) handleViolation(v types.Violation) {
	reason := string(v.Type)
	switch {
	case v.Type == types.ViolationError && v.Details.Message != "":
		reason = v.Details.Message
	case v.Details.Message != "":
		reason += ": " + v.Details.Message
	}

	ctx := h.baseContext()
	report, _ := h.killExtension(ctx, v.ExtensionID, reason, nil)

	msg := ipc.NewMessage(ipc.TypeWatchdogViolation, v.ExtensionID)
	msg.Violation = &v
	h.send(ctx, msg)

	if report {
		h.announceKill(ctx, v.ExtensionID, reason, nil)
	}
}

func (h *Host) baseContext() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctx
}

// Stats returns the process-level snapshot sent in host:stats
func (h *Host) Stats() types.HostStats {
	sample := h.sampler.Sample()
	h.metrics.RecordProcessSample(sample.RSSBytes, sample.CPUPercent)

	h.mu.Lock()
	startedAt := h.startedAt
	h.mu.Unlock()

	var uptime int64
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt).Milliseconds()
	}
	return types.HostStats{
		HostID:       h.id,
		PID:          sample.PID,
		RSSMB:        float64(sample.RSSBytes) / (1024 * 1024),
		CPUPercent:   sample.CPUPercent,
		Goroutines:   sample.Goroutines,
		Sandboxes:    h.sandboxes.Count(),
		PendingCalls: h.bridge.PendingCount(),
		UptimeMs:     uptime,
	}
}

func (h *Host) statsLoop(ctx context.Context) error {
	interval := h.cfg.Host.StatsInterval
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.BroadcastStats(ctx)
		}
	}
}

// BroadcastStats feeds sandbox heap estimates into the watchdog and emits
// host:stats
func (h *Host) BroadcastStats(ctx context.Context) {
	for _, s := range h.sandboxes.GetAllStats() {
		h.watchdog.ReportMemoryUsage(s.ExtensionID, s.MemoryUsage)
	}

	host := h.Stats()
	msg := ipc.NewMessage(ipc.TypeHostStats, "")
	msg.Stats = h.watchdog.GetAllStats()
	msg.Host = &host
	h.send(ctx, msg)
}

// Shutdown deactivates every active extension, stops the watchdog,
// terminates all sandboxes and releases the bridge. Deactivation is bounded
// by ctx; if it runs out, the remaining work is cut short and
// ErrShutdownTimeout is returned. Safe to call more than once.
func (h *Host) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.shutdownErr = h.shutdown(ctx)
	})
	return h.shutdownErr
}

func (h *Host) shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.stopping = true
	unsubscribe := h.unsubscribe
	h.mu.Unlock()

	h.logger.Info("Shutting down extension host")
	if unsubscribe != nil {
		unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ext := range h.loader.ListExtensions() {
			if ext.State != types.StateActive {
				continue
			}
			if r := h.loader.DeactivateExtension(ctx, ext.Manifest.ID); !r.Success {
				h.logger.Warn("Failed to deactivate extension",
					zap.String("extension_id", ext.Manifest.ID),
					zap.String("error", r.Error))
			}
		}
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = types.ErrShutdownTimeout
		h.logger.Warn("Shutdown budget exhausted, forcing release")
		// Anything still active is about to lose its sandbox
		for _, ext := range h.loader.ListExtensions() {
			if ext.State == types.StateActive {
				h.loader.KillExtension(ext.Manifest.ID, "shutdown")
			}
		}
	}

	h.watchdog.Stop()
	h.sandboxes.TerminateAll()
	h.bridge.Cleanup()
	if cerr := h.bridge.Close(); cerr != nil && err == nil {
		h.logger.Debug("Transport close failed", zap.Error(cerr))
	}

	// Terminated sandboxes return promptly, so queued work drains quickly
	waitFor(&h.mailboxWG, time.Second)

	h.logger.Info("Extension host stopped")
	return err
}

func waitFor(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
