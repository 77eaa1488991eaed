package host

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/domain/capability"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/domain/manifest"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"go.uber.org/zap"
)

// mailbox queues one extension's lifecycle messages. A goroutine drains it
// while non-empty and exits when it runs dry.
type mailbox struct {
	pending []*ipc.Message
	current *ipc.Message // being processed
	kill    *killOrder   // arrived while current was running
}

// killOrder is a kill that has to be settled once the message it overtook
// finishes. Whoever claims it first reports extension:killed.
type killOrder struct {
	reason  string
	req     *ipc.Message
	claimed bool // Protected by Host.mu
}

// HandleMessage dispatches one inbound message. Capability responses,
// kills, watchdog config and shutdown are handled inline; everything
// addressed to an extension is queued behind that extension's earlier
// messages. A panic here is a host crash.
func (h *Host) HandleMessage(ctx context.Context, msg *ipc.Message) {
	defer func() {
		if r := recover(); r != nil {
			var msgType ipc.MessageType
			if msg != nil {
				msgType = msg.Type
			}
			h.logger.Error("Dispatch panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			h.crash(fmt.Errorf("dispatch of %q panicked: %v", msgType, r))
		}
	}()

	if msg.IsResponse() {
		h.bridge.HandleResponse(msg)
		return
	}

	switch msg.Type {
	case ipc.TypeExtensionKill:
		if !h.requireExtension(msg) {
			return
		}
		h.peerKill(ctx, msg)

	case ipc.TypeWatchdogConfig:
		h.configureWatchdog(ctx, msg)

	case ipc.TypeHostShutdown:
		h.logger.Info("Shutdown requested by peer")
		h.requestStop()

	case ipc.TypeActivationEvent:
		h.activationEvent(msg)

	case ipc.TypeEventDispatch:
		if msg.ExtensionID != "" {
			h.enqueue(ctx, msg)
			return
		}
		// Broadcast to every active extension
		for _, ext := range h.loader.ListExtensions() {
			if ext.State == types.StateActive {
				copied := *msg
				copied.ExtensionID = ext.Manifest.ID
				h.enqueue(ctx, &copied)
			}
		}

	case ipc.TypeExtensionLoad, ipc.TypeExtensionActivate, ipc.TypeExtensionDeactivate,
		ipc.TypeExtensionUnload, ipc.TypeExtensionExecute, ipc.TypeCommandInvoke:
		if !h.requireExtension(msg) {
			return
		}
		h.enqueue(ctx, msg)

	default:
		h.protocolError(&types.ProtocolError{Type: string(msg.Type), Reason: "unknown message type"})
	}
}

func (h *Host) requireExtension(msg *ipc.Message) bool {
	if msg.ExtensionID != "" {
		return true
	}
	h.protocolError(&types.ProtocolError{Type: string(msg.Type), Reason: "missing extensionId"})
	return false
}

// enqueue appends msg to its extension's mailbox, starting a drainer if
// none is running
func (h *Host) enqueue(ctx context.Context, msg *ipc.Message) {
	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		h.reject(ctx, msg, errors.New("host is shutting down"))
		return
	}

	mb, ok := h.mailboxes[msg.ExtensionID]
	if ok && h.cfg.Host.MailboxSize > 0 && len(mb.pending) >= h.cfg.Host.MailboxSize {
		h.mu.Unlock()
		h.reject(ctx, msg, fmt.Errorf("mailbox for %s is full", msg.ExtensionID))
		return
	}
	if !ok {
		mb = &mailbox{}
		h.mailboxes[msg.ExtensionID] = mb
		h.mailboxWG.Add(1)
		go h.drain(msg.ExtensionID, mb)
	}
	mb.pending = append(mb.pending, msg)
	h.mu.Unlock()
}

func (h *Host) drain(extensionID string, mb *mailbox) {
	defer h.mailboxWG.Done()

	for {
		h.mu.Lock()
		if len(mb.pending) == 0 || h.stopping {
			delete(h.mailboxes, extensionID)
			h.mu.Unlock()
			return
		}
		msg := mb.pending[0]
		mb.pending[0] = nil
		mb.pending = mb.pending[1:]
		mb.current = msg
		ctx := h.ctx
		h.mu.Unlock()

		h.process(ctx, msg)

		h.mu.Lock()
		order := mb.kill
		mb.kill = nil
		mb.current = nil
		h.mu.Unlock()
		if order != nil {
			h.settleKill(ctx, extensionID, order)
		}
	}
}

// process runs one queued message under a span; a panic crashes the host
func (h *Host) process(ctx context.Context, msg *ipc.Message) {
	ctx = tracing.WithTraceID(ctx, msg.RequestID)
	span, ctx := h.tracer.StartSpan(ctx, string(msg.Type))
	span.SetTag("extension_id", msg.ExtensionID)
	defer h.tracer.Submit(span)

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Mailbox panic",
				zap.String("extension_id", msg.ExtensionID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			h.crash(fmt.Errorf("processing %s for %s panicked: %v", msg.Type, msg.ExtensionID, r))
		}
	}()

	id := msg.ExtensionID
	switch msg.Type {
	case ipc.TypeExtensionLoad:
		if msg.Manifest == nil {
			err := fmt.Errorf("%s: missing manifest", id)
			span.SetError(err)
			h.replyError(ctx, msg, err)
			return
		}
		h.replyResult(ctx, span, msg, h.loader.LoadExtension(ctx, id, *msg.Manifest, msg.Code), ipc.TypeExtensionLoaded)

	case ipc.TypeExtensionActivate:
		h.replyResult(ctx, span, msg, h.loader.ActivateExtension(ctx, id), ipc.TypeExtensionActivated)

	case ipc.TypeExtensionDeactivate:
		h.replyResult(ctx, span, msg, h.loader.DeactivateExtension(ctx, id), ipc.TypeExtensionDeactivated)

	case ipc.TypeExtensionUnload:
		h.replyResult(ctx, span, msg, h.loader.UnloadExtension(ctx, id), ipc.TypeExtensionUnloaded)

	case ipc.TypeExtensionExecute:
		out, err := h.loader.Execute(ctx, id, msg.Code, msg.Args...)
		span.SetError(err)
		h.respond(ctx, msg, out, err)

	case ipc.TypeCommandInvoke:
		span.SetTag("command", msg.Method)
		out, err := h.loader.InvokeHandler(ctx, id, capability.CommandKey(msg.Method), msg.Args...)
		span.SetError(err)
		h.respond(ctx, msg, out, err)

	case ipc.TypeEventDispatch:
		span.SetTag("event", msg.Event)
		var data interface{}
		if len(msg.Args) > 0 {
			data = msg.Args[0]
		}
		_, err := h.loader.InvokeHandler(ctx, id, capability.EventKey(msg.Event), data)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			span.SetError(err)
			h.logger.Warn("Event listener failed",
				zap.String("extension_id", id),
				zap.String("event", msg.Event),
				zap.Error(err))
		}
	}
}

// replyResult reports a lifecycle outcome as okType or extension:error
func (h *Host) replyResult(ctx context.Context, span *tracing.Span, req *ipc.Message, r types.Result, okType ipc.MessageType) {
	if !r.Success {
		err := r.Err
		if err == nil {
			err = errors.New(r.Error)
		}
		span.SetError(err)
		h.replyError(ctx, req, err)
		return
	}
	msg := ipc.NewMessage(okType, req.ExtensionID)
	msg.RequestID = req.RequestID
	h.send(ctx, msg)
}

func (h *Host) replyError(ctx context.Context, req *ipc.Message, err error) {
	msg := ipc.NewMessage(ipc.TypeExtensionError, req.ExtensionID)
	msg.RequestID = req.RequestID
	msg.Error = err.Error()
	h.send(ctx, msg)
}

// respond answers a request that produces a value with api:result or api:error
func (h *Host) respond(ctx context.Context, req *ipc.Message, out interface{}, err error) {
	msg := ipc.NewMessage(ipc.TypeAPIResult, req.ExtensionID)
	msg.RequestID = req.RequestID
	if err != nil {
		msg.Type = ipc.TypeAPIError
		msg.Error = err.Error()
	} else {
		msg.Result = out
	}
	h.send(ctx, msg)
}

// peerKill answers extension:kill. The kill runs at once so it can preempt
// running code, but it still counts as arriving after everything queued.
func (h *Host) peerKill(ctx context.Context, msg *ipc.Message) {
	reason := msg.Reason
	if reason == "" {
		reason = "manual"
	}
	report, deferred := h.killExtension(ctx, msg.ExtensionID, reason, msg)
	switch {
	case report:
		h.announceKill(ctx, msg.ExtensionID, reason, msg)
	case !deferred:
		h.replyError(ctx, msg, fmt.Errorf("%w: %s", types.ErrNotFound, msg.ExtensionID))
	}
}

// killExtension kills extensionID and rejects the work queued before the
// kill. report means the caller should send extension:killed now; deferred
// means the message being processed may still create the extension, so
// settleKill reports once it finishes.
func (h *Host) killExtension(ctx context.Context, extensionID, reason string, req *ipc.Message) (report, deferred bool) {
	h.mu.Lock()
	var dropped []*ipc.Message
	var order *killOrder
	if mb, ok := h.mailboxes[extensionID]; ok {
		dropped, mb.pending = mb.pending, nil
		if mb.current != nil {
			order = &killOrder{reason: reason, req: req}
			mb.kill = order
		}
	}
	h.mu.Unlock()

	rejected := fmt.Errorf("%w: %s was killed: %s", types.ErrSandboxTerminated, extensionID, reason)
	for _, m := range dropped {
		h.reject(ctx, m, rejected)
	}

	if h.loader.KillExtension(extensionID, reason) || len(dropped) > 0 {
		return h.claim(order), order != nil
	}
	return false, order != nil
}

// settleKill re-applies a kill that overtook a running message, in case
// that message created or revived the extension after the kill ran
func (h *Host) settleKill(ctx context.Context, extensionID string, order *killOrder) {
	ext, found := h.loader.GetExtension(extensionID)
	if found && ext.State != types.StateKilled {
		h.loader.KillExtension(extensionID, order.reason)
		h.claim(order)
		h.announceKill(ctx, extensionID, order.reason, order.req)
		return
	}
	if !h.claim(order) {
		return
	}
	switch {
	case found:
		h.announceKill(ctx, extensionID, order.reason, order.req)
	case order.req != nil:
		h.replyError(ctx, order.req, fmt.Errorf("%w: %s", types.ErrNotFound, extensionID))
	}
}

// claim reports whether the caller is the first to settle order. A nil
// order has nothing to race with.
func (h *Host) claim(order *killOrder) bool {
	if order == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if order.claimed {
		return false
	}
	order.claimed = true
	return true
}

func (h *Host) announceKill(ctx context.Context, extensionID, reason string, req *ipc.Message) {
	out := ipc.NewMessage(ipc.TypeExtensionKilled, extensionID)
	if req != nil {
		out.RequestID = req.RequestID
	}
	out.Reason = reason
	h.send(ctx, out)
}

// reject answers a message that will never be processed
func (h *Host) reject(ctx context.Context, msg *ipc.Message, err error) {
	switch msg.Type {
	case ipc.TypeExtensionExecute, ipc.TypeCommandInvoke:
		h.respond(ctx, msg, nil, err)
	case ipc.TypeEventDispatch:
	default:
		h.replyError(ctx, msg, err)
	}
}

// configureWatchdog updates one extension's limits, or the defaults when no
// extension is named
func (h *Host) configureWatchdog(ctx context.Context, msg *ipc.Message) {
	if msg.Watchdog == nil {
		h.protocolError(&types.ProtocolError{Type: string(msg.Type), Reason: "missing watchdog config"})
		return
	}
	if msg.ExtensionID == "" {
		h.watchdog.SetDefaults(*msg.Watchdog)
		h.logger.Info("Watchdog defaults updated", zap.Any("config", h.watchdog.Defaults()))
		return
	}
	if !h.watchdog.UpdateConfig(msg.ExtensionID, *msg.Watchdog) {
		h.replyError(ctx, msg, fmt.Errorf("%w: %s is not watched", types.ErrNotFound, msg.ExtensionID))
	}
}

// activationEvent queues activation for every installed extension the
// event fires
func (h *Host) activationEvent(msg *ipc.Message) {
	if msg.Event == "" {
		h.protocolError(&types.ProtocolError{Type: string(msg.Type), Reason: "missing event"})
		return
	}
	ctx := h.baseContext()
	for _, ext := range h.loader.ListExtensions() {
		if ext.State != types.StateInstalled {
			continue
		}
		if !manifest.ShouldActivate(ext.Manifest, msg.Event, msg.Files) {
			continue
		}
		activate := ipc.NewMessage(ipc.TypeExtensionActivate, ext.Manifest.ID)
		activate.RequestID = msg.RequestID
		h.enqueue(ctx, activate)
	}
}
