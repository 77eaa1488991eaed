package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/devpeer"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/domain/manifest"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/host"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	runCommand := &cobra.Command{
		Use:   "run MANIFEST",
		Short: "Load and activate one extension against an in-process parent",
		Long: `Load and activate one extension against an in-process stand-in for the
privileged application. Capability calls are answered from in-memory storage
and the workspace directory. Every message from the host is printed to stdout
as one JSON line.`,
		Args: cobra.ExactArgs(1),
		RunE: runAction,
	}
	runCommand.Flags().String("bundle", "", "Extension bundle (default: the manifest's main, relative to the manifest)")
	runCommand.Flags().String("workspace", "", "Workspace folder served to the extension (default: the manifest's directory)")
	runCommand.Flags().String("command", "", "Command to invoke after activation")
	runCommand.Flags().String("args", "[]", "JSON array of command arguments")
	runCommand.Flags().Duration("wait", 0, "Keep the extension active this long before deactivating")
	return runCommand
}

func runAction(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	manifestPath := args[0]
	m, err := manifest.ParseFile(manifestPath)
	if err != nil {
		return err
	}
	bundlePath, _ := cmd.Flags().GetString("bundle")
	if bundlePath == "" {
		entry := m.Main
		if entry == "" {
			entry = "extension.js"
		}
		bundlePath = filepath.Join(filepath.Dir(manifestPath), entry)
	}
	code, err := os.ReadFile(bundlePath)
	if err != nil {
		return fmt.Errorf("failed to read bundle: %w", err)
	}
	workspace, _ := cmd.Flags().GetString("workspace")
	if workspace == "" {
		workspace = filepath.Dir(manifestPath)
	}

	var commandArgs []interface{}
	rawArgs, _ := cmd.Flags().GetString("args")
	if err := sonic.UnmarshalString(rawArgs, &commandArgs); err != nil {
		return fmt.Errorf("invalid --args: %w", err)
	}
	commandID, _ := cmd.Flags().GetString("command")
	wait, _ := cmd.Flags().GetDuration("wait")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer := tracing.New("exthost", logger.Logger)
	defer tracer.Close()

	out := &lineWriter{w: cmd.OutOrStdout()}
	local, remote := ipc.Pipe()
	h := host.New(cfg, local,
		host.WithMetrics(monitoring.NewMetrics()),
		host.WithTracer(tracer),
		host.WithLogger(logger))
	peer := devpeer.New(remote, workspace,
		devpeer.WithLogger(logger.ForComponent("devpeer")),
		devpeer.WithObserver(out.print))

	hostErr := make(chan error, 1)
	go func() { hostErr <- h.Run(ctx) }()
	go func() { _ = peer.Run(ctx) }()

	select {
	case <-peer.Ready():
	case err := <-hostErr:
		return fmt.Errorf("host exited before it was ready: %w", err)
	}

	if err := drive(ctx, peer, out, m.ID, &m, string(code), commandID, commandArgs, wait); err != nil {
		_ = peer.Send(context.Background(), ipc.NewMessage(ipc.TypeHostShutdown, ""))
		<-hostErr
		return err
	}

	_ = peer.Send(ctx, ipc.NewMessage(ipc.TypeHostShutdown, ""))
	if err := <-hostErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// drive walks one extension through load, activate, an optional command
// and deactivate, printing each reply
func drive(ctx context.Context, peer *devpeer.Peer, out *lineWriter, extensionID string, m *types.Manifest, code, commandID string, args []interface{}, wait time.Duration) error {
	request := func(msg *ipc.Message, want ipc.MessageType) error {
		reply, err := peer.Request(ctx, msg)
		if err != nil {
			return err
		}
		out.print(reply)
		if reply.Type != want {
			return fmt.Errorf("%s %s: %s", msg.Type, extensionID, reply.Error)
		}
		return nil
	}

	load := ipc.NewMessage(ipc.TypeExtensionLoad, extensionID)
	load.Manifest = m
	load.Code = code
	if err := request(load, ipc.TypeExtensionLoaded); err != nil {
		return err
	}
	if err := request(ipc.NewMessage(ipc.TypeExtensionActivate, extensionID), ipc.TypeExtensionActivated); err != nil {
		return err
	}

	if commandID != "" {
		invoke := ipc.NewMessage(ipc.TypeCommandInvoke, extensionID)
		invoke.Method = commandID
		invoke.Args = args
		if err := request(invoke, ipc.TypeAPIResult); err != nil {
			return err
		}
	}

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}

	return request(ipc.NewMessage(ipc.TypeExtensionDeactivate, extensionID), ipc.TypeExtensionDeactivated)
}

// lineWriter prints messages as JSON lines from any goroutine
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) print(msg *ipc.Message) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.w.Write(append(data, '\n'))
}
