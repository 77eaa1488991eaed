package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	adminhttp "github.com/GriffinCanCode/AgentOS/exthost/internal/api/http"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/host"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/server"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/ipc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	serveCommand := &cobra.Command{
		Use:   "serve",
		Short: "Serve a privileged parent process",
		Args:  cobra.NoArgs,
		RunE:  serveAction,
	}
	serveCommand.Flags().String("transport", "", "IPC transport [stdio, websocket] (default $IPC_TRANSPORT or stdio)")
	serveCommand.Flags().Bool("admin", false, "Start the admin HTTP API (always on for the websocket transport)")
	serveCommand.Flags().String("admin-port", "", "Admin API port (default $ADMIN_PORT)")
	return serveCommand
}

func serveAction(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if transport, _ := cmd.Flags().GetString("transport"); transport != "" {
		cfg.IPC.Transport = transport
	}
	if admin, _ := cmd.Flags().GetBool("admin"); admin {
		cfg.Admin.Enabled = true
	}
	if port, _ := cmd.Flags().GetString("admin-port"); port != "" {
		cfg.Admin.Port = port
	}
	if cfg.IPC.Transport == "websocket" {
		cfg.Admin.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	metrics := monitoring.NewMetrics()
	tracer := tracing.New("exthost", logger.Logger)
	defer tracer.Close()
	handlers := adminhttp.NewHandlers(host.Version, nil)

	var acceptor *ipc.Acceptor
	if cfg.IPC.Transport == "websocket" {
		acceptor = ipc.NewAcceptor(cfg.IPC.MaxFrameBytes, cfg.Admin.AllowOrigins, logger.ForComponent("ipc"))
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Admin.Enabled {
		srv := server.NewServer(cfg, handlers, acceptor, metrics, tracer, logger.ForComponent("admin"))
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	g.Go(func() error {
		defer handlers.AttachHost(nil)

		transport, err := openTransport(gctx, cfg, acceptor)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		h := host.New(cfg, transport,
			host.WithMetrics(metrics),
			host.WithTracer(tracer),
			host.WithLogger(logger))
		handlers.AttachHost(h)

		logger.Info("Serving privileged peer",
			zap.String("transport", cfg.IPC.Transport),
			zap.String("host_id", h.ID()))
		if err := h.Run(gctx); err != nil {
			return fmt.Errorf("extension host stopped: %w", err)
		}
		return errHostStopped
	})

	err := g.Wait()
	if errors.Is(err, errHostStopped) {
		return nil
	}
	return err
}

// errHostStopped ends the group once the host exits cleanly so the admin
// server does not outlive it
var errHostStopped = errors.New("host stopped")

func openTransport(ctx context.Context, cfg *config.Config, acceptor *ipc.Acceptor) (ipc.Transport, error) {
	switch cfg.IPC.Transport {
	case "stdio":
		return ipc.NewStdioTransport(os.Stdin, os.Stdout, cfg.IPC.MaxFrameBytes), nil
	case "websocket":
		t, err := acceptor.Accept(ctx)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.IPC.Transport)
}
