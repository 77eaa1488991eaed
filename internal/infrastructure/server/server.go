package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	adminhttp "github.com/GriffinCanCode/AgentOS/exthost/internal/api/http"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/api/middleware"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/ipc"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server is the admin HTTP server. With the websocket transport it also
// serves the IPC endpoint the privileged peer dials.
type Server struct {
	router   *gin.Engine
	handlers *adminhttp.Handlers
	acceptor *ipc.Acceptor
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
	httpSrv  *http.Server
}

// NewServer builds the router. acceptor may be nil, in which case /ipc is
// not registered.
func NewServer(cfg *config.Config, handlers *adminhttp.Handlers, acceptor *ipc.Acceptor, metrics *monitoring.Metrics, tracer *tracing.Tracer, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	if tracer != nil {
		router.Use(tracing.HTTPMiddleware(tracer))
	}
	router.Use(monitoring.Middleware(metrics))
	cors := middleware.DefaultCORSConfig()
	if len(cfg.Admin.AllowOrigins) > 0 {
		cors.AllowOrigins = cfg.Admin.AllowOrigins
	}
	router.Use(middleware.CORS(cors))

	limited := router.Group("/")
	if cfg.Admin.RequestsPerSecond > 0 {
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.Admin.RequestsPerSecond
		rl.Burst = cfg.Admin.Burst
		limited.Use(middleware.RateLimit(rl))
	}

	router.GET("/health", handlers.Health)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	limited.GET("/extensions", handlers.ListExtensions)
	limited.GET("/extensions/:id", handlers.GetExtension)
	limited.POST("/extensions/:id/kill", handlers.KillExtension)
	limited.GET("/stats", handlers.Stats)

	if acceptor != nil {
		router.GET("/ipc", acceptor.Handle)
	}

	return &Server{
		router:   router,
		handlers: handlers,
		acceptor: acceptor,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}
}

// Router exposes the gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Admin.Host, s.config.Admin.Port)
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting admin server", zap.String("addr", s.httpSrv.Addr))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down admin server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Admin server shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
