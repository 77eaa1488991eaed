package middleware

import (
	"time"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/tracing"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSConfig is the browser policy for the admin API
type CORSConfig struct {
	AllowOrigins []string
	AllowMethods []string
	MaxAge       time.Duration
}

// DefaultCORSConfig admits dashboards served from loopback, the only place
// the admin API listens.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins: []string{"http://localhost", "http://127.0.0.1"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		MaxAge:       time.Hour,
	}
}

// CORS lets browsers send and read the trace headers so a dashboard can
// correlate its requests with host logs.
func CORS(cfg CORSConfig) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  cfg.AllowOrigins,
		AllowMethods:  cfg.AllowMethods,
		AllowHeaders:  []string{"Content-Type", "Accept", "Origin", tracing.HeaderTraceID, tracing.HeaderSpanID},
		ExposeHeaders: []string{tracing.HeaderTraceID, tracing.HeaderSpanID},
		AllowWildcard: true,
		MaxAge:        cfg.MaxAge,
	})
}
