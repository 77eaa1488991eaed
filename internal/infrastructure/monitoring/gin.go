package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// unmatchedRoute labels requests no route claimed, keeping 404 scans from
// minting a series per path
const unmatchedRoute = "unmatched"

// Middleware records admin requests against their route template
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		began := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		metrics.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(began))
	}
}

// TimeAPICall starts timing a capability call. The returned func records
// it with the final status and must be called once.
func (m *Metrics) TimeAPICall(api, method string) func(status string) {
	began := time.Now()
	return func(status string) {
		m.RecordAPICall(api, method, status, time.Since(began))
	}
}
