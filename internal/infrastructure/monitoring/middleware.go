package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for metrics collection
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method

		reqSize := c.Request.ContentLength
		if reqSize < 0 {
			reqSize = 0
		}

		c.Next()

		// Route templates keep label cardinality bounded
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		status := strconv.Itoa(c.Writer.Status())
		respSize := int64(c.Writer.Size())
		if respSize < 0 {
			respSize = 0
		}

		metrics.RecordHTTPRequest(method, path, status, time.Since(start), reqSize, respSize)
	}
}

// Timer measures a provisioning API call
type Timer struct {
	start    time.Time
	metrics  *Metrics
	provider string
	method   string
}

// NewTimer creates a new timer
func NewTimer(metrics *Metrics, provider, method string) *Timer {
	return &Timer{
		start:    time.Now(),
		metrics:  metrics,
		provider: provider,
		method:   method,
	}
}

// Stop records the call with a status derived from err
func (t *Timer) Stop(err error) time.Duration {
	duration := time.Since(t.start)
	status := "success"
	if err != nil {
		status = "error"
	}
	t.metrics.RecordProviderCall(t.provider, t.method, status, duration)
	return duration
}
