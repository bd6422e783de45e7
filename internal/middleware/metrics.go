package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/reliefmap/locus/internal/metrics"
)

// Metrics records one request counter sample per handled request, labelled
// with the route template rather than the raw path so ids do not explode
// the label set. m may be nil.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveHTTPRequest(route, c.Writer.Status())
	}
}
