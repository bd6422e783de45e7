package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/reliefmap/locus/internal/logger"
)

// FeedCacheStateKey is the context key under which feed handlers record the
// cache state of the layer they served.
const FeedCacheStateKey = "feed_cache_state"

// Logger creates a middleware that logs HTTP requests using structured logging.
// Besides the usual request details it records the feed layer or map resource
// a request touched, whether the caller's session cookie was present to be
// forwarded to local feeds, and the cache state of a served feed layer.
func Logger(log *logger.Logger, sessionCookie string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := log.WithRequestID(GetRequestID(c))
		c.Set("logger", requestLogger)

		c.Next()

		fields := map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          c.ClientIP(),
			"user_agent":  c.Request.UserAgent(),
		}
		if len(c.Request.URL.RawQuery) > 0 {
			fields["query"] = c.Request.URL.RawQuery
		}
		addDomainFields(c, sessionCookie, fields)

		statusCode := c.Writer.Status()
		switch {
		case statusCode >= 500:
			if len(c.Errors) > 0 {
				fields["errors"] = c.Errors.String()
			}
			requestLogger.Error("Request completed with server error", nil, fields)
		case statusCode >= 400:
			if len(c.Errors) > 0 {
				fields["errors"] = c.Errors.String()
			}
			requestLogger.Warn("Request completed with client error", fields)
		default:
			requestLogger.Info("Request completed", fields)
		}
	}
}

// addDomainFields adds the feed and layer details of c to fields. The
// session flag is only logged on routes that fetch feeds.
func addDomainFields(c *gin.Context, sessionCookie string, fields map[string]interface{}) {
	route := c.FullPath()
	if route != "" {
		fields["route"] = route
	}
	if name := c.Param("name"); name != "" {
		fields["feed_layer"] = name
	}
	resource := c.Param("resource")
	if resource != "" {
		fields["resource"] = resource
	}
	if state := c.GetString(FeedCacheStateKey); state != "" {
		fields["feed_cache_state"] = state
	}
	if sessionCookie != "" && (strings.Contains(route, "/feeds") || resource != "") {
		session, err := c.Cookie(sessionCookie)
		fields["session_forwarded"] = err == nil && session != ""
	}
}

// GetLogger retrieves the logger from the Gin context.
// Returns nil if not found.
func GetLogger(c *gin.Context) *logger.Logger {
	if log, exists := c.Get("logger"); exists {
		if logger, ok := log.(*logger.Logger); ok {
			return logger
		}
	}
	return nil
}
