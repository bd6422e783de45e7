package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// FeedCacheStateHeader reports how a feed layer was served: fresh, stale or
// inaccessible.
const FeedCacheStateHeader = "X-Feed-Cache-State"

// CORS lets the allowed map front ends call the API. Credentials are only
// allowed when a session cookie is configured.
func CORS(allowedOrigins []string, sessionCookie string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", RequestIDHeader},
		ExposeHeaders:    []string{RequestIDHeader, FeedCacheStateHeader},
		AllowCredentials: sessionCookie != "",
		MaxAge:           12 * time.Hour,
	})
}
