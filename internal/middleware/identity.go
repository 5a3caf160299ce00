package middleware

import (
	"strings"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/tier"
	"github.com/gin-gonic/gin"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserTier = "X-User-Tier"

	ContextRequestID = "request_id"
	ContextUserID    = "user_id"
	ContextUserTier  = "user_tier"
	ContextTicket    = "admission_ticket"
)

// Identity reads the caller identity set by the upstream authentication
// layer. The headers are trusted as given. Requests without a user id are
// anonymous and always run on the free tier.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))

		name := tier.Free
		if userID != "" {
			name = tier.Parse(c.GetHeader(HeaderUserTier))
		}

		c.Set(ContextUserID, userID)
		c.Set(ContextUserTier, name)
		c.Next()
	}
}

// UserTier returns the tier Identity resolved for the request.
func UserTier(c *gin.Context) tier.Name {
	if v, ok := c.Get(ContextUserTier); ok {
		if name, ok := v.(tier.Name); ok {
			return name
		}
	}
	return tier.Free
}
