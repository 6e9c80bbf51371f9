package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderOwnerID identifies the account a request acts for.
const HeaderOwnerID = "X-Owner-ID"

const ownerKey = "owner_id"

// RequireOwner rejects requests without an X-Owner-ID header and stores the
// owner for handlers.
func RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := strings.TrimSpace(c.GetHeader(HeaderOwnerID))
		if owner == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": HeaderOwnerID + " header is required"})
			return
		}
		c.Set(ownerKey, owner)
		c.Next()
	}
}

// GetOwnerID returns the owner stored by RequireOwner.
func GetOwnerID(c *gin.Context) string {
	return c.GetString(ownerKey)
}
