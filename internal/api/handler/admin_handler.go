package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/skiptrace/internal/api/middleware"
	"github.com/timmy/skiptrace/internal/domain"
	"github.com/timmy/skiptrace/internal/logger"
)

// Granter credits accounts.
type Granter interface {
	Grant(ctx context.Context, ownerID string, amount domain.Credits) (domain.Credits, error)
}

// CachePurger removes expired cached pages.
type CachePurger interface {
	Purge(ctx context.Context) (int64, error)
}

// AdminHandler handles operator endpoints.
type AdminHandler struct {
	accounts Granter
	cache    CachePurger
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - accounts: service used to grant credits.
//   - cache: page cache, nil when caching is disabled.
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(accounts Granter, cache CachePurger) *AdminHandler {
	return &AdminHandler{accounts: accounts, cache: cache}
}

// GrantRequest represents the grant API request.
type GrantRequest struct {
	Amount domain.Credits `json:"amount" binding:"required"`
	Note   string         `json:"note"`
}

// Grant handles POST /api/v1/admin/accounts/:owner/grant.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) Grant(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}
	owner := c.Param("owner")

	balance, err := h.accounts.Grant(c.Request.Context(), owner, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}

	middleware.GetLogger(c).WithFields(logger.Fields{
		logger.FieldOwnerID: owner,
		"amount":            req.Amount.String(),
		"note":              req.Note,
	}).Info("Credits granted")

	c.JSON(http.StatusOK, gin.H{
		"owner_id": owner,
		"balance":  balance,
	})
}

// PurgeCache handles POST /api/v1/admin/cache/purge.
func (h *AdminHandler) PurgeCache(c *gin.Context) {
	if h.cache == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "page cache is disabled"})
		return
	}
	n, err := h.cache.Purge(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n})
}
