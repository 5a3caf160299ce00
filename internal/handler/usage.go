package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/ledger"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/middleware"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/models"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/quota"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/tier"
	"github.com/gin-gonic/gin"
)

type Snapshotter interface {
	Snapshot(ctx context.Context, userID string, name tier.Name) quota.Decision
}

type UsageLedger interface {
	Query(ctx context.Context, filter ledger.Filter) ([]models.UsageRecord, error)
	Reset(ctx context.Context, userID string) (int64, error)
}

type UsageHandler struct {
	quota  Snapshotter
	ledger UsageLedger
}

func NewUsageHandler(quota Snapshotter, ledger UsageLedger) *UsageHandler {
	return &UsageHandler{
		quota:  quota,
		ledger: ledger,
	}
}

// Handles GET /v1/usage
func (h *UsageHandler) GetUsage(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		userID = "ip:" + c.ClientIP()
	}

	c.JSON(http.StatusOK, h.quota.Snapshot(c.Request.Context(), userID, middleware.UserTier(c)))
}

// Handles GET /admin/tiers
func (h *UsageHandler) ListTiers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tiers": tier.All()})
}

type actionSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	TokensUsed int `json:"tokensUsed"`
}

// Handles GET /admin/usage/:userId
func (h *UsageHandler) GetUserUsage(c *gin.Context) {
	userID := c.Param("userId")

	from, to, err := parseTimeRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filter := ledger.Filter{UserID: userID, From: from, To: to}
	if action := models.ActionType(c.Query("action")); action != "" {
		if !action.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid action type"})
			return
		}
		filter.Actions = []models.ActionType{action}
	}
	if successOnly, err := strconv.ParseBool(c.DefaultQuery("success_only", "false")); err == nil {
		filter.SuccessOnly = successOnly
	}

	records, err := h.ledger.Query(c.Request.Context(), filter)
	if errors.Is(err, ledger.ErrInvalidRange) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	summary := make(map[models.ActionType]*actionSummary)
	for _, rec := range records {
		s, ok := summary[rec.ActionType]
		if !ok {
			s = &actionSummary{}
			summary[rec.ActionType] = s
		}
		s.Total++
		s.TokensUsed += rec.TokensUsed
		if rec.Success {
			s.Successful++
		} else {
			s.Failed++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":  userID,
		"from":    from,
		"to":      to,
		"summary": summary,
		"records": records,
	})
}

// Handles POST /admin/usage/:userId/reset
func (h *UsageHandler) ResetUserUsage(c *gin.Context) {
	userID := c.Param("userId")

	deleted, err := h.ledger.Reset(c.Request.Context(), userID)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Usage reset successfully",
		"userId":  userID,
		"deleted": deleted,
	})
}

// Parses 'from' and 'to' query parameters
func parseTimeRange(c *gin.Context) (time.Time, time.Time, error) {
	// Default: last 30 days
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)

	if fromStr := c.Query("from"); fromStr != "" {
		parsedFrom, err := parseTime(fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = parsedFrom
	}

	if toStr := c.Query("to"); toStr != "" {
		parsedTo, err := parseTime(toStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = parsedTo
	}

	return from, to, nil
}

// parseTime accepts RFC 3339 or a unix timestamp.
func parseTime(raw string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339, raw)
	if err == nil {
		return parsed, nil
	}
	if timestamp, errUnix := strconv.ParseInt(raw, 10, 64); errUnix == nil {
		return time.Unix(timestamp, 0).UTC(), nil
	}
	return time.Time{}, err
}
