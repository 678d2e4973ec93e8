package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	billingeventdomain "github.com/smallbiznis/dunningd/internal/billingevent/domain"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"github.com/smallbiznis/dunningd/pkg/db/pagination"
)

func (s *Server) CreateSubscription(c *gin.Context) {
	var req subscriptiondomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sub, err := s.lifecycle.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": sub, "badge": StatusBadgeFor(sub.Status)})
}

func (s *Server) RecordActivity(c *gin.Context) {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return
	}

	var req subscriptiondomain.ActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.SubscriptionID = id.String()

	if err := s.lifecycle.RecordActivity(c.Request.Context(), req); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReactivateSubscription brings an expired subscription back. It is the only
// manual transition; no endpoint sets a status directly.
func (s *Server) ReactivateSubscription(c *gin.Context) {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return
	}

	res, err := s.lifecycle.Apply(c.Request.Context(), subscriptiondomain.Event{
		SubscriptionID: id,
		Type:           subscriptiondomain.EventManualReactivate,
		OccurredAt:     s.clock.Now(),
		Source:         "api",
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) GetSubscriptionState(c *gin.Context) {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return
	}

	state, err := s.subscriptionSvc.GetSubscriptionState(c.Request.Context(), id.String())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  state,
		"badge": StatusBadgeFor(state.Status),
		"risk":  RiskBadgeFor(state.RiskAssessment.ChurnRisk),
	})
}

func (s *Server) ListSubscriptions(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Status     string `form:"status"`
		BusinessID string `form:"business_id"`
		PlanTier   string `form:"plan_tier"`
		ChurnRisk  string `form:"churn_risk"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriptionSvc.ListByStatus(c.Request.Context(), subscriptiondomain.ListByStatusRequest{
		Status:     strings.TrimSpace(query.Status),
		BusinessID: strings.TrimSpace(query.BusinessID),
		PlanTier:   strings.TrimSpace(query.PlanTier),
		ChurnRisk:  strings.TrimSpace(query.ChurnRisk),
		PageToken:  query.PageToken,
		PageSize:   query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Subscriptions,
		"page_info": gin.H{"next_page_token": resp.NextPageToken},
	})
}

// ListSubscriptionEvents returns the ingested billing events of one
// subscription, newest first.
func (s *Server) ListSubscriptionEvents(c *gin.Context) {
	id, ok := subscriptionIDParam(c)
	if !ok {
		return
	}

	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	req := billingeventdomain.ListEventsRequest{SubscriptionID: id, Limit: limit}

	events, err := s.billingEventSvc.ListEvents(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": events})
}

func subscriptionIDParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id == 0 {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return 0, false
	}
	return id, true
}

// parseLimit reads an optional positive page size; zero means the default.
func parseLimit(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil || n < 0 {
		return 0, billingeventdomain.ErrInvalidLimit
	}
	return n, nil
}
