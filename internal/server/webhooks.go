package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	billingeventdomain "github.com/smallbiznis/dunningd/internal/billingevent/domain"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
)

// HandleGatewayWebhook ingests one gateway delivery. Redeliveries answer 200
// with duplicate=true so the gateway stops retrying.
func (s *Server) HandleGatewayWebhook(c *gin.Context) {
	var payload billingeventdomain.WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set("gateway_outcome", strings.ToLower(strings.TrimSpace(string(payload.Outcome))))

	res, err := s.billingEventSvc.Ingest(c.Request.Context(), payload)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}

// HandleGatewayWebhookBatch ingests many deliveries; per-item failures are
// reported in place and do not fail the request.
func (s *Server) HandleGatewayWebhookBatch(c *gin.Context) {
	var req struct {
		Events []billingeventdomain.WebhookPayload `json:"events"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if len(req.Events) == 0 {
		AbortWithError(c, newValidationError("events", "required", "events are required"))
		return
	}

	items, err := s.billingEventSvc.IngestBatch(c.Request.Context(), req.Events)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	failed := 0
	for _, item := range items {
		if item.Error != "" {
			failed++
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": items, "failed": failed})
}

type trackingRequest struct {
	SubscriptionID string    `json:"subscription_id"`
	Target         string    `json:"target"`
	Index          int       `json:"index"`
	Kind           string    `json:"kind"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// HandleTracking records an opened, clicked or responded signal from the
// email provider.
func (s *Server) HandleTracking(c *gin.Context) {
	var req trackingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	id, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
	if err != nil || id == 0 {
		AbortWithError(c, newValidationError("subscription_id", "invalid_subscription_id", "invalid subscription_id"))
		return
	}

	err = s.billingEventSvc.Track(c.Request.Context(), subscriptiondomain.TrackingEvent{
		SubscriptionID: id,
		Target:         subscriptiondomain.TrackingTarget(strings.ToLower(strings.TrimSpace(req.Target))),
		Index:          req.Index,
		Kind:           subscriptiondomain.EngagementKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		OccurredAt:     req.OccurredAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
