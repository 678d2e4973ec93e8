package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
)

// MaxBatchSize bounds one bulk ingestion request.
const MaxBatchSize = 500

// WebhookPayload is one delivery from the gateway webhook feed.
type WebhookPayload struct {
	SubscriptionID string         `json:"subscriptionId"`
	Outcome        Outcome        `json:"outcome"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Metadata keys understood by the ingress.
const (
	MetadataRetryAttempt = "retry_attempt"
	MetadataRetryIssue   = "retry_issue_id"
	MetadataPermanent    = "permanent"
)

type IngestResult struct {
	EventID        snowflake.ID               `json:"event_id"`
	SubscriptionID snowflake.ID               `json:"subscription_id"`
	Duplicate      bool                       `json:"duplicate"`
	Result         ProcessResult              `json:"result"`
	Transition     *subscriptiondomain.Result `json:"transition,omitempty"`
}

// BatchItemResult is index-aligned with the submitted batch.
type BatchItemResult struct {
	Index  int           `json:"index"`
	Result *IngestResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type ListEventsRequest struct {
	SubscriptionID snowflake.ID
	Limit          int
}

type Service interface {
	Ingest(ctx context.Context, payload WebhookPayload) (IngestResult, error)
	IngestBatch(ctx context.Context, payloads []WebhookPayload) ([]BatchItemResult, error)
	HandleRetryDue(ctx context.Context, due subscriptiondomain.RetryDue) error
	Track(ctx context.Context, ev subscriptiondomain.TrackingEvent) error
	ListEvents(ctx context.Context, req ListEventsRequest) ([]BillingEvent, error)
	ReprocessFailed(ctx context.Context, cutoff time.Time, limit int) (int, error)
}
