package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/smallbiznis/dunningd/internal/billingevent/domain"
	"github.com/smallbiznis/dunningd/internal/clock"
	"github.com/smallbiznis/dunningd/internal/config"
	"github.com/smallbiznis/dunningd/internal/dispatch"
	"github.com/smallbiznis/dunningd/internal/observability/metrics"
	"github.com/smallbiznis/dunningd/internal/providers/gateway"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"github.com/smallbiznis/dunningd/pkg/db"
	"github.com/smallbiznis/dunningd/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	batchConcurrency = 8
	defaultListLimit = 50
	maxListLimit     = 200
)

// Applier is the part of the lifecycle engine the ingress drives.
type Applier interface {
	Apply(ctx context.Context, ev subscriptiondomain.Event) (subscriptiondomain.Result, error)
	TrackEngagement(ctx context.Context, ev subscriptiondomain.TrackingEvent) error
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  *config.LifecycleConfigHolder
	Engine  Applier
	Gateway gateway.Client
	Pool    *dispatch.GatewayPool
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     *config.LifecycleConfigHolder
	engine  Applier
	gateway gateway.Client
	pool    *dispatch.GatewayPool
	metrics *metrics.Metrics
	events  repository.Repository[billingeventdomain.BillingEvent]
}

func NewService(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("billingevent.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		cfg:     p.Config,
		engine:  p.Engine,
		gateway: p.Gateway,
		pool:    p.Pool,
		metrics: p.Metrics,
		events:  repository.ProvideStore[billingeventdomain.BillingEvent](p.DB),
	}
}

// normalized is an outcome ready to be logged and applied.
type normalized struct {
	subscriptionID snowflake.ID
	source         string
	outcome        billingeventdomain.Outcome
	occurredAt     time.Time
	dedupeKey      string
	metadata       map[string]any
	event          subscriptiondomain.Event
}

// Ingest records one webhook delivery and applies it. Redeliveries of an
// outcome that was already handled return the stored result.
func (s *Service) Ingest(ctx context.Context, payload billingeventdomain.WebhookPayload) (billingeventdomain.IngestResult, error) {
	n, err := normalizeWebhook(payload)
	if err != nil {
		return billingeventdomain.IngestResult{}, err
	}
	return s.ingest(ctx, n)
}

func normalizeWebhook(payload billingeventdomain.WebhookPayload) (normalized, error) {
	rawID := strings.TrimSpace(payload.SubscriptionID)
	if rawID == "" {
		return normalized{}, billingeventdomain.ErrInvalidSubscription
	}
	id, err := snowflake.ParseString(rawID)
	if err != nil || id == 0 {
		return normalized{}, billingeventdomain.ErrInvalidSubscription
	}
	if payload.Timestamp.IsZero() {
		return normalized{}, billingeventdomain.ErrInvalidTimestamp
	}

	outcome := billingeventdomain.Outcome(strings.ToLower(strings.TrimSpace(string(payload.Outcome))))
	if outcome == billingeventdomain.OutcomeTransient || outcome == billingeventdomain.OutcomePermanent {
		return normalized{}, billingeventdomain.ErrInvalidOutcome
	}
	occurredAt := payload.Timestamp.UTC()
	ev, err := eventFor(id, outcome, payload.Metadata)
	if err != nil {
		return normalized{}, err
	}
	ev.OccurredAt = occurredAt
	ev.Source = billingeventdomain.SourceWebhook

	return normalized{
		subscriptionID: id,
		source:         billingeventdomain.SourceWebhook,
		outcome:        outcome,
		occurredAt:     occurredAt,
		dedupeKey:      fmt.Sprintf("%s:%s:%s", id, outcome, occurredAt.Format(time.RFC3339Nano)),
		metadata:       payload.Metadata,
		event:          ev,
	}, nil
}

// eventFor maps a stored or delivered outcome onto the lifecycle event it drives.
func eventFor(id snowflake.ID, outcome billingeventdomain.Outcome, metadata map[string]any) (subscriptiondomain.Event, error) {
	ev := subscriptiondomain.Event{SubscriptionID: id, Type: subscriptiondomain.EventPaymentFailed}
	switch outcome {
	case billingeventdomain.OutcomeSucceeded:
		ev.Type = subscriptiondomain.EventPaymentSucceeded
	case billingeventdomain.OutcomeDeclined:
		ev.Reason = subscriptiondomain.FailureDeclined
	case billingeventdomain.OutcomeInsufficientFunds:
		ev.Reason = subscriptiondomain.FailureInsufficientFunds
	case billingeventdomain.OutcomeCardExpired:
		ev.Reason = subscriptiondomain.FailureCardExpired
	case billingeventdomain.OutcomeTransient:
		ev.Reason = subscriptiondomain.FailureTransient
	case billingeventdomain.OutcomePermanent:
		ev.Reason = subscriptiondomain.FailurePermanent
	case billingeventdomain.OutcomeChargeback:
		ev.Type = subscriptiondomain.EventChargebackReceived
	default:
		return subscriptiondomain.Event{}, billingeventdomain.ErrInvalidOutcome
	}

	if ev.Type == subscriptiondomain.EventPaymentFailed && metadataBool(metadata, billingeventdomain.MetadataPermanent) {
		ev.Reason = subscriptiondomain.FailurePermanent
	}
	attempt, err := metadataInt(metadata, billingeventdomain.MetadataRetryAttempt)
	if err != nil {
		return subscriptiondomain.Event{}, billingeventdomain.ErrInvalidPayload
	}
	ev.RetryAttempt = attempt
	if ev.RetryIssueID, err = metadataID(metadata, billingeventdomain.MetadataRetryIssue); err != nil {
		return subscriptiondomain.Event{}, billingeventdomain.ErrInvalidPayload
	}
	return ev, nil
}

func (s *Service) ingest(ctx context.Context, n normalized) (billingeventdomain.IngestResult, error) {
	stored, fresh, err := s.record(ctx, n)
	if err != nil {
		return billingeventdomain.IngestResult{}, err
	}

	out := billingeventdomain.IngestResult{
		EventID:        stored.ID,
		SubscriptionID: n.subscriptionID,
		Duplicate:      !fresh,
		Result:         stored.Result,
	}
	if !fresh {
		claimed, err := s.reclaim(ctx, stored)
		if err != nil {
			return out, err
		}
		if !claimed {
			s.log.Debug("duplicate billing event ignored",
				zap.String("subscription_id", n.subscriptionID.String()),
				zap.String("dedupe_key", n.dedupeKey),
				zap.String("result", string(stored.Result)),
			)
			if stored.Result == billingeventdomain.ResultPending {
				return out, billingeventdomain.ErrEventInProgress
			}
			return out, nil
		}
	}

	transition, result, err := s.process(ctx, stored.ID, n.event)
	out.Result = result
	out.Transition = transition
	return out, err
}

// process applies ev and records the outcome on the event log row.
func (s *Service) process(ctx context.Context, eventID snowflake.ID, ev subscriptiondomain.Event) (*subscriptiondomain.Result, billingeventdomain.ProcessResult, error) {
	transition, applyErr := s.engine.Apply(ctx, ev)
	result, detail, surfaced := classify(transition, applyErr)

	if err := s.markProcessed(ctx, eventID, result, detail); err != nil {
		return nil, result, err
	}
	if result == billingeventdomain.ResultDiscarded {
		s.log.Info("billing event discarded",
			zap.String("subscription_id", ev.SubscriptionID.String()),
			zap.String("event", string(ev.Type)),
			zap.String("source", ev.Source),
			zap.String("reason", detail),
		)
	}
	if applyErr != nil {
		return nil, result, surfaced
	}
	return &transition, result, nil
}

// ReprocessFailed re-applies events left in the failed state since before
// cutoff, for deliveries the gateway never retried. It returns how many
// events were taken back.
func (s *Service) ReprocessFailed(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var rows []billingeventdomain.BillingEvent
	if err := s.db.WithContext(ctx).
		Where("result = ? AND created_at <= ?", billingeventdomain.ResultFailed, cutoff).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return 0, err
	}

	processed := 0
	var jobErr error
	for i := range rows {
		row := &rows[i]
		claimed, err := s.reclaim(ctx, row)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		if !claimed {
			continue
		}
		ev, err := eventFor(row.SubscriptionID, row.Outcome, map[string]any(row.Metadata))
		if err != nil {
			jobErr = errors.Join(jobErr, s.markProcessed(ctx, row.ID, billingeventdomain.ResultRejected, err.Error()))
			continue
		}
		ev.OccurredAt = row.OccurredAt
		ev.Source = row.Source

		processed++
		_, result, err := s.process(ctx, row.ID, ev)
		if err != nil && result != billingeventdomain.ResultFailed && result != billingeventdomain.ResultRejected {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		s.log.Info("billing event reprocessed",
			zap.String("subscription_id", row.SubscriptionID.String()),
			zap.String("event_id", row.ID.String()),
			zap.String("result", string(result)),
		)
	}
	return processed, jobErr
}

// record inserts the event log row. fresh is false when the dedupe key was
// already present, in which case the stored row is returned.
func (s *Service) record(ctx context.Context, n normalized) (*billingeventdomain.BillingEvent, bool, error) {
	row := &billingeventdomain.BillingEvent{
		ID:             s.genID.Generate(),
		SubscriptionID: n.subscriptionID,
		Source:         n.source,
		Outcome:        n.outcome,
		OccurredAt:     n.occurredAt,
		DedupeKey:      n.dedupeKey,
		Result:         billingeventdomain.ResultPending,
		CreatedAt:      s.clock.Now(),
	}
	if len(n.metadata) > 0 {
		row.Metadata = datatypes.JSONMap(n.metadata)
	}

	err := s.events.Create(ctx, row)
	if err == nil {
		return row, true, nil
	}
	if !db.IsDuplicateKeyErr(err) {
		return nil, false, err
	}

	existing, err := s.events.FindOne(ctx, &billingeventdomain.BillingEvent{DedupeKey: n.dedupeKey})
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, billingeventdomain.ErrInvalidPayload
	}
	return existing, false, nil
}

// reclaim takes a previously failed event back to pending so exactly one
// redelivery reprocesses it.
func (s *Service) reclaim(ctx context.Context, stored *billingeventdomain.BillingEvent) (bool, error) {
	if stored.Result != billingeventdomain.ResultFailed {
		return false, nil
	}
	res := s.db.WithContext(ctx).
		Model(&billingeventdomain.BillingEvent{}).
		Where("id = ? AND result = ?", stored.ID, billingeventdomain.ResultFailed).
		Updates(map[string]any{
			"result": billingeventdomain.ResultPending,
			"detail": "",
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Service) markProcessed(ctx context.Context, id snowflake.ID, result billingeventdomain.ProcessResult, detail string) error {
	return s.events.Update(ctx, id, map[string]any{
		"result":       result,
		"detail":       detail,
		"processed_at": s.clock.Now(),
	})
}

// classify decides what gets recorded and which errors reach the caller.
// Chargeback conflicts and stale retry outcomes are expected under
// at-least-once delivery and are swallowed.
func classify(transition subscriptiondomain.Result, err error) (billingeventdomain.ProcessResult, string, error) {
	switch {
	case err == nil && transition.Changed:
		return billingeventdomain.ResultApplied, "", nil
	case err == nil:
		return billingeventdomain.ResultNoop, "", nil
	case errors.Is(err, subscriptiondomain.ErrChargebackConflict),
		errors.Is(err, subscriptiondomain.ErrStaleRetryResult):
		return billingeventdomain.ResultDiscarded, err.Error(), nil
	case errors.Is(err, subscriptiondomain.ErrInvalidTransition),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, subscriptiondomain.ErrInvalidEvent):
		return billingeventdomain.ResultRejected, err.Error(), err
	default:
		return billingeventdomain.ResultFailed, err.Error(), err
	}
}

// IngestBatch fans a bulk delivery out to independent Ingest calls. Item
// errors are reported per index; only cancellation aborts the batch.
func (s *Service) IngestBatch(ctx context.Context, payloads []billingeventdomain.WebhookPayload) ([]billingeventdomain.BatchItemResult, error) {
	if len(payloads) == 0 {
		return []billingeventdomain.BatchItemResult{}, nil
	}
	if len(payloads) > billingeventdomain.MaxBatchSize {
		return nil, billingeventdomain.ErrBatchTooLarge
	}

	results := make([]billingeventdomain.BatchItemResult, len(payloads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i := range payloads {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i].Index = i
			res, err := s.Ingest(gctx, payloads[i])
			if err != nil {
				results[i].Error = err.Error()
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
			}
			if res.EventID != 0 {
				results[i].Result = &res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// HandleRetryDue hands a claimed retry to the gateway pool. The gateway
// call never runs on the scheduler goroutine; its outcome comes back through
// the same path as a webhook, tagged with the attempt it was fired for.
func (s *Service) HandleRetryDue(ctx context.Context, due subscriptiondomain.RetryDue) error {
	if due.SubscriptionID == 0 || due.Attempt <= 0 {
		return billingeventdomain.ErrInvalidPayload
	}
	if err := s.pool.Submit(ctx, dispatch.Task{
		Key:  due.SubscriptionID.String(),
		Name: "gateway_retry",
		Run: func(ctx context.Context) error {
			return s.chargeRetry(ctx, due)
		},
	}); err != nil {
		return err
	}
	s.metrics.RecordRetryFired(ctx, string(due.PlanTier))
	return nil
}

func (s *Service) chargeRetry(ctx context.Context, due subscriptiondomain.RetryDue) error {
	id := due.SubscriptionID.String()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Get().GatewayTimeout)
	chargeErr := s.gateway.Charge(callCtx, gateway.ChargeRequest{
		SubscriptionID: id,
		Amount:         due.Amount,
		Currency:       due.Currency,
		Attempt:        due.Attempt,
		IdempotencyKey: retryKey(due),
	})
	cancel()

	class, code := gateway.Classify(chargeErr)
	s.metrics.RecordGatewayOutcome(ctx, string(class))
	if chargeErr != nil {
		s.log.Info("retry charge failed",
			zap.String("subscription_id", id),
			zap.Int("attempt", due.Attempt),
			zap.String("class", string(class)),
			zap.Error(chargeErr),
		)
	}

	n := retryOutcome(due, class, code, s.clock.Now())
	_, err := s.ingest(ctx, n)
	return err
}

// retryKey identifies one fired attempt. Attempt numbers restart with every
// billing issue, so the issue id keeps later episodes from colliding with
// earlier ones in both the gateway and the event log.
func retryKey(due subscriptiondomain.RetryDue) string {
	return fmt.Sprintf("%s:%s:%d", due.SubscriptionID, due.IssueID, due.Attempt)
}

func retryOutcome(due subscriptiondomain.RetryDue, class gateway.Classification, code gateway.DeclineCode, now time.Time) normalized {
	var outcome billingeventdomain.Outcome
	switch class {
	case gateway.ClassSucceeded:
		outcome = billingeventdomain.OutcomeSucceeded
	case gateway.ClassDeclined:
		switch code {
		case gateway.DeclineInsufficientFunds:
			outcome = billingeventdomain.OutcomeInsufficientFunds
		case gateway.DeclineCardExpired:
			outcome = billingeventdomain.OutcomeCardExpired
		default:
			outcome = billingeventdomain.OutcomeDeclined
		}
	case gateway.ClassPermanent:
		outcome = billingeventdomain.OutcomePermanent
	default:
		outcome = billingeventdomain.OutcomeTransient
	}

	metadata := map[string]any{
		billingeventdomain.MetadataRetryAttempt: due.Attempt,
		billingeventdomain.MetadataRetryIssue:   due.IssueID.String(),
	}
	// Every outcome above is known to eventFor.
	ev, _ := eventFor(due.SubscriptionID, outcome, metadata)
	ev.OccurredAt = now
	ev.Source = billingeventdomain.SourceRetry

	return normalized{
		subscriptionID: due.SubscriptionID,
		source:         billingeventdomain.SourceRetry,
		outcome:        outcome,
		occurredAt:     now,
		dedupeKey:      "retry:" + retryKey(due),
		metadata:       metadata,
		event:          ev,
	}
}

// Track forwards a notification tracking signal to the engine.
func (s *Service) Track(ctx context.Context, ev subscriptiondomain.TrackingEvent) error {
	if ev.SubscriptionID == 0 || ev.Index <= 0 || !ev.Kind.Valid() {
		return subscriptiondomain.ErrInvalidEngagement
	}
	switch ev.Target {
	case subscriptiondomain.TrackingDunningStep, subscriptiondomain.TrackingWinBackOffer:
	default:
		return subscriptiondomain.ErrInvalidEngagement
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.clock.Now()
	}
	return s.engine.TrackEngagement(ctx, ev)
}

// ListEvents returns the most recent ingestion log rows of a subscription.
func (s *Service) ListEvents(ctx context.Context, req billingeventdomain.ListEventsRequest) ([]billingeventdomain.BillingEvent, error) {
	if req.SubscriptionID == 0 {
		return nil, billingeventdomain.ErrInvalidSubscription
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := s.events.Find(ctx, &billingeventdomain.BillingEvent{SubscriptionID: req.SubscriptionID}, "occurred_at DESC, id DESC", limit)
	if err != nil {
		return nil, err
	}
	out := make([]billingeventdomain.BillingEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}

func metadataBool(metadata map[string]any, key string) bool {
	switch v := metadata[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// metadataID reads a snowflake id. Ids travel as strings; JSON numbers lose
// precision above 2^53.
func metadataID(metadata map[string]any, key string) (snowflake.ID, error) {
	switch v := metadata[key].(type) {
	case nil:
		return 0, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, nil
		}
		return snowflake.ParseString(strings.TrimSpace(v))
	case json.Number:
		return snowflake.ParseString(v.String())
	default:
		return 0, fmt.Errorf("%s: not an id", key)
	}
}

func metadataInt(metadata map[string]any, key string) (int, error) {
	raw, ok := metadata[key]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) || v < 0 {
			return 0, fmt.Errorf("%s: not a whole number", key)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	case string:
		return strconv.Atoi(v)
	default:
		return 0, fmt.Errorf("%s: unsupported type %T", key, raw)
	}
}
