package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingeventdomain "github.com/smallbiznis/dunningd/internal/billingevent/domain"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// errorRule maps a family of errors to one HTTP response shape.
type errorRule struct {
	status  int
	typ     string
	message string
	errs    []error
}

func (r errorRule) matches(err error) bool {
	for _, target := range r.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Domain validation sentinels; their code doubles as the field name after
// the invalid_ prefix.
var validationErrs = []error{
	ErrInvalidRequest,
	subscriptiondomain.ErrInvalidSubscription,
	subscriptiondomain.ErrInvalidBusiness,
	subscriptiondomain.ErrInvalidPlanTier,
	subscriptiondomain.ErrInvalidPrice,
	subscriptiondomain.ErrInvalidStatus,
	subscriptiondomain.ErrInvalidCurrency,
	subscriptiondomain.ErrInvalidActivity,
	subscriptiondomain.ErrInvalidEngagement,
	subscriptiondomain.ErrInvalidPageToken,
	billingeventdomain.ErrInvalidPayload,
	billingeventdomain.ErrInvalidOutcome,
	billingeventdomain.ErrInvalidTimestamp,
	billingeventdomain.ErrInvalidSubscription,
	billingeventdomain.ErrInvalidLimit,
	billingeventdomain.ErrBatchTooLarge,
}

var (
	// Writes that lost a race; the same request succeeds once the
	// subscription settles.
	busyRule = errorRule{
		status:  http.StatusConflict,
		typ:     "conflict",
		message: "subscription is being updated, retry later",
		errs: []error{
			subscriptiondomain.ErrStaleWrite,
			subscriptiondomain.ErrSubscriptionLocked,
			billingeventdomain.ErrEventInProgress,
		},
	}
	// Events the state machine refused outright.
	refusedRule = errorRule{
		status:  http.StatusConflict,
		typ:     "conflict",
		message: "event not allowed in current state",
		errs: []error{
			subscriptiondomain.ErrInvalidTransition,
			subscriptiondomain.ErrInvalidEvent,
		},
	}
	conflictRule = errorRule{
		status:  http.StatusConflict,
		typ:     "conflict",
		message: "conflict",
		errs:    []error{ErrConflict},
	}
	notFoundRule = errorRule{
		status:  http.StatusNotFound,
		typ:     "not_found",
		message: "not found",
		errs: []error{
			ErrNotFound,
			subscriptiondomain.ErrSubscriptionNotFound,
			subscriptiondomain.ErrStepNotSent,
			subscriptiondomain.ErrOfferNotSent,
			subscriptiondomain.ErrNoCampaign,
			gorm.ErrRecordNotFound,
		},
	}
	errorRules = []errorRule{
		busyRule,
		refusedRule,
		conflictRule,
		notFoundRule,
		{status: http.StatusTooManyRequests, typ: "rate_limited", message: "too many requests", errs: []error{ErrRateLimited}},
		{status: http.StatusServiceUnavailable, typ: "service_unavailable", message: "service unavailable", errs: []error{ErrServiceUnavailable}},
	}
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}
		status, payload := mapError(last.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}

func mapError(err error) (int, errorPayload) {
	var vErr *ValidationErrors
	switch {
	case err == nil:
	case errors.As(err, &vErr) && vErr != nil:
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: "validation error", Errors: vErr.Errors}
	case (errorRule{errs: validationErrs}).matches(err):
		code := rootCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  []ValidationError{{Field: validationField(code), Code: code, Message: validationMessage(code)}},
		}
	default:
		for _, rule := range errorRules {
			if rule.matches(err) {
				return rule.status, errorPayload{Type: rule.typ, Message: rule.message}
			}
		}
	}
	return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
}

// classifyErrorForLog gives the request log the type the client saw and the
// most specific code available.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case len(payload.Errors) > 0:
		return payload.Type, payload.Errors[0].Code
	case status == http.StatusConflict || status == http.StatusNotFound:
		return payload.Type, rootCode(err)
	}
	return payload.Type, payload.Type
}

// rootCode returns the innermost error text, which for domain sentinels is
// their snake_case code.
func rootCode(err error) string {
	for next := errors.Unwrap(err); next != nil; next = errors.Unwrap(err) {
		err = next
	}
	return err.Error()
}

func validationField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if field, ok := strings.CutPrefix(code, "invalid_"); ok {
		return field
	}
	return ""
}

func validationMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "batch_too_large":
		return "too many events in one batch"
	}
	return "invalid value"
}
