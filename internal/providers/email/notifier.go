package email

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// RecipientResolver looks up who should receive mail for a subscription.
type RecipientResolver interface {
	Recipients(ctx context.Context, subscriptionID string) ([]string, error)
}

// StaticRecipients sends everything to a fixed set of addresses.
type StaticRecipients []string

func (s StaticRecipients) Recipients(context.Context, string) ([]string, error) {
	return []string(s), nil
}

// Notifier renders lifecycle templates and hands them to a Provider.
type Notifier struct {
	provider   Provider
	recipients RecipientResolver
	log        *zap.Logger
}

func NewNotifier(provider Provider, recipients RecipientResolver, log *zap.Logger) *Notifier {
	return &Notifier{
		provider:   provider,
		recipients: recipients,
		log:        log.Named("email.notifier"),
	}
}

// Send delivers template for the subscription. step is the dunning step or
// win-back offer index the message belongs to.
func (n *Notifier) Send(ctx context.Context, subscriptionID string, step int, template string) error {
	to, err := n.recipients.Recipients(ctx, subscriptionID)
	if err != nil {
		return err
	}

	msg := Message{
		ID: strings.ToLower(ulid.Make().String()),
		To: to,
	}
	data := map[string]interface{}{
		"subscription_id": subscriptionID,
		"step":            step,
		"message_id":      msg.ID,
	}
	if err := n.provider.SendTemplate(ctx, msg, template, data); err != nil {
		return err
	}

	n.log.Debug("notification sent",
		zap.String("subscription_id", subscriptionID),
		zap.Int("step", step),
		zap.String("template", template),
		zap.String("message_id", msg.ID),
	)
	return nil
}
