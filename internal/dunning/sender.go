package dunning

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunningd/internal/notification"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
)

// Dispatcher sends planned steps without blocking the caller.
type Dispatcher struct {
	sender *notification.Sender
}

func NewDispatcher(sender *notification.Sender) *Dispatcher {
	return &Dispatcher{sender: sender}
}

func (d *Dispatcher) Dispatch(ctx context.Context, subscriptionID snowflake.ID, step subscriptiondomain.CampaignStep) error {
	return d.sender.Enqueue(ctx, notification.KindDunning, subscriptionID, step.Index, step.Template)
}
