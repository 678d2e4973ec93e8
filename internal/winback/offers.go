// Package winback selects and tracks re-engagement offers for expired subscriptions.
package winback

import (
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
)

// IDGenerator is satisfied by *snowflake.Node.
type IDGenerator interface {
	Generate() snowflake.ID
}

var candidates = map[subscriptiondomain.ReactivationPotential][]subscriptiondomain.OfferType{
	subscriptiondomain.PotentialHigh: {
		subscriptiondomain.OfferPersonalOutreach,
		subscriptiondomain.OfferDiscount30,
		subscriptiondomain.OfferFreeTrial,
	},
	subscriptiondomain.PotentialMedium: {
		subscriptiondomain.OfferDiscount20,
		subscriptiondomain.OfferDiscount10,
		subscriptiondomain.OfferFreeTrial,
	},
	subscriptiondomain.PotentialLow: {
		subscriptiondomain.OfferAutomatedReminder,
	},
}

// Candidates returns the ordered offer ladder for a potential tier.
func Candidates(potential subscriptiondomain.ReactivationPotential) []subscriptiondomain.OfferType {
	list, ok := candidates[potential]
	if !ok {
		list = candidates[subscriptiondomain.PotentialLow]
	}
	out := make([]subscriptiondomain.OfferType, len(list))
	copy(out, list)
	return out
}

func TemplateFor(offer subscriptiondomain.OfferType) string {
	return "winback_" + string(offer)
}

type Policy struct {
	GraceWindow   time.Duration
	OfferInterval time.Duration
}

// Next picks the offer to send now, if any. Offers already sent in this
// expiry episode are skipped, and nothing is sent inside the grace window
// before deletion or before the offer interval has elapsed.
func (p Policy) Next(state *subscriptiondomain.State, now time.Time) (subscriptiondomain.OfferType, bool) {
	sub := state.Subscription
	if sub.Status != subscriptiondomain.StatusExpired {
		return "", false
	}
	if !p.outsideGrace(sub, now) {
		return "", false
	}
	if last := lastSent(state.Offers); last != nil && now.Before(last.SentAt.Add(p.OfferInterval)) {
		return "", false
	}
	return p.nextCandidate(state)
}

func (p Policy) nextCandidate(state *subscriptiondomain.State) (subscriptiondomain.OfferType, bool) {
	sent := make(map[subscriptiondomain.OfferType]struct{}, len(state.Offers))
	for _, offer := range state.Offers {
		sent[offer.Type] = struct{}{}
	}

	list := Candidates(state.Subscription.ReactivationPotential)
	for i := state.Subscription.ReactivationAttempts; i < len(list); i++ {
		if _, dup := sent[list[i]]; dup {
			continue
		}
		return list[i], true
	}
	return "", false
}

func (p Policy) outsideGrace(sub subscriptiondomain.Subscription, now time.Time) bool {
	if sub.AutoDeleteAt == nil {
		return false
	}
	return sub.AutoDeleteAt.Sub(now) > p.GraceWindow
}

// Send appends offer to the state and schedules the following one.
func (p Policy) Send(state *subscriptiondomain.State, ids IDGenerator, offer subscriptiondomain.OfferType, now time.Time) subscriptiondomain.WinBackOffer {
	sub := &state.Subscription
	sub.ReactivationAttempts++

	created := subscriptiondomain.WinBackOffer{
		ID:             ids.Generate(),
		SubscriptionID: sub.ID,
		Index:          sub.ReactivationAttempts,
		Type:           offer,
		SentAt:         now,
		Outcome:        subscriptiondomain.OfferPending,
	}
	state.Offers = append(state.Offers, created)

	sub.NextOfferAt = p.NextOfferAt(state, now)
	return created
}

// NextOfferAt is when the scheduler should look at this subscription again,
// or nil when the ladder is finished or the grace window would be reached.
func (p Policy) NextOfferAt(state *subscriptiondomain.State, now time.Time) *time.Time {
	if _, ok := p.nextCandidate(state); !ok {
		return nil
	}
	at := now
	if last := lastSent(state.Offers); last != nil {
		at = last.SentAt.Add(p.OfferInterval)
	}
	if !p.outsideGrace(state.Subscription, at) {
		return nil
	}
	return &at
}

// ApplyEngagement records opened or clicked on a sent offer. A response counts
// as a click.
func ApplyEngagement(offers []subscriptiondomain.WinBackOffer, index int, kind subscriptiondomain.EngagementKind) (bool, error) {
	if !kind.Valid() {
		return false, subscriptiondomain.ErrInvalidEngagement
	}
	for i := range offers {
		offer := &offers[i]
		if offer.Index != index {
			continue
		}
		if kind == subscriptiondomain.EngagementOpened {
			changed := !offer.Opened
			offer.Opened = true
			return changed, nil
		}
		changed := !offer.Opened || !offer.Clicked
		offer.Opened = true
		offer.Clicked = true
		return changed, nil
	}
	return false, subscriptiondomain.ErrOfferNotSent
}

// Close settles every pending offer with outcome.
func Close(offers []subscriptiondomain.WinBackOffer, outcome subscriptiondomain.OfferOutcome) {
	for i := range offers {
		if offers[i].Outcome == subscriptiondomain.OfferPending {
			offers[i].Outcome = outcome
		}
	}
}

func lastSent(offers []subscriptiondomain.WinBackOffer) *subscriptiondomain.WinBackOffer {
	var last *subscriptiondomain.WinBackOffer
	for i := range offers {
		if last == nil || offers[i].SentAt.After(last.SentAt) {
			last = &offers[i]
		}
	}
	return last
}
