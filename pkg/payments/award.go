package payments

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/starpay/pkg/catalog"
	"github.com/Mindburn-Labs/starpay/pkg/telegram"
)

// DefaultGiftCacheTTL bounds how long the available-gift listing is reused
// before it is fetched again.
const DefaultGiftCacheTTL = 5 * time.Minute

// AwardClient is the platform surface awards are dispensed through.
// Satisfied by *telegram.Client.
type AwardClient interface {
	SendGift(ctx context.Context, userID int64, giftID string, payForUpgrade bool) error
	GiftPremiumSubscription(ctx context.Context, userID int64, monthCount int, starCount int64) error
	GetAvailableGifts(ctx context.Context) ([]telegram.Gift, error)
}

// AwardService turns award plans into platform calls. Every charge id is
// dispensed at most once; prize kinds that need no platform call are
// recorded in the journal and nothing else.
type AwardService struct {
	client  AwardClient
	cases   catalog.Store
	journal *AwardJournal
	giftTTL time.Duration
	clock   func() time.Time
	logger  *slog.Logger

	giftMu  sync.Mutex
	gifts   []telegram.Gift
	giftsAt time.Time

	giftAwards     metric.Int64Counter
	premiumAwards  metric.Int64Counter
	internalAwards metric.Int64Counter
}

// AwardServiceOption configures an AwardService.
type AwardServiceOption func(*AwardService)

// WithGiftCacheTTL overrides how long the gift listing is cached.
func WithGiftCacheTTL(ttl time.Duration) AwardServiceOption {
	return func(s *AwardService) {
		if ttl > 0 {
			s.giftTTL = ttl
		}
	}
}

// WithAwardClock overrides the gift-cache clock.
func WithAwardClock(now func() time.Time) AwardServiceOption {
	return func(s *AwardService) { s.clock = now }
}

// WithAwardLogger overrides the service logger.
func WithAwardLogger(logger *slog.Logger) AwardServiceOption {
	return func(s *AwardService) { s.logger = logger }
}

// NewAwardService wires prize dispensing against the given platform client
// and case catalog.
func NewAwardService(client AwardClient, cases catalog.Store, journal *AwardJournal, opts ...AwardServiceOption) *AwardService {
	s := &AwardService{
		client:  client,
		cases:   cases,
		journal: journal,
		giftTTL: DefaultGiftCacheTTL,
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	meter := otel.Meter("starpay/payments")
	s.giftAwards, _ = meter.Int64Counter("award_gift_total",
		metric.WithDescription("Gifts sent to winners"))
	s.premiumAwards, _ = meter.Int64Counter("award_premium_total",
		metric.WithDescription("Premium subscriptions gifted to winners"))
	s.internalAwards, _ = meter.Int64Counter("award_internal_total",
		metric.WithDescription("Awards settled in-journal without a platform call"))
	return s
}

// Schedule dispenses the prize named by plan exactly once per charge id.
// A failed dispense reverts the journal entry so the caller may retry or
// compensate; a duplicate charge id is a logged no-op.
func (s *AwardService) Schedule(ctx context.Context, plan AwardPlan) error {
	if !s.journal.Begin(plan.ChargeID) {
		s.logger.InfoContext(ctx, "duplicate award suppressed",
			"chargeId", plan.ChargeID, "userId", plan.UserID)
		return nil
	}
	if err := s.dispense(ctx, plan); err != nil {
		s.journal.Revert(plan.ChargeID)
		return err
	}
	return nil
}

func (s *AwardService) dispense(ctx context.Context, plan AwardPlan) error {
	c, err := s.cases.Get(plan.CaseID)
	if err != nil {
		return fmt.Errorf("payments: award case lookup: %w", err)
	}
	item, ok := c.Item(plan.ResultItemID)
	if plan.ResultItemID == "" || !ok {
		s.journal.Complete(plan.ChargeID, catalog.PrizeInternal, plan.ResultItemID, "")
		s.internalAwards.Add(ctx, 1)
		s.logger.InfoContext(ctx, "award settled without platform call",
			"chargeId", plan.ChargeID, "caseId", plan.CaseID, "itemId", plan.ResultItemID)
		return nil
	}

	switch item.Type {
	case catalog.PrizeGift:
		gift, err := s.resolveGift(ctx, item.StarCost)
		if err != nil {
			return err
		}
		if err := s.client.SendGift(ctx, plan.UserID, gift.ID, false); err != nil {
			return fmt.Errorf("payments: send gift %s: %w", gift.ID, err)
		}
		s.journal.Complete(plan.ChargeID, catalog.PrizeGift, item.ID, gift.ID)
		s.giftAwards.Add(ctx, 1)
		s.logger.InfoContext(ctx, "gift awarded",
			"chargeId", plan.ChargeID, "userId", plan.UserID, "giftId", gift.ID, "starCost", item.StarCost)
	case catalog.PrizePremium3m, catalog.PrizePremium6m, catalog.PrizePremium12m:
		months, stars, ok := item.Type.PremiumTier()
		if !ok {
			return fmt.Errorf("payments: prize %s names no premium tier", item.ID)
		}
		if err := s.client.GiftPremiumSubscription(ctx, plan.UserID, months, stars); err != nil {
			return fmt.Errorf("payments: gift premium %dm: %w", months, err)
		}
		s.journal.Complete(plan.ChargeID, item.Type, item.ID, "")
		s.premiumAwards.Add(ctx, 1)
		s.logger.InfoContext(ctx, "premium awarded",
			"chargeId", plan.ChargeID, "userId", plan.UserID, "months", months, "starCount", stars)
	case catalog.PrizeInternal:
		s.journal.Complete(plan.ChargeID, catalog.PrizeInternal, item.ID, "")
		s.internalAwards.Add(ctx, 1)
		s.logger.InfoContext(ctx, "internal prize recorded",
			"chargeId", plan.ChargeID, "userId", plan.UserID, "itemId", item.ID)
	default:
		return fmt.Errorf("payments: prize %s has unknown type %q", item.ID, item.Type)
	}
	return nil
}

// resolveGift picks the platform gift whose star cost matches the prize.
// The listing is cached for giftTTL; ambiguous matches take the first gift
// returned by the platform.
func (s *AwardService) resolveGift(ctx context.Context, starCost int64) (telegram.Gift, error) {
	gifts, err := s.availableGifts(ctx)
	if err != nil {
		return telegram.Gift{}, err
	}
	var match telegram.Gift
	matches := 0
	for _, g := range gifts {
		if g.StarCount == starCost {
			if matches == 0 {
				match = g
			}
			matches++
		}
	}
	if matches == 0 {
		return telegram.Gift{}, fmt.Errorf("payments: gift_not_found: no gift costs %d stars", starCost)
	}
	if matches > 1 {
		s.logger.WarnContext(ctx, "multiple gifts match star cost, taking first",
			"starCost", starCost, "matches", matches, "giftId", match.ID)
	}
	return match, nil
}

func (s *AwardService) availableGifts(ctx context.Context) ([]telegram.Gift, error) {
	s.giftMu.Lock()
	if !s.giftsAt.IsZero() && s.clock().Sub(s.giftsAt) < s.giftTTL {
		gifts := s.gifts
		s.giftMu.Unlock()
		return gifts, nil
	}
	s.giftMu.Unlock()

	fresh, err := s.client.GetAvailableGifts(ctx)
	if err != nil {
		return nil, fmt.Errorf("payments: list gifts: %w", err)
	}
	s.giftMu.Lock()
	s.gifts = fresh
	s.giftsAt = s.clock()
	s.giftMu.Unlock()
	return fresh, nil
}
