// Package developerreward implements settlement.DeveloperRewardSink: a
// configured percentage of a settled turn's actual deduction, credited to
// the marketplace agent's publisher and recorded as an append-only earning.
package developerreward

import (
	"context"
	"errors"
	"time"

	"github.com/chatcore/platform/settlement"
)

// Store persists DeveloperEarning rows and the aggregated developer
// wallet balance they feed.
type Store interface {
	// CreditEarning appends earning and adds its Amount to the named
	// developer's available balance, atomically.
	CreditEarning(ctx context.Context, earning settlement.DeveloperEarning) error
}

// Processor computes a fixed-percentage reward and persists it via Store.
// Satisfies settlement.DeveloperRewardSink.
type Processor struct {
	Store Store

	// SharePercent is the fraction (0, 1] of a settlement's actual
	// deduction credited to the developer.
	SharePercent float64
}

// ErrNoStore indicates a Processor was constructed without a Store.
var ErrNoStore = errors.New("developerreward: store is required")

// ProcessReward implements settlement.DeveloperRewardSink.
func (p *Processor) ProcessReward(ctx context.Context, attribution settlement.Attribution, totalConsumed float64, at time.Time) error {
	if p.Store == nil {
		return ErrNoStore
	}
	if totalConsumed <= 0 || p.SharePercent <= 0 {
		return nil
	}
	amount := totalConsumed * p.SharePercent
	return p.Store.CreditEarning(ctx, settlement.DeveloperEarning{
		DeveloperUserID: attribution.DeveloperUserID,
		MarketplaceID:   attribution.MarketplaceID,
		Amount:          amount,
		TotalConsumed:   totalConsumed,
		ForkMode:        attribution.ForkMode,
		CreatedAt:       at,
	})
}
