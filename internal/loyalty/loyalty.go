// Package loyalty turns billed amounts into points and keeps the customer
// wallet ledger through a store.WalletStore.
package loyalty

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
)

var ErrInvalidPoints = errors.New("invalid points")

type Adapter struct {
	wallets           store.WalletStore
	earnPerPointCents int64
	pointValueCents   int64
	logger            zerolog.Logger
}

func NewAdapter(wallets store.WalletStore, earnPerPointCents int64, pointValueCents int64, logger zerolog.Logger) *Adapter {
	if earnPerPointCents < 1 {
		earnPerPointCents = 10000
	}
	if pointValueCents < 1 {
		pointValueCents = 100
	}
	return &Adapter{
		wallets:           wallets,
		earnPerPointCents: earnPerPointCents,
		pointValueCents:   pointValueCents,
		logger:            logger.With().Str("component", "loyalty").Logger(),
	}
}

// CalculatePoints groups items by SKU in first-seen order and floors each
// product's spend to whole points.
func (a *Adapter) CalculatePoints(items []domain.PointsItem) domain.PointsResult {
	spend := make(map[string]int64, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		if item.Quantity < 1 || item.PriceCents < 0 {
			continue
		}
		if _, seen := spend[item.SKU]; !seen {
			order = append(order, item.SKU)
		}
		spend[item.SKU] += item.PriceCents * int64(item.Quantity)
	}

	result := domain.PointsResult{PerProduct: make([]domain.ProductPoints, 0, len(order))}
	for _, sku := range order {
		points := spend[sku] / a.earnPerPointCents
		result.PerProduct = append(result.PerProduct, domain.ProductPoints{SKU: sku, Points: points})
		result.Total += points
	}
	return result
}

// PointsForAmount is the number of points earned by paying amountCents.
func (a *Adapter) PointsForAmount(amountCents int64) int64 {
	if amountCents <= 0 {
		return 0
	}
	return amountCents / a.earnPerPointCents
}

func (a *Adapter) PointValueCents(points int64) int64 {
	if points <= 0 {
		return 0
	}
	return points * a.pointValueCents
}

// MaxRedeemablePoints caps a redemption so its value never exceeds totalCents.
func (a *Adapter) MaxRedeemablePoints(points int64, totalCents int64) int64 {
	if points <= 0 || totalCents <= 0 {
		return 0
	}
	if limit := totalCents / a.pointValueCents; points > limit {
		return limit
	}
	return points
}

func (a *Adapter) Balance(ctx context.Context, phone string) (domain.WalletBalance, error) {
	phone = normalizePhone(phone)
	if phone == "" {
		return domain.WalletBalance{}, ErrInvalidPoints
	}
	points, err := a.wallets.WalletBalance(ctx, phone)
	if err != nil {
		return domain.WalletBalance{}, err
	}
	return domain.WalletBalance{
		Phone:      phone,
		Points:     points,
		ValueCents: a.PointValueCents(points),
	}, nil
}

func (a *Adapter) ApplyRedemption(ctx context.Context, phone string, points int64, billRef string, billTotalCents int64) (*domain.WalletEntry, error) {
	return a.apply(ctx, domain.WalletKindRedeem, phone, points, billRef, billTotalCents)
}

func (a *Adapter) ApplyEarn(ctx context.Context, phone string, points int64, billRef string, billTotalCents int64) (*domain.WalletEntry, error) {
	return a.apply(ctx, domain.WalletKindEarn, phone, points, billRef, billTotalCents)
}

func (a *Adapter) apply(ctx context.Context, kind string, phone string, points int64, billRef string, billTotalCents int64) (*domain.WalletEntry, error) {
	phone = normalizePhone(phone)
	if phone == "" || points < 1 {
		return nil, ErrInvalidPoints
	}

	entry, err := a.wallets.AppendWalletEntry(ctx, domain.WalletEntry{
		Phone:          phone,
		Kind:           kind,
		Points:         points,
		BillRef:        billRef,
		BillTotalCents: billTotalCents,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Debug().
		Str("kind", kind).
		Str("bill_ref", billRef).
		Int64("points", points).
		Msg("wallet entry recorded")
	return entry, nil
}

func normalizePhone(phone string) string {
	return strings.ReplaceAll(strings.TrimSpace(phone), " ", "")
}
