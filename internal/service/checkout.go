package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/pricing"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/xid"
)

// Checkout finalizes an open bill: it prices the bill, applies an optional
// loyalty redemption, persists the bill (which decrements stock) and then
// records the wallet movements. A failed call leaves the bill open and
// untouched. A repeated idempotency key returns the stored bill.
func (s *Service) Checkout(ctx context.Context, billID string, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	req.PaymentMethod = defaultString(strings.ToLower(strings.TrimSpace(req.PaymentMethod)), "cash")
	req.PaymentReference = strings.TrimSpace(req.PaymentReference)
	req.CustomerPhone = strings.TrimSpace(req.CustomerPhone)
	if !isSupportedPaymentMethod(req.PaymentMethod) || req.RedeemPoints < 0 || req.CashReceivedCents < 0 {
		return domain.CheckoutResponse{}, store.ErrInvalidTransaction
	}
	if req.RedeemPoints > 0 && req.CustomerPhone == "" {
		return domain.CheckoutResponse{}, store.ErrInvalidTransaction
	}

	if req.IdempotencyKey != "" {
		if existing, err := s.repo.FindBillByIdempotency(ctx, req.IdempotencyKey); err == nil {
			return toCheckoutResponse(existing, true), nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return domain.CheckoutResponse{}, err
		}
	} else {
		req.IdempotencyKey = xid.New("idem")
	}

	ob, unlock, err := s.lockBill(billID)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	defer unlock()

	for _, instance := range ob.session.Combos() {
		if pricing.State(instance) == domain.ComboStateOpenPartial {
			return domain.CheckoutResponse{}, fmt.Errorf("%w: %s", ErrComboIncomplete, instance.Name)
		}
	}
	items := ob.session.LineItemsForBilling()
	if len(items) == 0 {
		return domain.CheckoutResponse{}, ErrEmptyBill
	}
	totals := ob.session.Totals()

	redeemed := int64(0)
	if req.RedeemPoints > 0 {
		balance, err := s.loyalty.Balance(ctx, req.CustomerPhone)
		if err != nil {
			return domain.CheckoutResponse{}, err
		}
		if balance.Points < req.RedeemPoints {
			return domain.CheckoutResponse{}, store.ErrInsufficientPoints
		}
		redeemed = s.loyalty.MaxRedeemablePoints(req.RedeemPoints, totals.GrandTotalCents)
	}
	redemptionCents := s.loyalty.PointValueCents(redeemed)
	payable := totals.GrandTotalCents - redemptionCents

	change := int64(0)
	switch req.PaymentMethod {
	case "cash":
		if req.CashReceivedCents < payable {
			return domain.CheckoutResponse{}, store.ErrInvalidTransaction
		}
		change = req.CashReceivedCents - payable
	default:
		if req.PaymentReference == "" {
			return domain.CheckoutResponse{}, store.ErrInvalidTransaction
		}
		req.CashReceivedCents = payable
	}

	earned := int64(0)
	if req.CustomerPhone != "" {
		earned = s.loyalty.PointsForAmount(payable)
	}

	cashier := ""
	if actor, ok := ActorFromContext(ctx); ok {
		cashier = actor.Username
	}

	created, err := s.repo.CreateBill(ctx, domain.Bill{
		ID:                billID,
		StoreID:           ob.storeID,
		TerminalID:        ob.terminalID,
		IdempotencyKey:    req.IdempotencyKey,
		CashierUsername:   cashier,
		PaymentMethod:     req.PaymentMethod,
		PaymentReference:  req.PaymentReference,
		CustomerPhone:     req.CustomerPhone,
		Totals:            totals,
		RedeemedPoints:    redeemed,
		RedemptionCents:   redemptionCents,
		PayableCents:      payable,
		CashReceivedCents: req.CashReceivedCents,
		ChangeCents:       change,
		EarnedPoints:      earned,
		Status:            domain.BillStatusPaid,
		CreatedAt:         s.now().UTC(),
		Items:             items,
	})
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	if created.ID != billID {
		return toCheckoutResponse(created, true), nil
	}

	if redeemed > 0 {
		if _, err := s.loyalty.ApplyRedemption(ctx, req.CustomerPhone, redeemed, created.ID, totals.GrandTotalCents); err != nil {
			s.logger.Error().Err(err).Str("bill_id", created.ID).Int64("points", redeemed).Msg("loyalty redemption failed after bill was persisted")
		}
	}
	if earned > 0 {
		if _, err := s.loyalty.ApplyEarn(ctx, req.CustomerPhone, earned, created.ID, payable); err != nil {
			s.logger.Error().Err(err).Str("bill_id", created.ID).Int64("points", earned).Msg("loyalty earn failed after bill was persisted")
		}
	}

	s.metrics.ObserveBillFinalized(created.PaymentMethod)
	s.logAudit(
		ctx,
		ob.storeID,
		"checkout",
		"bill",
		created.ID,
		fmt.Sprintf(
			"grand_total=%d,payable=%d,payment=%s,redeemed=%d,earned=%d",
			totals.GrandTotalCents,
			payable,
			created.PaymentMethod,
			redeemed,
			earned,
		),
	)
	s.discard(billID, ob)
	s.logger.Info().Str("bill_id", created.ID).Int64("payable", payable).Msg("bill finalized")

	return toCheckoutResponse(created, false), nil
}

func toCheckoutResponse(b *domain.Bill, duplicate bool) domain.CheckoutResponse {
	return domain.CheckoutResponse{
		BillID:            b.ID,
		Status:            b.Status,
		PaymentMethod:     b.PaymentMethod,
		Totals:            b.Totals,
		RedeemedPoints:    b.RedeemedPoints,
		RedemptionCents:   b.RedemptionCents,
		PayableCents:      b.PayableCents,
		CashReceivedCents: b.CashReceivedCents,
		ChangeCents:       b.ChangeCents,
		EarnedPoints:      b.EarnedPoints,
		Items:             append([]domain.BillingLine(nil), b.Items...),
		Duplicate:         duplicate,
		CreatedAt:         b.CreatedAt.Format(time.RFC3339),
	}
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case "cash", "card", "qris", "ewallet":
		return true
	default:
		return false
	}
}
