package bill

import (
	"strings"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/pricing"
)

const (
	OutcomeComboSlot = "combo_slot"
	OutcomeSingles   = "singles"
)

// AssignResult describes where a scanned product went.
type AssignResult struct {
	Outcome         string `json:"outcome"`
	CartLineID      string `json:"cart_line_id"`
	ComboInstanceID string `json:"combo_instance_id,omitempty"`
	SlotIndex       int    `json:"slot_index"`
	ComboCompleted  bool   `json:"combo_completed"`
}

// ResolveAndAssign adds qty units of product to the bill, on the product's
// line with free units, else its first line, else a new line at the offer
// price. The most recently opened combo with a free slot accepting the
// product's candidate price then takes one of those units. Stock is checked
// against the whole bill before anything changes, so a failed call mutates
// nothing.
func (s *Session) ResolveAndAssign(product domain.StockedProduct, qty int) (AssignResult, error) {
	if qty < 1 {
		return AssignResult{}, ErrInvalidQuantity
	}
	sku := strings.TrimSpace(product.SKU)
	if sku == "" || !product.Active {
		s.metrics.ObserveAssignment("rejected")
		return AssignResult{}, ErrProductNotFound
	}
	if s.skuQuantity(sku)+qty > product.Stock {
		s.metrics.ObserveAssignment("rejected")
		s.logger.Info().
			Str("sku", sku).
			Int("requested", qty).
			Int("stock", product.Stock).
			Msg("assignment rejected: insufficient stock")
		return AssignResult{}, ErrInsufficientStock
	}

	consumed := pricing.ConsumedQuantities(s.combos)
	result := AssignResult{Outcome: OutcomeSingles, SlotIndex: -1}

	lineIdx := s.freeLineIndex(sku, consumed)
	if lineIdx < 0 {
		lineIdx = s.firstLineIndex(sku)
	}
	if lineIdx >= 0 {
		s.lines[lineIdx].Quantity += qty
		result.CartLineID = s.lines[lineIdx].ID
	} else {
		result.CartLineID = s.appendLine(sku, product.Name, product.OfferPriceCents, qty)
	}

	if instanceIdx, slotIdx := s.acceptingSlot(pricing.CandidatePrice(product.Product)); instanceIdx >= 0 {
		instance := &s.combos[instanceIdx]
		instance.Slots[slotIdx].Assignment = &domain.SlotAssignment{
			SKU:             sku,
			Name:            product.Name,
			Quantity:        1,
			CartLineID:      result.CartLineID,
			OfferPriceCents: product.OfferPriceCents,
		}
		result.Outcome = OutcomeComboSlot
		result.ComboInstanceID = instance.ID
		result.SlotIndex = slotIdx
		result.ComboCompleted = pricing.IsComplete(*instance)
		if result.ComboCompleted {
			s.reportDegenerate(*instance)
		}
	}

	s.stock[sku] = product.Stock
	s.reprice()

	s.metrics.ObserveAssignment(result.Outcome)
	event := s.logger.Debug().
		Str("sku", sku).
		Int("quantity", qty).
		Str("outcome", result.Outcome).
		Str("cart_line_id", result.CartLineID)
	if result.ComboInstanceID != "" {
		event = event.Str("combo_instance_id", result.ComboInstanceID).Int("slot_index", result.SlotIndex)
	}
	event.Msg("product assigned")
	return result, nil
}

// acceptingSlot walks open instances newest first and their slots in order,
// returning the first unassigned slot that accepts price.
func (s *Session) acceptingSlot(price int64) (int, int) {
	for i := len(s.combos) - 1; i >= 0; i-- {
		for j, slot := range s.combos[i].Slots {
			if slot.Assignment != nil {
				continue
			}
			if pricing.SlotAccepts(slot, price) {
				return i, j
			}
		}
	}
	return -1, -1
}
