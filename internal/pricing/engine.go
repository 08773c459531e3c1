// Package pricing holds the pure pricing rules of an open bill: combo slot
// eligibility, proportional allocation of a bundle price over its slots,
// automatic quantity tiers and bill totals. Money is int64 minor units.
package pricing

import (
	"sort"

	"kasirinaja/pos/internal/domain"
)

// CandidatePrice is the price used to match a product against combo slots:
// the discounted price when present, else the offer price, else 0.
func CandidatePrice(p domain.Product) int64 {
	if p.DiscountedPriceCents != nil && *p.DiscountedPriceCents > 0 {
		return *p.DiscountedPriceCents
	}
	if p.OfferPriceCents > 0 {
		return p.OfferPriceCents
	}
	return 0
}

// SlotAccepts reports whether price fits the slot's inclusive range.
// A 0..0 range accepts any price.
func SlotAccepts(slot domain.ComboSlot, price int64) bool {
	if slot.MinPriceCents == 0 && slot.MaxPriceCents == 0 {
		return true
	}
	return price >= slot.MinPriceCents && price <= slot.MaxPriceCents
}

func IsComplete(instance domain.ComboInstance) bool {
	if len(instance.Slots) == 0 {
		return false
	}
	for _, slot := range instance.Slots {
		if slot.Assignment == nil {
			return false
		}
	}
	return true
}

// State derives the lifecycle state of a live instance. Removed instances are
// no longer held by a session, so State never returns ComboStateRemoved.
func State(instance domain.ComboInstance) domain.ComboState {
	filled := 0
	for _, slot := range instance.Slots {
		if slot.Assignment != nil {
			filled++
		}
	}
	switch {
	case filled == 0:
		return domain.ComboStateOpenEmpty
	case filled < len(instance.Slots):
		return domain.ComboStateOpenPartial
	default:
		return domain.ComboStateOpenComplete
	}
}

// ConsumedQuantities sums slot assignments per cart line id.
func ConsumedQuantities(instances []domain.ComboInstance) map[string]int {
	consumed := make(map[string]int)
	for _, instance := range instances {
		for _, slot := range instance.Slots {
			if slot.Assignment == nil {
				continue
			}
			consumed[slot.Assignment.CartLineID] += slot.Assignment.Quantity
		}
	}
	return consumed
}

// AdjustedUnitPrice returns the per-unit price of the product assigned to
// slot slotIndex. Incomplete instances return the plain offer price. Complete
// instances share FixedPriceCents proportionally to offer price x quantity,
// rounded half-up per unit; the rounding residual is not redistributed.
// degenerate is true when a complete instance has a zero total basis.
func AdjustedUnitPrice(instance domain.ComboInstance, slotIndex int) (price int64, degenerate bool) {
	if slotIndex < 0 || slotIndex >= len(instance.Slots) {
		return 0, false
	}
	assignment := instance.Slots[slotIndex].Assignment
	if assignment == nil {
		return 0, false
	}
	if !IsComplete(instance) {
		return assignment.OfferPriceCents, false
	}

	basis := totalBasis(instance)
	if basis == 0 {
		return 0, true
	}
	qty := int64(assignment.Quantity)
	if qty < 1 {
		return 0, false
	}

	// per unit = (offer*qty / basis * fixed) / qty, rounded half-up in integers.
	num := assignment.OfferPriceCents * qty * instance.FixedPriceCents
	den := basis * qty
	return roundHalfUp(num, den), false
}

// AdjustedTotal is the slot's share of the bundle price: per-unit price times quantity.
func AdjustedTotal(instance domain.ComboInstance, slotIndex int) int64 {
	price, _ := AdjustedUnitPrice(instance, slotIndex)
	assignment := instance.Slots[slotIndex].Assignment
	if assignment == nil {
		return 0
	}
	return price * int64(assignment.Quantity)
}

// Savings is what the bundle saves over standalone offer prices, never negative.
func Savings(instance domain.ComboInstance) int64 {
	if !IsComplete(instance) {
		return 0
	}
	savings := totalBasis(instance) - instance.FixedPriceCents
	if savings < 0 {
		return 0
	}
	return savings
}

// ApplyAutoTiers returns a copy of lines with quantity tiers applied. Lines are
// grouped by original unit price, quantities are summed per group regardless
// of combo consumption, and the highest step whose threshold is reached sets
// the unit price of every line in the group. Overrides are always derived from
// OriginalUnitPriceCents, so repeated calls give identical results.
func ApplyAutoTiers(lines []domain.CartLine, rules []domain.AutoTierRule) []domain.CartLine {
	out := make([]domain.CartLine, len(lines))
	groupQty := make(map[int64]int, len(lines))
	for i, line := range lines {
		line.UnitPriceCents = line.OriginalUnitPriceCents
		line.AutoTier = nil
		out[i] = line
		groupQty[line.OriginalUnitPriceCents] += line.Quantity
	}

	for i := range out {
		price := out[i].OriginalUnitPriceCents
		rule, ok := matchRule(rules, price)
		if !ok {
			continue
		}
		step, ok := highestStep(rule.Steps, groupQty[price])
		if !ok {
			continue
		}
		out[i].UnitPriceCents = step.TierPriceCents
		out[i].AutoTier = &domain.AutoTierOverride{
			RuleID:         rule.ID,
			TierPriceCents: step.TierPriceCents,
			SavingsCents:   price - step.TierPriceCents,
		}
	}
	return out
}

// ComputeTotals derives the bill totals from the ledger and the live combos.
func ComputeTotals(lines []domain.CartLine, instances []domain.ComboInstance) domain.Totals {
	consumed := ConsumedQuantities(instances)

	var totals domain.Totals
	for _, line := range lines {
		free := line.Quantity - consumed[line.ID]
		if free > 0 {
			totals.SinglesSubtotalCents += int64(free) * line.UnitPriceCents
		}
		if line.AutoTier != nil {
			totals.AutoTierDiscountCents += line.AutoTier.SavingsCents * int64(line.Quantity)
		}
	}
	for _, instance := range instances {
		if !IsComplete(instance) {
			continue
		}
		totals.CombosSubtotalCents += instance.FixedPriceCents
		totals.TotalSavingsCents += Savings(instance)
	}

	totals.GrandTotalCents = totals.SinglesSubtotalCents + totals.CombosSubtotalCents - totals.AutoTierDiscountCents
	if totals.GrandTotalCents < 0 {
		totals.GrandTotalCents = 0
	}
	return totals
}

// BillingLines flattens the bill into persisted items: free units of every
// cart line at their current unit price, then one item per filled slot of
// every complete combo at its adjusted unit price.
func BillingLines(lines []domain.CartLine, instances []domain.ComboInstance) []domain.BillingLine {
	consumed := ConsumedQuantities(instances)

	items := make([]domain.BillingLine, 0, len(lines))
	for _, line := range lines {
		free := line.Quantity - consumed[line.ID]
		if free < 1 {
			continue
		}
		items = append(items, domain.BillingLine{
			SKU:                   line.SKU,
			Name:                  line.Name,
			Quantity:              free,
			UnitPriceChargedCents: line.UnitPriceCents,
		})
	}
	for _, instance := range instances {
		if !IsComplete(instance) {
			continue
		}
		for i, slot := range instance.Slots {
			price, _ := AdjustedUnitPrice(instance, i)
			items = append(items, domain.BillingLine{
				SKU:                   slot.Assignment.SKU,
				Name:                  slot.Assignment.Name,
				Quantity:              slot.Assignment.Quantity,
				UnitPriceChargedCents: price,
				IsComboApplied:        true,
				ComboID:               instance.DefinitionID,
				ComboInstanceID:       instance.ID,
			})
		}
	}
	return items
}

func totalBasis(instance domain.ComboInstance) int64 {
	var basis int64
	for _, slot := range instance.Slots {
		if slot.Assignment == nil {
			continue
		}
		basis += slot.Assignment.OfferPriceCents * int64(slot.Assignment.Quantity)
	}
	return basis
}

func matchRule(rules []domain.AutoTierRule, price int64) (domain.AutoTierRule, bool) {
	for _, rule := range rules {
		if price >= rule.PriceRangeMinCents && price <= rule.PriceRangeMaxCents {
			return rule, true
		}
	}
	return domain.AutoTierRule{}, false
}

func highestStep(steps []domain.TierStep, qty int) (domain.TierStep, bool) {
	sorted := make([]domain.TierStep, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinQty < sorted[j].MinQty })

	var (
		best  domain.TierStep
		found bool
	)
	for _, step := range sorted {
		if step.MinQty > qty {
			break
		}
		best = step
		found = true
	}
	return best, found
}

// roundHalfUp divides two non-negative integers rounding .5 upward.
func roundHalfUp(num, den int64) int64 {
	if den == 0 {
		return 0
	}
	return (2*num + den) / (2 * den)
}
