package bill

import (
	"time"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/pricing"
	"kasirinaja/pos/internal/xid"
)

// OpenCombo places a fresh, empty instance of def at the end of the open list.
// Paused definitions and definitions outside their validity window are rejected.
func (s *Session) OpenCombo(def domain.ComboDefinition) (domain.ComboInstance, error) {
	if len(def.Slots) == 0 || def.FixedPriceCents < 0 {
		s.metrics.ObserveComboEvent("rejected")
		return domain.ComboInstance{}, ErrInvalidCombo
	}
	now := s.now()
	if !IsActive(def, now) {
		s.metrics.ObserveComboEvent("rejected")
		s.logger.Info().Str("combo_definition_id", def.ID).Msg("combo rejected: not active")
		return domain.ComboInstance{}, ErrComboNotActive
	}

	instance := domain.ComboInstance{
		ID:              xid.New("combo"),
		DefinitionID:    def.ID,
		Name:            def.Name,
		FixedPriceCents: def.FixedPriceCents,
		Slots:           make([]domain.ComboSlot, len(def.Slots)),
		OpenedAt:        now.UTC(),
	}
	for i, spec := range def.Slots {
		instance.Slots[i] = domain.ComboSlot{MinPriceCents: spec.MinPriceCents, MaxPriceCents: spec.MaxPriceCents}
	}
	s.combos = append(s.combos, instance)

	s.metrics.ObserveComboEvent("opened")
	s.logger.Info().
		Str("combo_instance_id", instance.ID).
		Str("combo_definition_id", def.ID).
		Int("slots", len(instance.Slots)).
		Msg("combo opened")
	return cloneInstance(instance), nil
}

// CloseCombo removes an instance and returns its units to the singles pool.
// Units whose cart line still exists are freed by dropping the assignment.
// A unit whose line is gone is credited to another line of the same product,
// or to a new line at the standalone offer price.
func (s *Session) CloseCombo(instanceID string) error {
	idx := -1
	for i := range s.combos {
		if s.combos[i].ID == instanceID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrComboNotFound
	}
	instance := s.combos[idx]

	for _, slot := range instance.Slots {
		a := slot.Assignment
		if a == nil || s.lineIndex(a.CartLineID) >= 0 {
			continue
		}
		if existing := s.firstLineIndex(a.SKU); existing >= 0 {
			s.lines[existing].Quantity += a.Quantity
			continue
		}
		s.appendLine(a.SKU, a.Name, a.OfferPriceCents, a.Quantity)
	}

	s.combos = append(s.combos[:idx], s.combos[idx+1:]...)
	s.reprice()

	s.metrics.ObserveComboEvent("closed")
	s.logger.Info().
		Str("combo_instance_id", instance.ID).
		Str("combo_definition_id", instance.DefinitionID).
		Str("state", string(pricing.State(instance))).
		Msg("combo closed")
	return nil
}

// IsActive reports whether def can be opened at now. Missing bounds are open.
func IsActive(def domain.ComboDefinition, now time.Time) bool {
	if def.Paused {
		return false
	}
	if def.ValidFrom != nil && now.Before(*def.ValidFrom) {
		return false
	}
	if def.ValidTo != nil && now.After(*def.ValidTo) {
		return false
	}
	return true
}
