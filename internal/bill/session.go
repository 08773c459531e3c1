// Package bill holds the state of one open bill: the cart ledger, the combo
// instances placed on it and the assignment rules that move scanned units
// between singles and combo slots. A Session is single-writer; callers that
// share one across goroutines must serialise access.
package bill

import (
	"time"

	"github.com/rs/zerolog"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/obs"
	"kasirinaja/pos/internal/pricing"
)

type Option func(*Session)

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

func WithMetrics(metrics *obs.EngineMetrics) Option {
	return func(s *Session) {
		s.metrics = metrics
	}
}

// WithTierRules sets the automatic tier rules applied after every mutation.
func WithTierRules(rules []domain.AutoTierRule) Option {
	return func(s *Session) {
		s.tierRules = append([]domain.AutoTierRule(nil), rules...)
	}
}

type Session struct {
	id        string
	lines     []domain.CartLine
	combos    []domain.ComboInstance
	tierRules []domain.AutoTierRule
	// stock is the last catalog snapshot seen per SKU.
	stock map[string]int

	now     func() time.Time
	logger  zerolog.Logger
	metrics *obs.EngineMetrics
}

func NewSession(id string, opts ...Option) *Session {
	s := &Session{
		id:     id,
		stock:  make(map[string]int),
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "bill").Str("bill_id", id).Logger()
	return s
}

func (s *Session) ID() string {
	return s.id
}

// SetTierRules replaces the tier rules and reprices the ledger.
func (s *Session) SetTierRules(rules []domain.AutoTierRule) {
	s.tierRules = append([]domain.AutoTierRule(nil), rules...)
	s.reprice()
}

func (s *Session) IsEmpty() bool {
	return len(s.lines) == 0 && len(s.combos) == 0
}

func (s *Session) Lines() []domain.CartLine {
	out := make([]domain.CartLine, len(s.lines))
	for i, line := range s.lines {
		out[i] = cloneLine(line)
	}
	return out
}

func (s *Session) Combos() []domain.ComboInstance {
	out := make([]domain.ComboInstance, len(s.combos))
	for i, instance := range s.combos {
		out[i] = cloneInstance(instance)
	}
	return out
}

func (s *Session) ConsumedQuantity(lineID string) int {
	return pricing.ConsumedQuantities(s.combos)[lineID]
}

func (s *Session) Totals() domain.Totals {
	return pricing.ComputeTotals(s.lines, s.combos)
}

func (s *Session) LineItemsForBilling() []domain.BillingLine {
	return pricing.BillingLines(s.lines, s.combos)
}

// PointItems lists what was charged per product, the input of points estimation.
func (s *Session) PointItems() []domain.PointsItem {
	billing := s.LineItemsForBilling()
	items := make([]domain.PointsItem, 0, len(billing))
	for _, line := range billing {
		items = append(items, domain.PointsItem{
			SKU:        line.SKU,
			PriceCents: line.UnitPriceChargedCents,
			Quantity:   line.Quantity,
		})
	}
	return items
}

func (s *Session) Snapshot() domain.BillSnapshot {
	consumed := pricing.ConsumedQuantities(s.combos)

	lines := make([]domain.LineView, 0, len(s.lines))
	for _, line := range s.lines {
		used := consumed[line.ID]
		lines = append(lines, domain.LineView{
			CartLine:         cloneLine(line),
			ConsumedQuantity: used,
			FreeQuantity:     line.Quantity - used,
		})
	}

	combos := make([]domain.ComboView, 0, len(s.combos))
	for _, instance := range s.combos {
		view := domain.ComboView{
			ID:              instance.ID,
			DefinitionID:    instance.DefinitionID,
			Name:            instance.Name,
			FixedPriceCents: instance.FixedPriceCents,
			State:           pricing.State(instance),
			SavingsCents:    pricing.Savings(instance),
			Slots:           make([]domain.SlotView, 0, len(instance.Slots)),
		}
		cloned := cloneInstance(instance)
		for i, slot := range cloned.Slots {
			price, _ := pricing.AdjustedUnitPrice(instance, i)
			view.Slots = append(view.Slots, domain.SlotView{ComboSlot: slot, AdjustedUnitPriceCents: price})
		}
		combos = append(combos, view)
	}

	return domain.BillSnapshot{
		BillID: s.id,
		Lines:  lines,
		Combos: combos,
		Totals: s.Totals(),
	}
}

// Clear discards the ledger and every combo instance together.
func (s *Session) Clear() {
	s.lines = nil
	s.combos = nil
	s.stock = make(map[string]int)
	s.logger.Info().Msg("bill cleared")
}

func (s *Session) reprice() {
	s.lines = pricing.ApplyAutoTiers(s.lines, s.tierRules)
}

// reportDegenerate logs a combo that just completed with a zero total basis.
// Its slots are priced at 0 and the bill carries on.
func (s *Session) reportDegenerate(instance domain.ComboInstance) {
	if !pricing.IsComplete(instance) {
		return
	}
	if _, degenerate := pricing.AdjustedUnitPrice(instance, 0); degenerate {
		s.logger.Warn().
			Str("combo_instance_id", instance.ID).
			Str("combo_definition_id", instance.DefinitionID).
			Msg("combo priced with zero total basis")
		s.metrics.ObserveDegenerateAllocation()
	}
}

func cloneLine(line domain.CartLine) domain.CartLine {
	if line.AutoTier != nil {
		override := *line.AutoTier
		line.AutoTier = &override
	}
	return line
}

func cloneInstance(instance domain.ComboInstance) domain.ComboInstance {
	slots := make([]domain.ComboSlot, len(instance.Slots))
	for i, slot := range instance.Slots {
		if slot.Assignment != nil {
			assignment := *slot.Assignment
			slot.Assignment = &assignment
		}
		slots[i] = slot
	}
	instance.Slots = slots
	return instance
}
