package recommendation

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"kasirinaja/pos/internal/bill"
	"kasirinaja/pos/internal/cache"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/pricing"
)

const (
	ReasonCompletesCombo = "completes_combo"
	ReasonPartialCombo   = "partial_combo"
)

// Engine suggests a combo the cashier could open for units already rung up
// as singles.
type Engine struct {
	cache    cache.Cache
	cacheTTL time.Duration
	now      func() time.Time
}

func NewEngine(cacheStore cache.Cache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 20 * time.Second
	}

	return &Engine{
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

type freeUnit struct {
	sku   string
	price int64
}

// Suggest picks the active definition whose slots the free single units fill
// best: most slots first, then larger savings. Complete fills that would not
// save the customer anything are skipped.
func (e *Engine) Suggest(
	ctx context.Context,
	lines []domain.CartLine,
	consumed map[string]int,
	definitions []domain.ComboDefinition,
) domain.ComboSuggestionResponse {
	startedAt := time.Now()

	units := freeUnits(lines, consumed)
	if len(units) == 0 || len(definitions) == 0 {
		return domain.ComboSuggestionResponse{LatencyMS: time.Since(startedAt).Milliseconds()}
	}

	cacheKey := buildCacheKey(units, definitions)
	var cached domain.ComboSuggestionResponse
	if ok, err := e.cache.Get(ctx, cacheKey, &cached); err == nil && ok {
		cached.LatencyMS = time.Since(startedAt).Milliseconds()
		return cached
	}

	now := e.now()
	var best *domain.ComboSuggestion
	for _, def := range definitions {
		if len(def.Slots) == 0 || !bill.IsActive(def, now) {
			continue
		}
		candidate, ok := evaluate(def, units)
		if !ok {
			continue
		}
		if best == nil || better(candidate, *best) {
			c := candidate
			best = &c
		}
	}

	resp := domain.ComboSuggestionResponse{Suggestion: best}
	_ = e.cache.Set(ctx, cacheKey, &resp, e.cacheTTL)
	resp.LatencyMS = time.Since(startedAt).Milliseconds()
	return resp
}

func evaluate(def domain.ComboDefinition, units []freeUnit) (domain.ComboSuggestion, bool) {
	used := make([]bool, len(units))
	filled := 0
	var basis int64
	for _, spec := range def.Slots {
		slot := domain.ComboSlot{MinPriceCents: spec.MinPriceCents, MaxPriceCents: spec.MaxPriceCents}
		for i, unit := range units {
			if used[i] || !pricing.SlotAccepts(slot, unit.price) {
				continue
			}
			used[i] = true
			filled++
			basis += unit.price
			break
		}
	}
	if filled == 0 {
		return domain.ComboSuggestion{}, false
	}

	suggestion := domain.ComboSuggestion{
		Definition:    def,
		FillableSlots: filled,
		TotalSlots:    len(def.Slots),
		ReasonCode:    ReasonPartialCombo,
	}
	if filled == len(def.Slots) {
		savings := basis - def.FixedPriceCents
		if savings <= 0 {
			return domain.ComboSuggestion{}, false
		}
		suggestion.EstimatedSavingsCents = savings
		suggestion.ReasonCode = ReasonCompletesCombo
	}
	return suggestion, true
}

func better(a, b domain.ComboSuggestion) bool {
	if a.FillableSlots != b.FillableSlots {
		return a.FillableSlots > b.FillableSlots
	}
	if a.EstimatedSavingsCents != b.EstimatedSavingsCents {
		return a.EstimatedSavingsCents > b.EstimatedSavingsCents
	}
	return a.Definition.ID < b.Definition.ID
}

// freeUnits expands every line's unconsumed quantity into single units,
// cheapest first so narrow low-price slots are not starved.
func freeUnits(lines []domain.CartLine, consumed map[string]int) []freeUnit {
	units := make([]freeUnit, 0, len(lines))
	for _, line := range lines {
		free := line.Quantity - consumed[line.ID]
		for i := 0; i < free; i++ {
			units = append(units, freeUnit{sku: line.SKU, price: line.OriginalUnitPriceCents})
		}
	}
	sort.SliceStable(units, func(i, j int) bool {
		if units[i].price != units[j].price {
			return units[i].price < units[j].price
		}
		return units[i].sku < units[j].sku
	})
	return units
}

func buildCacheKey(units []freeUnit, definitions []domain.ComboDefinition) string {
	parts := make([]string, 0, len(units)+len(definitions))
	for _, unit := range units {
		parts = append(parts, fmt.Sprintf("%s:%d", unit.sku, unit.price))
	}
	for _, def := range definitions {
		parts = append(parts, "c:"+def.ID)
	}

	hash := sha1.Sum([]byte(strings.Join(parts, "|")))
	return "combo-suggestion:" + hex.EncodeToString(hash[:])
}
