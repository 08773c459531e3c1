package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kasirinaja/pos/internal/bill"
	"kasirinaja/pos/internal/cache"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/loyalty"
	"kasirinaja/pos/internal/obs"
	"kasirinaja/pos/internal/pricing"
	"kasirinaja/pos/internal/recommendation"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/xid"
)

var (
	ErrBillNotFound = errors.New("bill not found")
	ErrEmptyBill    = errors.New("bill is empty")
	ErrForbidden    = errors.New("forbidden")
	// ErrComboIncomplete blocks checkout while a combo holds units but still
	// has unfilled slots; those units would otherwise go unbilled.
	ErrComboIncomplete = errors.New("bill has an incomplete combo")
)

const (
	combosCacheKey    = "catalog:combos"
	tierRulesCacheKey = "catalog:tier-rules"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Option func(*Service)

func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
		if ttl > 0 {
			s.catalogTTL = ttl
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(metrics *obs.EngineMetrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// openBill is one registered bill session. mu serialises every event on the
// bill; closed is set once the bill is finalized.
type openBill struct {
	mu         sync.Mutex
	session    *bill.Session
	storeID    string
	terminalID string
	openedAt   time.Time
	closed     bool
}

type Service struct {
	repo           store.Repository
	recommender    *recommendation.Engine
	loyalty        *loyalty.Adapter
	cache          cache.Cache
	catalogTTL     time.Duration
	metrics        *obs.EngineMetrics
	logger         zerolog.Logger
	now            func() time.Time
	defaultStoreID string

	mu    sync.Mutex
	bills map[string]*openBill
}

func New(repo store.Repository, recommender *recommendation.Engine, wallet *loyalty.Adapter, defaultStoreID string, opts ...Option) *Service {
	if defaultStoreID == "" {
		defaultStoreID = "main-store"
	}

	s := &Service{
		repo:           repo,
		recommender:    recommender,
		loyalty:        wallet,
		cache:          cache.NoopCache{},
		catalogTTL:     time.Minute,
		logger:         zerolog.Nop(),
		now:            time.Now,
		defaultStoreID: defaultStoreID,
		bills:          make(map[string]*openBill),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "service").Logger()
	return s
}

func (s *Service) LookupProduct(ctx context.Context, code string) (domain.StockedProduct, error) {
	product, err := s.repo.ResolveProduct(ctx, s.defaultStoreID, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.StockedProduct{}, fmt.Errorf("%w: %s", bill.ErrProductNotFound, strings.TrimSpace(code))
		}
		return domain.StockedProduct{}, err
	}
	return *product, nil
}

func (s *Service) SearchProducts(ctx context.Context, query string, limit int) ([]domain.StockedProduct, error) {
	return s.repo.SearchProducts(ctx, s.defaultStoreID, query, limit)
}

// ListCombos returns every definition in catalog order.
func (s *Service) ListCombos(ctx context.Context) ([]domain.ComboDefinition, error) {
	var defs []domain.ComboDefinition
	if ok, err := s.cache.Get(ctx, combosCacheKey, &defs); err == nil && ok {
		return defs, nil
	}

	defs, err := s.repo.ListComboDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, combosCacheKey, defs, s.catalogTTL); err != nil {
		s.logger.Debug().Err(err).Msg("combo catalog cache write failed")
	}
	return defs, nil
}

// ActiveCombos filters ListCombos down to definitions that can be opened now.
func (s *Service) ActiveCombos(ctx context.Context) ([]domain.ComboDefinition, error) {
	defs, err := s.ListCombos(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	active := make([]domain.ComboDefinition, 0, len(defs))
	for _, def := range defs {
		if len(def.Slots) > 0 && bill.IsActive(def, now) {
			active = append(active, def)
		}
	}
	return active, nil
}

func (s *Service) ListTierRules(ctx context.Context) ([]domain.AutoTierRule, error) {
	var rules []domain.AutoTierRule
	if ok, err := s.cache.Get(ctx, tierRulesCacheKey, &rules); err == nil && ok {
		return rules, nil
	}

	rules, err := s.repo.ListTierRules(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, tierRulesCacheKey, rules, s.catalogTTL); err != nil {
		s.logger.Debug().Err(err).Msg("tier rule cache write failed")
	}
	return rules, nil
}

func (s *Service) StartBill(ctx context.Context, terminalID string) (domain.BillSnapshot, error) {
	rules, err := s.ListTierRules(ctx)
	if err != nil {
		return domain.BillSnapshot{}, err
	}

	id := xid.New("bill")
	ob := &openBill{
		session: bill.NewSession(
			id,
			bill.WithClock(s.now),
			bill.WithLogger(s.logger),
			bill.WithMetrics(s.metrics),
			bill.WithTierRules(rules),
		),
		storeID:    s.defaultStoreID,
		terminalID: strings.TrimSpace(terminalID),
		openedAt:   s.now().UTC(),
	}

	s.mu.Lock()
	s.bills[id] = ob
	s.mu.Unlock()

	s.logger.Info().Str("bill_id", id).Str("terminal_id", ob.terminalID).Msg("bill started")
	return ob.snapshot(), nil
}

// ScanResult is the outcome of one scan or search pick.
type ScanResult struct {
	Assignment bill.AssignResult   `json:"assignment"`
	Bill       domain.BillSnapshot `json:"bill"`
}

// ScanCode resolves code by barcode, then SKU, and assigns qty units.
func (s *Service) ScanCode(ctx context.Context, billID string, code string, qty int) (ScanResult, error) {
	product, err := s.LookupProduct(ctx, code)
	if err != nil {
		return ScanResult{}, err
	}
	return s.assign(billID, product, qty)
}

// AddProduct assigns qty units of a product picked from search.
func (s *Service) AddProduct(ctx context.Context, billID string, sku string, qty int) (ScanResult, error) {
	product, err := s.repo.GetProduct(ctx, s.defaultStoreID, strings.ToUpper(strings.TrimSpace(sku)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ScanResult{}, fmt.Errorf("%w: %s", bill.ErrProductNotFound, sku)
		}
		return ScanResult{}, err
	}
	return s.assign(billID, *product, qty)
}

func (s *Service) assign(billID string, product domain.StockedProduct, qty int) (ScanResult, error) {
	if qty == 0 {
		qty = 1
	}

	ob, unlock, err := s.lockBill(billID)
	if err != nil {
		return ScanResult{}, err
	}
	defer unlock()

	result, err := ob.session.ResolveAndAssign(product, qty)
	if err != nil {
		return ScanResult{}, err
	}
	return ScanResult{Assignment: result, Bill: ob.snapshot()}, nil
}

// SetLineQuantity refreshes the product's stock from the catalog before
// applying the new quantity.
func (s *Service) SetLineQuantity(ctx context.Context, billID string, lineID string, qty int) (domain.BillSnapshot, error) {
	ob, unlock, err := s.lockBill(billID)
	if err != nil {
		return domain.BillSnapshot{}, err
	}
	defer unlock()

	for _, line := range ob.session.Lines() {
		if line.ID != lineID || qty <= line.Quantity {
			continue
		}
		product, err := s.repo.GetProduct(ctx, ob.storeID, line.SKU)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.BillSnapshot{}, fmt.Errorf("%w: %s", bill.ErrProductNotFound, line.SKU)
			}
			return domain.BillSnapshot{}, err
		}
		ob.session.UpdateStock(line.SKU, product.Stock)
	}

	if err := ob.session.SetLineQuantity(lineID, qty); err != nil {
		return domain.BillSnapshot{}, err
	}
	return ob.snapshot(), nil
}

func (s *Service) RemoveLine(ctx context.Context, billID string, lineID string) (domain.BillSnapshot, error) {
	ob, unlock, err := s.lockBill(billID)
	if err != nil {
		return domain.BillSnapshot{}, err
	}
	defer unlock()

	if err := ob.session.RemoveLine(lineID); err != nil {
		return domain.BillSnapshot{}, err
	}
	s.logAudit(ctx, ob.storeID, "line_remove", "bill", billID, fmt.Sprintf("cart_line_id=%s", lineID))
	return ob.snapshot(), nil
}

func (s *Service) OpenCombo(ctx context.Context, billID string, definitionID string) (domain.BillSnapshot, error) {
	def, err := s.repo.GetComboDefinition(ctx, strings.TrimSpace(definitionID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.BillSnapshot{}, fmt.Errorf("combo definition %s: %w", definitionID, store.ErrNotFound)
		}
		return domain.BillSnapshot{}, err
	}

	ob, unlock, err := s.lockBill(billID)
	if err != nil {
		return domain.BillSnapshot{}, err
	}
	defer unlock()

	instance, err := ob.session.OpenCombo(*def)
	if err != nil {
		return domain.BillSnapshot{}, err
	}
	s.logAudit(ctx, ob.storeID, "combo_open", "bill", billID, fmt.Sprintf("definition=%s,instance=%s", def.ID, instance.ID))
	return ob.snapshot(), nil
}

func (s *Service) CloseCombo(ctx context.Context, billID string, instanceID string) (domain.BillSnapshot, error) {
	ob, unlock, err := s.lockBill(billID)
	if err != nil {
		return domain.BillSnapshot{}, err
	}
	defer unlock()

	if err := ob.session.CloseCombo(instanceID); err != nil {
		return domain.BillSnapshot{}, err
	}
	s.logAudit(ctx, ob.storeID, "combo_close", "bill", billID, fmt.Sprintf("instance=%s", instanceID))
	return ob.snapshot(), nil
}

// ClearBill empties the ledger and drops every combo instance; the bill
// stays open.
func (s *Service) ClearBill(ctx context.Context, billID string) (domain.BillSnapshot, error) {
	ob, unlock, err := s.lockBill(billID)
	if err != nil {
		return domain.BillSnapshot{}, err
	}
	defer unlock()

	wasEmpty := ob.session.IsEmpty()
	totals := ob.session.Totals()
	ob.session.Clear()
	if !wasEmpty {
		s.logAudit(ctx, ob.storeID, "bill_clear", "bill", billID, fmt.Sprintf("grand_total=%d", totals.GrandTotalCents))
	}
	return ob.snapshot(), nil
}

// BillIsEmpty reports whether the bill holds no lines and no combos.
func (s *Service) BillIsEmpty(billID string) (bool, error) {
	ob, unlock, err := s.lockBill(billID)
	if err != nil {
		return false, err
	}
	defer unlock()
	return ob.session.IsEmpty(), nil
}

func (s *Service) Snapshot(billID string) (domain.BillSnapshot, error) {
	ob, unlock, err := s.lockBill(billID)
	if err != nil {
		return domain.BillSnapshot{}, err
	}
	defer unlock()
	return ob.snapshot(), nil
}

func (s *Service) Totals(billID string) (domain.Totals, error) {
	ob, unlock, err := s.lockBill(billID)
	if err != nil {
		return domain.Totals{}, err
	}
	defer unlock()
	return ob.session.Totals(), nil
}

func (s *Service) LineItems(billID string) ([]domain.BillingLine, error) {
	ob, unlock, err := s.lockBill(billID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return ob.session.LineItemsForBilling(), nil
}

// Points estimates the loyalty points the bill would earn per product.
func (s *Service) Points(billID string) (domain.PointsResult, error) {
	ob, unlock, err := s.lockBill(billID)
	if err != nil {
		return domain.PointsResult{}, err
	}
	defer unlock()
	return s.loyalty.CalculatePoints(ob.session.PointItems()), nil
}

func (s *Service) ComboSuggestion(ctx context.Context, billID string) (domain.ComboSuggestionResponse, error) {
	defs, err := s.ActiveCombos(ctx)
	if err != nil {
		return domain.ComboSuggestionResponse{}, err
	}

	ob, unlock, err := s.lockBill(billID)
	if err != nil {
		return domain.ComboSuggestionResponse{}, err
	}
	lines := ob.session.Lines()
	consumed := pricing.ConsumedQuantities(ob.session.Combos())
	unlock()

	return s.recommender.Suggest(ctx, lines, consumed, defs), nil
}

func (s *Service) WalletBalance(ctx context.Context, phone string) (domain.WalletBalance, error) {
	return s.loyalty.Balance(ctx, phone)
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, ErrForbidden
	}

	day := s.now().UTC()
	if strings.TrimSpace(date) != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidTransaction
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return s.repo.ListAuditLogs(ctx, s.defaultStoreID, from, from.Add(24*time.Hour), limit)
}

// lockBill returns the registered bill with its lock held.
func (s *Service) lockBill(billID string) (*openBill, func(), error) {
	s.mu.Lock()
	ob, ok := s.bills[billID]
	s.mu.Unlock()
	if !ok {
		return nil, nil, ErrBillNotFound
	}

	ob.mu.Lock()
	if ob.closed {
		ob.mu.Unlock()
		return nil, nil, ErrBillNotFound
	}
	return ob, ob.mu.Unlock, nil
}

// discard unregisters a bill whose lock the caller holds.
func (s *Service) discard(billID string, ob *openBill) {
	ob.closed = true
	s.mu.Lock()
	delete(s.bills, billID)
	s.mu.Unlock()
}

func (ob *openBill) snapshot() domain.BillSnapshot {
	snap := ob.session.Snapshot()
	snap.TerminalID = ob.terminalID
	return snap
}

func (s *Service) logAudit(ctx context.Context, storeID string, action string, entityType string, entityID string, detail string) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		StoreID:       storeID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now().UTC(),
	}); err != nil {
		s.logger.Warn().
			Err(err).
			Str("action", action).
			Str("entity", entityType+"/"+entityID).
			Msg("failed to write audit log")
	}
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
