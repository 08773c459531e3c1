package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	skuByBarcode    map[string]string
	inventory       map[string]map[string]int
	combos          []domain.ComboDefinition
	tierRules       []domain.AutoTierRule
	billsByID       map[string]*domain.Bill
	billsByIdem     map[string]*domain.Bill
	walletEntries   map[string][]domain.WalletEntry
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// unset variables fall back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn().Str("component", "memory-store").Msg("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func price(v int64) *int64 { return &v }

func NewSeeded() *Store {
	products := []domain.Product{
		{SKU: "SKU-MIE-01", Barcode: "8991001000011", Name: "Mie Goreng Instan", Category: "grocery", OfferPriceCents: 3500, Active: true},
		{SKU: "SKU-TELUR-01", Barcode: "8991001000028", Name: "Telur 10 Butir", Category: "grocery", OfferPriceCents: 26500, Active: true},
		{SKU: "SKU-SUSU-01", Barcode: "8991001000035", Name: "Susu UHT 1L", Category: "dairy", OfferPriceCents: 18900, DiscountedPriceCents: price(17500), Active: true},
		{SKU: "SKU-ROTI-01", Barcode: "8991001000042", Name: "Roti Tawar", Category: "bakery", OfferPriceCents: 17800, Active: true},
		{SKU: "SKU-KOPI-01", Barcode: "8991001000059", Name: "Kopi Sachet", Category: "beverage", OfferPriceCents: 2600, Active: true},
		{SKU: "SKU-GULA-01", Barcode: "8991001000066", Name: "Gula 1kg", Category: "grocery", OfferPriceCents: 17400, Active: true},
		{SKU: "SKU-TEH-01", Barcode: "8991001000073", Name: "Teh Celup", Category: "beverage", OfferPriceCents: 9800, Active: true},
		{SKU: "SKU-AIR-01", Barcode: "8991001000080", Name: "Air Mineral 600ml", Category: "beverage", OfferPriceCents: 3900, Active: true},
		{SKU: "SKU-KERIPIK-01", Barcode: "8991001000097", Name: "Keripik Singkong", Category: "snack", OfferPriceCents: 12800, DiscountedPriceCents: price(11500), Active: true},
		{SKU: "SKU-COKLAT-01", Barcode: "8991001000103", Name: "Coklat Batang", Category: "snack", OfferPriceCents: 8600, Active: true},
		{SKU: "SKU-SABUN-01", Barcode: "8991001000110", Name: "Sabun Mandi", Category: "household", OfferPriceCents: 7400, Active: true},
		{SKU: "SKU-SHAMPOO-01", Barcode: "8991001000127", Name: "Shampoo Sachet", Category: "household", OfferPriceCents: 3200, Active: true},
	}

	expired := time.Date(2025, time.April, 10, 23, 59, 59, 0, time.UTC)
	combos := []domain.ComboDefinition{
		{
			ID:              "combo-sarapan",
			Name:            "Paket Sarapan",
			FixedPriceCents: 32000,
			Slots:           []domain.ComboSlotSpec{{MinPriceCents: 15000, MaxPriceCents: 20000}, {MinPriceCents: 15000, MaxPriceCents: 20000}},
		},
		{
			ID:              "combo-ngopi",
			Name:            "Paket Ngopi",
			FixedPriceCents: 18000,
			Slots:           []domain.ComboSlotSpec{{MinPriceCents: 2000, MaxPriceCents: 3000}, {MinPriceCents: 15000, MaxPriceCents: 18000}},
		},
		{
			ID:              "combo-camilan",
			Name:            "Paket Camilan Bebas 3",
			FixedPriceCents: 25000,
			Slots:           []domain.ComboSlotSpec{{}, {}, {}},
		},
		{
			ID:              "combo-lebaran",
			Name:            "Paket Lebaran",
			FixedPriceCents: 50000,
			Slots:           []domain.ComboSlotSpec{{}, {}, {}, {}},
			ValidTo:         &expired,
		},
	}

	tierRules := []domain.AutoTierRule{
		{
			ID:                 "tier-mie",
			Name:               "Grosir Mie",
			PriceRangeMinCents: 3500,
			PriceRangeMaxCents: 3500,
			Steps:              []domain.TierStep{{MinQty: 5, TierPriceCents: 3300}, {MinQty: 10, TierPriceCents: 3100}},
		},
		{
			ID:                 "tier-air",
			Name:               "Grosir Air Mineral",
			PriceRangeMinCents: 3900,
			PriceRangeMaxCents: 3900,
			Steps:              []domain.TierStep{{MinQty: 6, TierPriceCents: 3600}, {MinQty: 12, TierPriceCents: 3400}},
		},
	}

	productMap := make(map[string]domain.Product, len(products))
	barcodes := make(map[string]string, len(products))
	inventory := make(map[string]map[string]int)
	inventory["main-store"] = make(map[string]int)
	for _, p := range products {
		productMap[p.SKU] = p
		if p.Barcode != "" {
			barcodes[p.Barcode] = p.SKU
		}
		inventory["main-store"][p.SKU] = 120
	}

	return &Store{
		products:        productMap,
		skuByBarcode:    barcodes,
		inventory:       inventory,
		combos:          combos,
		tierRules:       tierRules,
		billsByID:       make(map[string]*domain.Bill),
		billsByIdem:     make(map[string]*domain.Bill),
		walletEntries:   make(map[string][]domain.WalletEntry),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

// SetStock overrides the stock of sku in storeID.
func (s *Store) SetStock(storeID string, sku string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inventory[storeID]; !ok {
		s.inventory[storeID] = make(map[string]int)
	}
	s.inventory[storeID][sku] = qty
}

func (s *Store) ResolveProduct(ctx context.Context, storeID string, code string) (*domain.StockedProduct, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, store.ErrNotFound
	}

	s.mu.RLock()
	sku, ok := s.skuByBarcode[code]
	s.mu.RUnlock()
	if !ok {
		sku = strings.ToUpper(code)
	}
	return s.GetProduct(ctx, storeID, sku)
}

func (s *Store) GetProduct(_ context.Context, storeID string, sku string) (*domain.StockedProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[sku]
	if !ok || !product.Active {
		return nil, store.ErrNotFound
	}
	return &domain.StockedProduct{Product: cloneProduct(product), Stock: s.inventory[storeID][sku]}, nil
}

func (s *Store) SearchProducts(_ context.Context, storeID string, query string, limit int) ([]domain.StockedProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query = strings.ToLower(strings.TrimSpace(query))

	result := make([]domain.StockedProduct, 0, limit)
	for _, product := range s.products {
		if !product.Active {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(product.Name), query) &&
			!strings.Contains(strings.ToLower(product.SKU), query) &&
			product.Barcode != query {
			continue
		}
		result = append(result, domain.StockedProduct{Product: cloneProduct(product), Stock: s.inventory[storeID][product.SKU]})
	}
	slices.SortFunc(result, func(a, b domain.StockedProduct) int {
		if c := strings.Compare(a.Category, b.Category); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListComboDefinitions(_ context.Context) ([]domain.ComboDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ComboDefinition, 0, len(s.combos))
	for _, def := range s.combos {
		result = append(result, cloneCombo(def))
	}
	return result, nil
}

func (s *Store) GetComboDefinition(_ context.Context, id string) (*domain.ComboDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, def := range s.combos {
		if def.ID == id {
			cloned := cloneCombo(def)
			return &cloned, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListTierRules(_ context.Context) ([]domain.AutoTierRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AutoTierRule, 0, len(s.tierRules))
	for _, rule := range s.tierRules {
		rule.Steps = slices.Clone(rule.Steps)
		result = append(result, rule)
	}
	return result, nil
}

func (s *Store) FindBillByIdempotency(_ context.Context, key string) (*domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bill, ok := s.billsByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneBill(bill), nil
}

func (s *Store) CreateBill(_ context.Context, bill domain.Bill) (*domain.Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bill.IdempotencyKey == "" || len(bill.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if existing, ok := s.billsByIdem[bill.IdempotencyKey]; ok {
		return cloneBill(existing), nil
	}

	storeStock, ok := s.inventory[bill.StoreID]
	if !ok {
		return nil, store.ErrInvalidTransaction
	}

	needed := make(map[string]int, len(bill.Items))
	for _, item := range bill.Items {
		if item.Quantity < 1 || item.UnitPriceChargedCents < 0 {
			return nil, store.ErrInvalidTransaction
		}
		product, exists := s.products[item.SKU]
		if !exists || !product.Active {
			return nil, store.ErrNotFound
		}
		needed[item.SKU] += item.Quantity
	}
	for sku, qty := range needed {
		if storeStock[sku] < qty {
			return nil, store.ErrInsufficientStock
		}
	}

	if bill.ID == "" {
		bill.ID = xid.New("bill")
	}
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = time.Now().UTC()
	}
	if bill.Status == "" {
		bill.Status = domain.BillStatusPaid
	}

	for sku, qty := range needed {
		storeStock[sku] -= qty
	}

	stored := cloneBill(&bill)
	s.billsByID[bill.ID] = stored
	s.billsByIdem[bill.IdempotencyKey] = stored
	return cloneBill(stored), nil
}

func (s *Store) WalletBalance(_ context.Context, phone string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return walletBalance(s.walletEntries[phone]), nil
}

func (s *Store) AppendWalletEntry(_ context.Context, entry domain.WalletEntry) (*domain.WalletEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Phone == "" || entry.Points < 1 {
		return nil, store.ErrInvalidTransaction
	}
	switch entry.Kind {
	case domain.WalletKindEarn:
	case domain.WalletKindRedeem:
		if walletBalance(s.walletEntries[entry.Phone]) < entry.Points {
			return nil, store.ErrInsufficientPoints
		}
	default:
		return nil, store.ErrInvalidTransaction
	}

	if entry.ID == "" {
		entry.ID = xid.New("wallet")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.walletEntries[entry.Phone] = append(s.walletEntries[entry.Phone], entry)
	return &entry, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.auditLogs[i]
		if storeID != "" && entry.StoreID != storeID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func walletBalance(entries []domain.WalletEntry) int64 {
	var balance int64
	for _, entry := range entries {
		switch entry.Kind {
		case domain.WalletKindEarn:
			balance += entry.Points
		case domain.WalletKindRedeem:
			balance -= entry.Points
		}
	}
	return balance
}

func cloneProduct(src domain.Product) domain.Product {
	if src.DiscountedPriceCents != nil {
		v := *src.DiscountedPriceCents
		src.DiscountedPriceCents = &v
	}
	return src
}

func cloneCombo(src domain.ComboDefinition) domain.ComboDefinition {
	src.Slots = slices.Clone(src.Slots)
	if src.ValidFrom != nil {
		v := *src.ValidFrom
		src.ValidFrom = &v
	}
	if src.ValidTo != nil {
		v := *src.ValidTo
		src.ValidTo = &v
	}
	return src
}

func cloneBill(src *domain.Bill) *domain.Bill {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Items = slices.Clone(src.Items)
	return &dst
}
