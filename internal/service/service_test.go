package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kasirinaja/pos/internal/bill"
	"kasirinaja/pos/internal/cache"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/loyalty"
	"kasirinaja/pos/internal/recommendation"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/store/memory"
)

var testNow = time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

func newTestService(repo store.Repository, opts ...Option) *Service {
	recommender := recommendation.NewEngine(cache.NoopCache{}, 5*time.Second)
	wallet := loyalty.NewAdapter(repo, 10000, 100, zerolog.Nop())
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(repo, recommender, wallet, "main-store", opts...)
}

func startBill(t *testing.T, svc *Service) string {
	t.Helper()
	snap, err := svc.StartBill(context.Background(), "terminal-a1")
	if err != nil {
		t.Fatalf("start bill: %v", err)
	}
	return snap.BillID
}

// breakfastCombo fills the sarapan combo with Roti (17800) and Gula (17400).
func breakfastCombo(t *testing.T, svc *Service, billID string) domain.BillSnapshot {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.OpenCombo(ctx, billID, "combo-sarapan"); err != nil {
		t.Fatalf("open combo: %v", err)
	}
	if _, err := svc.ScanCode(ctx, billID, "8991001000042", 1); err != nil {
		t.Fatalf("scan roti: %v", err)
	}
	res, err := svc.ScanCode(ctx, billID, "SKU-GULA-01", 1)
	if err != nil {
		t.Fatalf("scan gula: %v", err)
	}
	if !res.Assignment.ComboCompleted {
		t.Fatalf("expected combo to complete, got %+v", res.Assignment)
	}
	return res.Bill
}

func TestScanFillsComboWithProportionalPrices(t *testing.T) {
	svc := newTestService(memory.NewSeeded())
	billID := startBill(t, svc)

	snap := breakfastCombo(t, svc, billID)
	if snap.TerminalID != "terminal-a1" {
		t.Fatalf("expected terminal id on snapshot, got %q", snap.TerminalID)
	}
	if len(snap.Combos) != 1 || snap.Combos[0].State != domain.ComboStateOpenComplete {
		t.Fatalf("unexpected combos %+v", snap.Combos)
	}
	slots := snap.Combos[0].Slots
	if slots[0].AdjustedUnitPriceCents != 16182 || slots[1].AdjustedUnitPriceCents != 15818 {
		t.Fatalf("unexpected adjusted prices %d/%d", slots[0].AdjustedUnitPriceCents, slots[1].AdjustedUnitPriceCents)
	}
	if snap.Totals.GrandTotalCents != 32000 || snap.Totals.TotalSavingsCents != 3200 {
		t.Fatalf("unexpected totals %+v", snap.Totals)
	}

	items, err := svc.LineItems(billID)
	if err != nil {
		t.Fatalf("line items: %v", err)
	}
	if len(items) != 2 || !items[0].IsComboApplied || items[0].ComboID != "combo-sarapan" {
		t.Fatalf("unexpected billing lines %+v", items)
	}
}

func TestScanUnknownCodeEchoesCode(t *testing.T) {
	svc := newTestService(memory.NewSeeded())
	billID := startBill(t, svc)

	_, err := svc.ScanCode(context.Background(), billID, "0000111", 1)
	if !errors.Is(err, bill.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
	if got := err.Error(); got != "product not found: 0000111" {
		t.Fatalf("expected code in error, got %q", got)
	}

	if _, err := svc.ScanCode(context.Background(), "bill-missing", "SKU-MIE-01", 1); !errors.Is(err, ErrBillNotFound) {
		t.Fatalf("expected ErrBillNotFound, got %v", err)
	}
}

func TestTierRulesApplyToScannedLines(t *testing.T) {
	svc := newTestService(memory.NewSeeded())
	billID := startBill(t, svc)

	res, err := svc.AddProduct(context.Background(), billID, "sku-mie-01", 5)
	if err != nil {
		t.Fatalf("add product: %v", err)
	}
	line := res.Bill.Lines[0]
	if line.AutoTier == nil || line.AutoTier.RuleID != "tier-mie" || line.UnitPriceCents != 3300 {
		t.Fatalf("expected tier-mie override, got %+v", line)
	}
}

func TestSetLineQuantityUsesFreshStock(t *testing.T) {
	repo := memory.NewSeeded()
	svc := newTestService(repo)
	billID := startBill(t, svc)

	res, err := svc.AddProduct(context.Background(), billID, "SKU-TEH-01", 1)
	if err != nil {
		t.Fatalf("add product: %v", err)
	}
	lineID := res.Assignment.CartLineID

	repo.SetStock("main-store", "SKU-TEH-01", 2)
	if _, err := svc.SetLineQuantity(context.Background(), billID, lineID, 3); !errors.Is(err, bill.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	snap, err := svc.SetLineQuantity(context.Background(), billID, lineID, 2)
	if err != nil {
		t.Fatalf("set quantity: %v", err)
	}
	if snap.Lines[0].Quantity != 2 {
		t.Fatalf("expected quantity 2, got %d", snap.Lines[0].Quantity)
	}
}

func TestCheckoutPersistsBillAndEarnsPoints(t *testing.T) {
	repo := memory.NewSeeded()
	svc := newTestService(repo)
	ctx := WithActor(context.Background(), domain.Actor{Username: "kasir", Role: "cashier"})
	billID := startBill(t, svc)
	breakfastCombo(t, svc, billID)

	resp, err := svc.Checkout(ctx, billID, domain.CheckoutRequest{
		IdempotencyKey:    "idem-breakfast",
		PaymentMethod:     "cash",
		CashReceivedCents: 50000,
		CustomerPhone:     "081234567",
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.BillID != billID || resp.Duplicate {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.PayableCents != 32000 || resp.ChangeCents != 18000 || resp.EarnedPoints != 3 {
		t.Fatalf("unexpected payment %+v", resp)
	}

	product, err := repo.GetProduct(ctx, "main-store", "SKU-ROTI-01")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 119 {
		t.Fatalf("expected stock 119, got %d", product.Stock)
	}

	balance, err := svc.WalletBalance(ctx, "081234567")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Points != 3 {
		t.Fatalf("expected 3 points, got %d", balance.Points)
	}

	if _, err := svc.Snapshot(billID); !errors.Is(err, ErrBillNotFound) {
		t.Fatalf("expected finalized bill to be discarded, got %v", err)
	}
}

func TestCheckoutRedeemsPointsAgainstBalance(t *testing.T) {
	repo := memory.NewSeeded()
	svc := newTestService(repo)
	ctx := context.Background()
	if _, err := repo.AppendWalletEntry(ctx, domain.WalletEntry{Phone: "0899001", Kind: domain.WalletKindEarn, Points: 100}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	billID := startBill(t, svc)
	breakfastCombo(t, svc, billID)

	_, err := svc.Checkout(ctx, billID, domain.CheckoutRequest{
		PaymentMethod:     "cash",
		CashReceivedCents: 50000,
		CustomerPhone:     "0899001",
		RedeemPoints:      500,
	})
	if !errors.Is(err, store.ErrInsufficientPoints) {
		t.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}

	resp, err := svc.Checkout(ctx, billID, domain.CheckoutRequest{
		PaymentMethod:    "qris",
		PaymentReference: "QRIS-001",
		CustomerPhone:    "0899001",
		RedeemPoints:     50,
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.RedemptionCents != 5000 || resp.PayableCents != 27000 || resp.EarnedPoints != 2 {
		t.Fatalf("unexpected loyalty figures %+v", resp)
	}

	balance, err := svc.WalletBalance(ctx, "0899001")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Points != 52 {
		t.Fatalf("expected 52 points, got %d", balance.Points)
	}
}

func TestCheckoutRejectsIncompleteComboAndEmptyBill(t *testing.T) {
	svc := newTestService(memory.NewSeeded())
	ctx := context.Background()

	empty := startBill(t, svc)
	if _, err := svc.Checkout(ctx, empty, domain.CheckoutRequest{CashReceivedCents: 1000}); !errors.Is(err, ErrEmptyBill) {
		t.Fatalf("expected ErrEmptyBill, got %v", err)
	}

	partial := startBill(t, svc)
	if _, err := svc.OpenCombo(ctx, partial, "combo-sarapan"); err != nil {
		t.Fatalf("open combo: %v", err)
	}
	if _, err := svc.ScanCode(ctx, partial, "SKU-ROTI-01", 1); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if _, err := svc.Checkout(ctx, partial, domain.CheckoutRequest{CashReceivedCents: 100000}); !errors.Is(err, ErrComboIncomplete) {
		t.Fatalf("expected ErrComboIncomplete, got %v", err)
	}
	if _, err := svc.Snapshot(partial); err != nil {
		t.Fatalf("bill must stay open: %v", err)
	}
}

func TestCheckoutOversellLeavesBillOpen(t *testing.T) {
	repo := memory.NewSeeded()
	svc := newTestService(repo)
	ctx := context.Background()
	billID := startBill(t, svc)

	if _, err := svc.ScanCode(ctx, billID, "SKU-COKLAT-01", 2); err != nil {
		t.Fatalf("scan: %v", err)
	}
	repo.SetStock("main-store", "SKU-COKLAT-01", 1)

	_, err := svc.Checkout(ctx, billID, domain.CheckoutRequest{CashReceivedCents: 20000})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	snap, err := svc.Snapshot(billID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Lines) != 1 || snap.Lines[0].Quantity != 2 {
		t.Fatalf("bill must be untouched, got %+v", snap.Lines)
	}
}

func TestCheckoutReplaysIdempotencyKey(t *testing.T) {
	svc := newTestService(memory.NewSeeded())
	ctx := context.Background()

	first := startBill(t, svc)
	if _, err := svc.ScanCode(ctx, first, "SKU-TEH-01", 1); err != nil {
		t.Fatalf("scan: %v", err)
	}
	created, err := svc.Checkout(ctx, first, domain.CheckoutRequest{IdempotencyKey: "idem-replay", CashReceivedCents: 9800})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	replayed, err := svc.Checkout(ctx, first, domain.CheckoutRequest{IdempotencyKey: "idem-replay", CashReceivedCents: 9800})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replayed.Duplicate || replayed.BillID != created.BillID {
		t.Fatalf("expected duplicate of %s, got %+v", created.BillID, replayed)
	}
}

func TestCheckoutValidatesPayment(t *testing.T) {
	svc := newTestService(memory.NewSeeded())
	ctx := context.Background()
	billID := startBill(t, svc)
	if _, err := svc.ScanCode(ctx, billID, "SKU-TEH-01", 1); err != nil {
		t.Fatalf("scan: %v", err)
	}

	cases := []domain.CheckoutRequest{
		{PaymentMethod: "cash", CashReceivedCents: 9000},
		{PaymentMethod: "card"},
		{PaymentMethod: "barter", CashReceivedCents: 10000},
		{PaymentMethod: "cash", CashReceivedCents: 10000, RedeemPoints: 5},
	}
	for _, req := range cases {
		if _, err := svc.Checkout(ctx, billID, req); !errors.Is(err, store.ErrInvalidTransaction) {
			t.Fatalf("expected ErrInvalidTransaction for %+v, got %v", req, err)
		}
	}
}

func TestClearBillKeepsBillOpenAndAudits(t *testing.T) {
	repo := memory.NewSeeded()
	svc := newTestService(repo)
	admin := WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
	billID := startBill(t, svc)
	breakfastCombo(t, svc, billID)

	snap, err := svc.ClearBill(admin, billID)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(snap.Lines) != 0 || len(snap.Combos) != 0 || snap.Totals.GrandTotalCents != 0 {
		t.Fatalf("expected empty bill, got %+v", snap)
	}
	empty, err := svc.BillIsEmpty(billID)
	if err != nil || !empty {
		t.Fatalf("expected empty open bill, got %v %v", empty, err)
	}

	logs, err := svc.ListAuditLogs(admin, "2026-03-10", 50)
	if err != nil {
		t.Fatalf("audit logs: %v", err)
	}
	actions := map[string]bool{}
	for _, entry := range logs {
		actions[entry.Action] = true
	}
	if !actions["combo_open"] || !actions["bill_clear"] {
		t.Fatalf("expected combo_open and bill_clear audit entries, got %+v", actions)
	}

	cashier := WithActor(context.Background(), domain.Actor{Username: "kasir", Role: "cashier"})
	if _, err := svc.ListAuditLogs(cashier, "", 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestComboSuggestionUsesFreeUnits(t *testing.T) {
	svc := newTestService(memory.NewSeeded())
	ctx := context.Background()
	billID := startBill(t, svc)

	if _, err := svc.ScanCode(ctx, billID, "SKU-ROTI-01", 1); err != nil {
		t.Fatalf("scan roti: %v", err)
	}
	if _, err := svc.ScanCode(ctx, billID, "SKU-GULA-01", 1); err != nil {
		t.Fatalf("scan gula: %v", err)
	}

	resp, err := svc.ComboSuggestion(ctx, billID)
	if err != nil {
		t.Fatalf("suggestion: %v", err)
	}
	if resp.Suggestion == nil || resp.Suggestion.Definition.ID != "combo-sarapan" {
		t.Fatalf("expected combo-sarapan suggestion, got %+v", resp.Suggestion)
	}
	if resp.Suggestion.FillableSlots != 2 || resp.Suggestion.EstimatedSavingsCents != 3200 {
		t.Fatalf("unexpected suggestion %+v", resp.Suggestion)
	}
}

func TestActiveCombosSkipsExpiredAndCachesCatalog(t *testing.T) {
	repo := &countingRepo{Repository: memory.NewSeeded()}
	svc := newTestService(repo, WithCache(newMapCache(), time.Minute))

	for i := 0; i < 3; i++ {
		defs, err := svc.ActiveCombos(context.Background())
		if err != nil {
			t.Fatalf("active combos: %v", err)
		}
		for _, def := range defs {
			if def.ID == "combo-lebaran" {
				t.Fatalf("expired combo must be filtered")
			}
		}
		if len(defs) != 3 {
			t.Fatalf("expected 3 active combos, got %d", len(defs))
		}
	}
	if repo.comboCalls != 1 {
		t.Fatalf("expected catalog to be loaded once, got %d", repo.comboCalls)
	}
}

func TestConcurrentScansOnOneBillAreSerialised(t *testing.T) {
	svc := newTestService(memory.NewSeeded())
	billID := startBill(t, svc)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ScanCode(context.Background(), billID, "SKU-SABUN-01", 1); err != nil {
				t.Errorf("scan: %v", err)
			}
		}()
	}
	wg.Wait()

	snap, err := svc.Snapshot(billID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Lines) != 1 || snap.Lines[0].Quantity != 20 {
		t.Fatalf("expected one line with 20 units, got %+v", snap.Lines)
	}
}

type countingRepo struct {
	store.Repository
	mu         sync.Mutex
	comboCalls int
}

func (r *countingRepo) ListComboDefinitions(ctx context.Context) ([]domain.ComboDefinition, error) {
	r.mu.Lock()
	r.comboCalls++
	r.mu.Unlock()
	return r.Repository.ListComboDefinitions(ctx)
}

// mapCache keeps values in memory without expiry.
type mapCache struct {
	mu     sync.Mutex
	values map[string]any
}

func newMapCache() *mapCache {
	return &mapCache{values: make(map[string]any)}
}

func (c *mapCache) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if !ok {
		return false, nil
	}
	switch d := dest.(type) {
	case *[]domain.ComboDefinition:
		*d = v.([]domain.ComboDefinition)
	case *[]domain.AutoTierRule:
		*d = v.([]domain.AutoTierRule)
	default:
		return false, nil
	}
	return true, nil
}

func (c *mapCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}
