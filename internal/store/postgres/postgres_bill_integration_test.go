package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
)

func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("KASIRINAJA_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set KASIRINAJA_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func TestCreateBillDecrementsStockAndReplays(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	sku := fmt.Sprintf("SKU-BILL-IT-%d", stamp)
	idempotencyKey := fmt.Sprintf("idem-bill-it-%d", stamp)
	storeID := "main-store"

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM bills WHERE idempotency_key = $1`, idempotencyKey)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_stocks WHERE store_id = $1 AND sku = $2`, storeID, sku)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE sku = $1`, sku)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (sku, name, category, offer_price_cents, discounted_price_cents, active)
		VALUES ($1, 'Produk Bill IT', 'snack', 12000, 10000, true)
	`, sku); err != nil {
		t.Fatalf("insert product: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_stocks (store_id, sku, qty)
		VALUES ($1, $2, 5)
	`, storeID, sku); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	product, err := s.GetProduct(ctx, storeID, sku)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 5 || product.DiscountedPriceCents == nil || *product.DiscountedPriceCents != 10000 {
		t.Fatalf("unexpected product %+v", product)
	}

	bill := domain.Bill{
		StoreID:        storeID,
		IdempotencyKey: idempotencyKey,
		PaymentMethod:  "cash",
		PayableCents:   22000,
		Totals:         domain.Totals{SinglesSubtotalCents: 12000, CombosSubtotalCents: 10000, GrandTotalCents: 22000, TotalSavingsCents: 2000},
		Items: []domain.BillingLine{
			{SKU: sku, Name: "Produk Bill IT", Quantity: 1, UnitPriceChargedCents: 12000},
			{SKU: sku, Name: "Produk Bill IT", Quantity: 1, UnitPriceChargedCents: 10000, IsComboApplied: true, ComboID: "combo-it", ComboInstanceID: "combo-instance-it"},
		},
	}

	created, err := s.CreateBill(ctx, bill)
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}
	if len(created.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(created.Items))
	}

	replayed, err := s.CreateBill(ctx, bill)
	if err != nil {
		t.Fatalf("replay bill: %v", err)
	}
	if replayed.ID != created.ID || len(replayed.Items) != 2 || !replayed.Items[1].IsComboApplied {
		t.Fatalf("unexpected replay %+v", replayed)
	}

	after, err := s.GetProduct(ctx, storeID, sku)
	if err != nil {
		t.Fatalf("get product after: %v", err)
	}
	if after.Stock != 3 {
		t.Fatalf("expected stock 3 after one bill, got %d", after.Stock)
	}

	oversell := bill
	oversell.IdempotencyKey = idempotencyKey + "-oversell"
	oversell.Items = []domain.BillingLine{{SKU: sku, Name: "Produk Bill IT", Quantity: 4, UnitPriceChargedCents: 12000}}
	if _, err := s.CreateBill(ctx, oversell); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestWalletRedeemChecksBalance(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	phone := fmt.Sprintf("08%d", time.Now().UnixNano()%1_000_000_000)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM wallet_entries WHERE phone = $1`, phone)
	})

	if _, err := s.AppendWalletEntry(ctx, domain.WalletEntry{Phone: phone, Kind: domain.WalletKindEarn, Points: 12}); err != nil {
		t.Fatalf("earn: %v", err)
	}
	if _, err := s.AppendWalletEntry(ctx, domain.WalletEntry{Phone: phone, Kind: domain.WalletKindRedeem, Points: 13}); !errors.Is(err, store.ErrInsufficientPoints) {
		t.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}
	if _, err := s.AppendWalletEntry(ctx, domain.WalletEntry{Phone: phone, Kind: domain.WalletKindRedeem, Points: 5}); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	balance, err := s.WalletBalance(ctx, phone)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 7 {
		t.Fatalf("expected balance 7, got %d", balance)
	}
}
