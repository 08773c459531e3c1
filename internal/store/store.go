package store

import (
	"context"
	"errors"
	"time"

	"kasirinaja/pos/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInsufficientPoints = errors.New("insufficient loyalty points")
)

// CatalogStore is the Catalog Lookup and Combo Catalog.
type CatalogStore interface {
	// ResolveProduct matches code against barcodes first, then SKUs.
	ResolveProduct(ctx context.Context, storeID string, code string) (*domain.StockedProduct, error)
	GetProduct(ctx context.Context, storeID string, sku string) (*domain.StockedProduct, error)
	SearchProducts(ctx context.Context, storeID string, query string, limit int) ([]domain.StockedProduct, error)
	ListComboDefinitions(ctx context.Context) ([]domain.ComboDefinition, error)
	GetComboDefinition(ctx context.Context, id string) (*domain.ComboDefinition, error)
	ListTierRules(ctx context.Context) ([]domain.AutoTierRule, error)
}

type BillStore interface {
	FindBillByIdempotency(ctx context.Context, key string) (*domain.Bill, error)
	// CreateBill persists a finalized bill and decrements stock for every item
	// in one transaction. A repeated idempotency key returns the stored bill.
	CreateBill(ctx context.Context, bill domain.Bill) (*domain.Bill, error)
}

type WalletStore interface {
	WalletBalance(ctx context.Context, phone string) (int64, error)
	// AppendWalletEntry records an earn or redeem entry; a redeem larger than
	// the balance fails with ErrInsufficientPoints.
	AppendWalletEntry(ctx context.Context, entry domain.WalletEntry) (*domain.WalletEntry, error)
}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	CatalogStore
	BillStore
	WalletStore
	AuditStore
	UserStore
}
