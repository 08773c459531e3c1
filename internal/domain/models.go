package domain

import "time"

type Product struct {
	SKU                  string `json:"sku"`
	Barcode              string `json:"barcode,omitempty"`
	Name                 string `json:"name"`
	Category             string `json:"category"`
	OfferPriceCents      int64  `json:"offer_price_cents"`
	DiscountedPriceCents *int64 `json:"discounted_price_cents,omitempty"`
	Active               bool   `json:"active"`
}

// StockedProduct is a Catalog Lookup result: the product plus a stock snapshot
// for the store the bill is rung up in.
type StockedProduct struct {
	Product
	Stock int `json:"stock"`
}

type ComboSlotSpec struct {
	MinPriceCents int64 `json:"min_price_cents"`
	MaxPriceCents int64 `json:"max_price_cents"`
}

type ComboDefinition struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	FixedPriceCents int64           `json:"fixed_price_cents"`
	Slots           []ComboSlotSpec `json:"slots"`
	ValidFrom       *time.Time      `json:"valid_from,omitempty"`
	ValidTo         *time.Time      `json:"valid_to,omitempty"`
	Paused          bool            `json:"paused"`
}

type TierStep struct {
	MinQty         int   `json:"min_qty"`
	TierPriceCents int64 `json:"tier_price_cents"`
}

type AutoTierRule struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	PriceRangeMinCents int64      `json:"price_range_min_cents"`
	PriceRangeMaxCents int64      `json:"price_range_max_cents"`
	Steps              []TierStep `json:"steps"`
}

type AutoTierOverride struct {
	RuleID         string `json:"rule_id"`
	TierPriceCents int64  `json:"tier_price_cents"`
	SavingsCents   int64  `json:"savings_cents"`
}

type CartLine struct {
	ID                     string            `json:"cart_line_id"`
	SKU                    string            `json:"sku"`
	Name                   string            `json:"name"`
	UnitPriceCents         int64             `json:"unit_price_cents"`
	Quantity               int               `json:"quantity"`
	OriginalUnitPriceCents int64             `json:"original_unit_price_cents"`
	AutoTier               *AutoTierOverride `json:"auto_tier_override,omitempty"`
}

// SlotAssignment pins one physical unit of a cart line to a combo slot. The
// offer price is captured at assignment time so pricing never needs a lookup.
type SlotAssignment struct {
	SKU             string `json:"sku"`
	Name            string `json:"name"`
	Quantity        int    `json:"quantity"`
	CartLineID      string `json:"cart_line_id"`
	OfferPriceCents int64  `json:"offer_price_cents"`
}

type ComboSlot struct {
	MinPriceCents int64           `json:"min_price_cents"`
	MaxPriceCents int64           `json:"max_price_cents"`
	Assignment    *SlotAssignment `json:"assignment,omitempty"`
}

type ComboInstance struct {
	ID              string      `json:"id"`
	DefinitionID    string      `json:"combo_definition_id"`
	Name            string      `json:"name"`
	FixedPriceCents int64       `json:"fixed_price_cents"`
	Slots           []ComboSlot `json:"slots"`
	OpenedAt        time.Time   `json:"opened_at"`
}

type ComboState string

const (
	ComboStateOpenEmpty    ComboState = "open_empty"
	ComboStateOpenPartial  ComboState = "open_partial"
	ComboStateOpenComplete ComboState = "open_complete"
	ComboStateRemoved      ComboState = "removed"
)

type Totals struct {
	SinglesSubtotalCents  int64 `json:"singles_subtotal_cents"`
	CombosSubtotalCents   int64 `json:"combos_subtotal_cents"`
	AutoTierDiscountCents int64 `json:"auto_tier_discount_cents"`
	GrandTotalCents       int64 `json:"grand_total_cents"`
	TotalSavingsCents     int64 `json:"total_savings_cents"`
}

// BillingLine is the flattened shape persisted as a bill item.
type BillingLine struct {
	SKU                   string `json:"sku"`
	Name                  string `json:"name"`
	Quantity              int    `json:"quantity"`
	UnitPriceChargedCents int64  `json:"unit_price_charged_cents"`
	IsComboApplied        bool   `json:"is_combo_applied"`
	ComboID               string `json:"combo_id,omitempty"`
	ComboInstanceID       string `json:"combo_instance_id,omitempty"`
}

type LineView struct {
	CartLine
	ConsumedQuantity int `json:"consumed_quantity"`
	FreeQuantity     int `json:"free_quantity"`
}

type SlotView struct {
	ComboSlot
	AdjustedUnitPriceCents int64 `json:"adjusted_unit_price_cents"`
}

type ComboView struct {
	ID              string     `json:"id"`
	DefinitionID    string     `json:"combo_definition_id"`
	Name            string     `json:"name"`
	FixedPriceCents int64      `json:"fixed_price_cents"`
	State           ComboState `json:"state"`
	SavingsCents    int64      `json:"savings_cents"`
	Slots           []SlotView `json:"slots"`
}

type BillSnapshot struct {
	BillID     string      `json:"bill_id"`
	TerminalID string      `json:"terminal_id,omitempty"`
	Lines      []LineView  `json:"lines"`
	Combos     []ComboView `json:"combos"`
	Totals     Totals      `json:"totals"`
}

type StartBillRequest struct {
	TerminalID string `json:"terminal_id" validate:"omitempty,max=64"`
}

type ScanRequest struct {
	Code     string `json:"code" validate:"required,max=128"`
	Quantity int    `json:"quantity" validate:"omitempty,min=1,max=999"`
}

type AddItemRequest struct {
	SKU      string `json:"sku" validate:"required,max=64"`
	Quantity int    `json:"quantity" validate:"omitempty,min=1,max=999"`
}

type UpdateLineRequest struct {
	Quantity int `json:"quantity" validate:"min=0,max=999"`
}

type OpenComboRequest struct {
	DefinitionID string `json:"definition_id" validate:"required,max=64"`
}

type PointsItem struct {
	SKU        string `json:"sku"`
	PriceCents int64  `json:"price_cents"`
	Quantity   int    `json:"quantity"`
}

type ProductPoints struct {
	SKU    string `json:"sku"`
	Points int64  `json:"points"`
}

type PointsResult struct {
	PerProduct []ProductPoints `json:"per_product"`
	Total      int64           `json:"total"`
}

type WalletEntry struct {
	ID             string    `json:"id"`
	Phone          string    `json:"phone"`
	Kind           string    `json:"kind"`
	Points         int64     `json:"points"`
	BillRef        string    `json:"bill_ref"`
	BillTotalCents int64     `json:"bill_total_cents"`
	CreatedAt      time.Time `json:"created_at"`
}

type WalletBalance struct {
	Phone      string `json:"phone"`
	Points     int64  `json:"points"`
	ValueCents int64  `json:"value_cents"`
}

type CheckoutRequest struct {
	IdempotencyKey    string `json:"idempotency_key" validate:"omitempty,max=128"`
	PaymentMethod     string `json:"payment_method" validate:"omitempty,oneof=cash card qris ewallet"`
	PaymentReference  string `json:"payment_reference,omitempty" validate:"omitempty,max=128"`
	CashReceivedCents int64  `json:"cash_received_cents" validate:"min=0"`
	CustomerPhone     string `json:"customer_phone,omitempty" validate:"omitempty,min=6,max=20"`
	RedeemPoints      int64  `json:"redeem_points" validate:"min=0"`
}

type CheckoutResponse struct {
	BillID            string        `json:"bill_id"`
	Status            string        `json:"status"`
	PaymentMethod     string        `json:"payment_method"`
	Totals            Totals        `json:"totals"`
	RedeemedPoints    int64         `json:"redeemed_points"`
	RedemptionCents   int64         `json:"redemption_cents"`
	PayableCents      int64         `json:"payable_cents"`
	CashReceivedCents int64         `json:"cash_received_cents"`
	ChangeCents       int64         `json:"change_cents"`
	EarnedPoints      int64         `json:"earned_points"`
	Items             []BillingLine `json:"items"`
	Duplicate         bool          `json:"duplicate"`
	CreatedAt         string        `json:"created_at"`
}

// Bill is the persisted record of a finalized open bill.
type Bill struct {
	ID                string
	StoreID           string
	TerminalID        string
	IdempotencyKey    string
	CashierUsername   string
	PaymentMethod     string
	PaymentReference  string
	CustomerPhone     string
	Totals            Totals
	RedeemedPoints    int64
	RedemptionCents   int64
	PayableCents      int64
	CashReceivedCents int64
	ChangeCents       int64
	EarnedPoints      int64
	Status            string
	CreatedAt         time.Time
	Items             []BillingLine
}

type ComboSuggestion struct {
	Definition            ComboDefinition `json:"definition"`
	FillableSlots         int             `json:"fillable_slots"`
	TotalSlots            int             `json:"total_slots"`
	EstimatedSavingsCents int64           `json:"estimated_savings_cents"`
	ReasonCode            string          `json:"reason_code"`
}

type ComboSuggestionResponse struct {
	Suggestion *ComboSuggestion `json:"suggestion,omitempty"`
	LatencyMS  int64            `json:"latency_ms"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	BillStatusPaid = "paid"
)

const (
	WalletKindEarn   = "earn"
	WalletKindRedeem = "redeem"
)
