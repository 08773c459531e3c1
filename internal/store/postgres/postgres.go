package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables. Statements are idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const productColumns = `p.sku, COALESCE(p.barcode,''), p.name, p.category, p.offer_price_cents, p.discounted_price_cents, p.active, COALESCE(i.qty, 0)`

func scanStockedProduct(row interface{ Scan(dest ...any) error }) (domain.StockedProduct, error) {
	var (
		p          domain.StockedProduct
		discounted sql.NullInt64
	)
	if err := row.Scan(&p.SKU, &p.Barcode, &p.Name, &p.Category, &p.OfferPriceCents, &discounted, &p.Active, &p.Stock); err != nil {
		return domain.StockedProduct{}, err
	}
	if discounted.Valid {
		v := discounted.Int64
		p.DiscountedPriceCents = &v
	}
	return p, nil
}

func (s *Store) ResolveProduct(ctx context.Context, storeID string, code string) (*domain.StockedProduct, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, store.ErrNotFound
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products p
		LEFT JOIN inventory_stocks i ON i.sku = p.sku AND i.store_id = $1
		WHERE p.active = true AND (p.barcode = $2 OR p.sku = upper($2))
		ORDER BY (p.barcode = $2) DESC NULLS LAST
		LIMIT 1
	`, storeID, code)
	product, err := scanStockedProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProduct(ctx context.Context, storeID string, sku string) (*domain.StockedProduct, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products p
		LEFT JOIN inventory_stocks i ON i.sku = p.sku AND i.store_id = $1
		WHERE p.active = true AND p.sku = $2
	`, storeID, sku)
	product, err := scanStockedProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) SearchProducts(ctx context.Context, storeID string, query string, limit int) ([]domain.StockedProduct, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products p
		LEFT JOIN inventory_stocks i ON i.sku = p.sku AND i.store_id = $1
		WHERE p.active = true
			AND (lower(p.name) LIKE $2 OR lower(p.sku) LIKE $2 OR p.barcode = $3)
		ORDER BY p.category, p.name
		LIMIT $4
	`, storeID, pattern, strings.TrimSpace(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.StockedProduct, 0, limit)
	for rows.Next() {
		product, err := scanStockedProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) ListComboDefinitions(ctx context.Context) ([]domain.ComboDefinition, error) {
	return s.loadCombos(ctx, "")
}

func (s *Store) GetComboDefinition(ctx context.Context, id string) (*domain.ComboDefinition, error) {
	combos, err := s.loadCombos(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(combos) == 0 {
		return nil, store.ErrNotFound
	}
	return &combos[0], nil
}

func (s *Store) loadCombos(ctx context.Context, id string) ([]domain.ComboDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.fixed_price_cents, c.valid_from, c.valid_to, c.paused,
			sl.min_price_cents, sl.max_price_cents
		FROM combo_definitions c
		JOIN combo_slots sl ON sl.combo_id = c.id
		WHERE $1 = '' OR c.id = $1
		ORDER BY c.sort_order, c.id, sl.position
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	combos := make([]domain.ComboDefinition, 0, 16)
	for rows.Next() {
		var (
			def       domain.ComboDefinition
			validFrom sql.NullTime
			validTo   sql.NullTime
			slot      domain.ComboSlotSpec
		)
		if err := rows.Scan(&def.ID, &def.Name, &def.FixedPriceCents, &validFrom, &validTo, &def.Paused, &slot.MinPriceCents, &slot.MaxPriceCents); err != nil {
			return nil, err
		}
		if n := len(combos); n > 0 && combos[n-1].ID == def.ID {
			combos[n-1].Slots = append(combos[n-1].Slots, slot)
			continue
		}
		if validFrom.Valid {
			at := validFrom.Time.UTC()
			def.ValidFrom = &at
		}
		if validTo.Valid {
			at := validTo.Time.UTC()
			def.ValidTo = &at
		}
		def.Slots = []domain.ComboSlotSpec{slot}
		combos = append(combos, def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return combos, nil
}

func (s *Store) ListTierRules(ctx context.Context) ([]domain.AutoTierRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.price_range_min_cents, r.price_range_max_cents, st.min_qty, st.tier_price_cents
		FROM tier_rules r
		JOIN tier_steps st ON st.rule_id = r.id
		ORDER BY r.sort_order, r.id, st.min_qty
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]domain.AutoTierRule, 0, 8)
	for rows.Next() {
		var (
			rule domain.AutoTierRule
			step domain.TierStep
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.PriceRangeMinCents, &rule.PriceRangeMaxCents, &step.MinQty, &step.TierPriceCents); err != nil {
			return nil, err
		}
		if n := len(rules); n > 0 && rules[n-1].ID == rule.ID {
			rules[n-1].Steps = append(rules[n-1].Steps, step)
			continue
		}
		rule.Steps = []domain.TierStep{step}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

func (s *Store) FindBillByIdempotency(ctx context.Context, key string) (*domain.Bill, error) {
	return s.findBill(ctx, s.db, key)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) findBill(ctx context.Context, q querier, idempotencyKey string) (*domain.Bill, error) {
	var bill domain.Bill
	err := q.QueryRowContext(ctx, `
		SELECT id, store_id, terminal_id, idempotency_key, cashier_username,
			payment_method, payment_reference, customer_phone,
			singles_subtotal_cents, combos_subtotal_cents, auto_tier_discount_cents,
			grand_total_cents, total_savings_cents,
			redeemed_points, redemption_cents, payable_cents,
			cash_received_cents, change_cents, earned_points, status, created_at
		FROM bills
		WHERE idempotency_key = $1
	`, idempotencyKey).Scan(
		&bill.ID,
		&bill.StoreID,
		&bill.TerminalID,
		&bill.IdempotencyKey,
		&bill.CashierUsername,
		&bill.PaymentMethod,
		&bill.PaymentReference,
		&bill.CustomerPhone,
		&bill.Totals.SinglesSubtotalCents,
		&bill.Totals.CombosSubtotalCents,
		&bill.Totals.AutoTierDiscountCents,
		&bill.Totals.GrandTotalCents,
		&bill.Totals.TotalSavingsCents,
		&bill.RedeemedPoints,
		&bill.RedemptionCents,
		&bill.PayableCents,
		&bill.CashReceivedCents,
		&bill.ChangeCents,
		&bill.EarnedPoints,
		&bill.Status,
		&bill.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	bill.CreatedAt = bill.CreatedAt.UTC()

	rows, err := q.QueryContext(ctx, `
		SELECT sku, name, quantity, unit_price_charged_cents, is_combo_applied, combo_id, combo_instance_id
		FROM bill_items
		WHERE bill_id = $1
		ORDER BY line_no ASC
	`, bill.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.BillingLine, 0, 8)
	for rows.Next() {
		var item domain.BillingLine
		if err := rows.Scan(&item.SKU, &item.Name, &item.Quantity, &item.UnitPriceChargedCents, &item.IsComboApplied, &item.ComboID, &item.ComboInstanceID); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	bill.Items = items
	return &bill, nil
}

func (s *Store) CreateBill(ctx context.Context, bill domain.Bill) (*domain.Bill, error) {
	if bill.IdempotencyKey == "" || len(bill.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if existing, err := s.findBill(ctx, pgTx, bill.IdempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	needed := make(map[string]int, len(bill.Items))
	skus := make([]string, 0, len(bill.Items))
	for _, item := range bill.Items {
		if item.Quantity < 1 || item.UnitPriceChargedCents < 0 {
			return nil, store.ErrInvalidTransaction
		}
		if _, seen := needed[item.SKU]; !seen {
			skus = append(skus, item.SKU)
		}
		needed[item.SKU] += item.Quantity
	}

	stockRows, err := pgTx.QueryContext(ctx, `
		SELECT sku, qty
		FROM inventory_stocks
		WHERE store_id = $1 AND sku = ANY($2)
		FOR UPDATE
	`, bill.StoreID, skus)
	if err != nil {
		return nil, err
	}
	stockMap := make(map[string]int, len(skus))
	for stockRows.Next() {
		var sku string
		var qty int
		if err := stockRows.Scan(&sku, &qty); err != nil {
			_ = stockRows.Close()
			return nil, err
		}
		stockMap[sku] = qty
	}
	if err := stockRows.Err(); err != nil {
		_ = stockRows.Close()
		return nil, err
	}
	_ = stockRows.Close()

	for sku, qty := range needed {
		if stock, ok := stockMap[sku]; !ok || stock < qty {
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
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE inventory_stocks
			SET qty = qty - $3, updated_at = now()
			WHERE store_id = $1 AND sku = $2
		`, bill.StoreID, sku, qty); err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO bills (
			id, store_id, terminal_id, idempotency_key, cashier_username,
			payment_method, payment_reference, customer_phone,
			singles_subtotal_cents, combos_subtotal_cents, auto_tier_discount_cents,
			grand_total_cents, total_savings_cents,
			redeemed_points, redemption_cents, payable_cents,
			cash_received_cents, change_cents, earned_points, status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`,
		bill.ID, bill.StoreID, bill.TerminalID, bill.IdempotencyKey, bill.CashierUsername,
		bill.PaymentMethod, bill.PaymentReference, bill.CustomerPhone,
		bill.Totals.SinglesSubtotalCents, bill.Totals.CombosSubtotalCents, bill.Totals.AutoTierDiscountCents,
		bill.Totals.GrandTotalCents, bill.Totals.TotalSavingsCents,
		bill.RedeemedPoints, bill.RedemptionCents, bill.PayableCents,
		bill.CashReceivedCents, bill.ChangeCents, bill.EarnedPoints, bill.Status, bill.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			_ = pgTx.Rollback()
			return s.FindBillByIdempotency(ctx, bill.IdempotencyKey)
		}
		return nil, err
	}

	for i, item := range bill.Items {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO bill_items (
				bill_id, line_no, sku, name, quantity, unit_price_charged_cents,
				is_combo_applied, combo_id, combo_instance_id
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, bill.ID, i+1, item.SKU, item.Name, item.Quantity, item.UnitPriceChargedCents,
			item.IsComboApplied, item.ComboID, item.ComboInstanceID); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	created := bill
	return &created, nil
}

func (s *Store) WalletBalance(ctx context.Context, phone string) (int64, error) {
	return walletBalance(ctx, s.db, phone)
}

func walletBalance(ctx context.Context, q querier, phone string) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN kind = 'earn' THEN points ELSE -points END), 0)
		FROM wallet_entries
		WHERE phone = $1
	`, phone).Scan(&balance)
	return balance, err
}

func (s *Store) AppendWalletEntry(ctx context.Context, entry domain.WalletEntry) (*domain.WalletEntry, error) {
	if entry.Phone == "" || entry.Points < 1 {
		return nil, store.ErrInvalidTransaction
	}
	if entry.Kind != domain.WalletKindEarn && entry.Kind != domain.WalletKindRedeem {
		return nil, store.ErrInvalidTransaction
	}
	if entry.ID == "" {
		entry.ID = xid.New("wallet")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// Serialise writers per phone so two redemptions cannot both pass the check.
	if _, err := pgTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entry.Phone); err != nil {
		return nil, err
	}
	if entry.Kind == domain.WalletKindRedeem {
		balance, err := walletBalance(ctx, pgTx, entry.Phone)
		if err != nil {
			return nil, err
		}
		if balance < entry.Points {
			return nil, store.ErrInsufficientPoints
		}
	}

	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, phone, kind, points, bill_ref, bill_total_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.Phone, entry.Kind, entry.Points, entry.BillRef, entry.BillTotalCents, entry.CreatedAt); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.StoreID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE store_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
