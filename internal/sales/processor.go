package sales

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vallenar/pos-core/internal/audit"
	"github.com/vallenar/pos-core/internal/auth"
	"github.com/vallenar/pos-core/internal/database"
	"github.com/vallenar/pos-core/internal/models"
	"github.com/vallenar/pos-core/internal/notify"
	"github.com/vallenar/pos-core/internal/stock"
)

const minReasonLength = 10

// Processor runs sales as single serializable units: validation, stock
// reservation, totals, persistence, loyalty, audit. Any failure at any step
// rolls the whole unit back.
type Processor struct {
	db             *sqlx.DB
	validator      *auth.Validator
	notifier       notify.Sink
	loyaltyDivisor int64
}

func NewProcessor(db *sqlx.DB, validator *auth.Validator, notifier notify.Sink, loyaltyDivisor int64) *Processor {
	return &Processor{
		db:             db,
		validator:      validator,
		notifier:       notifier,
		loyaltyDivisor: loyaltyDivisor,
	}
}

type CreateSaleRequest struct {
	LocationID     int64
	TerminalID     int
	SessionID      int64
	UserID         int64
	CustomerID     int64 // 0 = anonymous
	PaymentMethod  string
	PointsToRedeem int64
	Items          []LineRequest
}

// LineRequest is one requested sale line. BatchID zero marks a manual,
// non-inventory line; those need a description and skip stock entirely.
type LineRequest struct {
	BatchID     int64
	Description string
	Quantity    int
	UnitPrice   int64
	Discount    int64
}

func (p *Processor) Create(ctx context.Context, req CreateSaleRequest) (*models.Sale, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	var sale *models.Sale
	err := database.WithRetry(ctx, p.db, database.DefaultTxOptions(), func(tx *sqlx.Tx) error {
		var err error
		sale, err = p.createInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.notifier.Publish(ctx, "sale.completed", sale)
	return sale, nil
}

func (p *Processor) createInTx(ctx context.Context, tx *sqlx.Tx, req CreateSaleRequest) (*models.Sale, error) {
	var session models.CashSession
	err := tx.GetContext(ctx, &session,
		`SELECT id, location_id, terminal_id, opened_by, opening_amount, status, opened_at
		 FROM cash_sessions
		 WHERE id = $1`,
		req.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrSessionNotFound
		}
		return nil, fmt.Errorf("load cash session: %w", err)
	}
	if session.Status != models.SessionStatusOpen ||
		session.TerminalID != req.TerminalID ||
		session.LocationID != req.LocationID {
		return nil, models.NewBusinessRuleError("session_not_open", "no open cash session for this terminal")
	}

	var reserveLines []stock.Line
	for _, it := range req.Items {
		if it.BatchID != 0 {
			reserveLines = append(reserveLines, stock.Line{BatchID: it.BatchID, Quantity: it.Quantity})
		}
	}

	var batches map[int64]*stock.LockedBatch
	if len(reserveLines) > 0 {
		batches, err = stock.Reserve(ctx, tx, req.LocationID, reserveLines)
		if err != nil {
			return nil, err
		}
	}

	var customer *models.Customer
	if req.CustomerID != 0 {
		// Customer rows are always locked after batch rows, keeping the
		// cross-entity acquisition order consistent between operations.
		customer = &models.Customer{}
		err := tx.GetContext(ctx, customer,
			`SELECT id, name, document, loyalty_points, created_at
			 FROM customers
			 WHERE id = $1
			 FOR UPDATE NOWAIT`,
			req.CustomerID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, database.ErrCustomerNotFound
			}
			return nil, fmt.Errorf("lock customer %d: %w", req.CustomerID, err)
		}
		if req.PointsToRedeem > customer.LoyaltyPoints {
			return nil, models.NewBusinessRuleError("insufficient_points",
				fmt.Sprintf("customer has %d loyalty points, %d requested", customer.LoyaltyPoints, req.PointsToRedeem))
		}
	}

	t := computeTotals(req.Items)
	total := finalTotal(t.Subtotal, t.ItemDiscounts, req.PointsToRedeem)

	var pointsAccrued int64
	if customer != nil && p.loyaltyDivisor > 0 {
		pointsAccrued = total / p.loyaltyDivisor
	}

	number := generateSaleNumber()
	var saleID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO sales (number, location_id, terminal_id, session_id, user_id, customer_id,
		                    payment_method, subtotal, item_discounts, points_discount, total,
		                    points_redeemed, points_accrued, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0), $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		 RETURNING id`,
		number, req.LocationID, req.TerminalID, req.SessionID, req.UserID, req.CustomerID,
		req.PaymentMethod, t.Subtotal, t.ItemDiscounts, req.PointsToRedeem, total,
		req.PointsToRedeem, pointsAccrued, models.SaleStatusCompleted).Scan(&saleID)
	if err != nil {
		return nil, fmt.Errorf("create sale: %w", err)
	}

	for _, it := range req.Items {
		description := it.Description
		if it.BatchID != 0 && description == "" {
			description = batches[it.BatchID].ProductName
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sale_items (sale_id, batch_id, description, quantity, unit_price, discount, refunded_quantity, created_at)
			 VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6, 0, NOW())`,
			saleID, it.BatchID, description, it.Quantity, it.UnitPrice, it.Discount)
		if err != nil {
			return nil, fmt.Errorf("create sale item: %w", err)
		}
	}

	if customer != nil && (req.PointsToRedeem > 0 || pointsAccrued > 0) {
		_, err := tx.ExecContext(ctx,
			`UPDATE customers
			 SET loyalty_points = loyalty_points - $1 + $2
			 WHERE id = $3`,
			req.PointsToRedeem, pointsAccrued, customer.ID)
		if err != nil {
			return nil, fmt.Errorf("update loyalty points: %w", err)
		}
	}

	audit.Record(ctx, tx, audit.Entry{
		Action:   audit.ActionSaleCreate,
		ActorID:  req.UserID,
		Entity:   "sale",
		EntityID: strconv.FormatInt(saleID, 10),
		After: map[string]any{
			"number":         number,
			"total":          total,
			"payment_method": req.PaymentMethod,
			"items":          len(req.Items),
		},
	})

	return fetchSale(ctx, tx, saleID)
}

type VoidSaleRequest struct {
	SaleID     int64
	Reason     string
	ActorID    int64
	Credential auth.Credential
}

// Void reverses a completed sale: supervisor-tier credential, justification
// of minimum length, full stock restoration, loyalty reversal.
func (p *Processor) Void(ctx context.Context, req VoidSaleRequest) (*models.Sale, error) {
	if req.SaleID <= 0 {
		return nil, models.NewValidationError("sale_id", "required")
	}
	if req.ActorID <= 0 {
		return nil, models.NewValidationError("actor_id", "required")
	}
	if len(strings.TrimSpace(req.Reason)) < minReasonLength {
		return nil, models.NewValidationError("reason",
			fmt.Sprintf("must be at least %d characters", minReasonLength))
	}

	authorizer, err := p.validator.Validate(ctx, req.Credential, models.RoleSupervisor, models.RoleAdmin)
	if err != nil {
		return nil, err
	}

	var sale *models.Sale
	err = database.WithRetry(ctx, p.db, database.DefaultTxOptions(), func(tx *sqlx.Tx) error {
		var err error
		sale, err = p.voidInTx(ctx, tx, req, authorizer.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.notifier.Publish(ctx, "sale.voided", sale)
	return sale, nil
}

func (p *Processor) voidInTx(ctx context.Context, tx *sqlx.Tx, req VoidSaleRequest, authorizerID int64) (*models.Sale, error) {
	sale, err := lockSale(ctx, tx, req.SaleID)
	if err != nil {
		return nil, err
	}
	if sale.Status != models.SaleStatusCompleted {
		return nil, models.NewBusinessRuleError("void_not_allowed",
			fmt.Sprintf("sale is %s", sale.Status))
	}

	items, err := fetchSaleItems(ctx, tx, sale.ID)
	if err != nil {
		return nil, err
	}

	var restoreLines []stock.Line
	for _, it := range items {
		if it.BatchID != nil {
			restoreLines = append(restoreLines, stock.Line{BatchID: *it.BatchID, Quantity: it.Quantity})
		}
	}
	if len(restoreLines) > 0 {
		if err := stock.Restore(ctx, tx, restoreLines); err != nil {
			return nil, err
		}
	}

	if sale.CustomerID != nil && (sale.PointsRedeemed > 0 || sale.PointsAccrued > 0) {
		var customerID int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM customers WHERE id = $1 FOR UPDATE NOWAIT`,
			*sale.CustomerID).Scan(&customerID)
		if err != nil {
			return nil, fmt.Errorf("lock customer %d: %w", *sale.CustomerID, err)
		}
		// Accrued points may already be spent; the reversal floors at zero.
		_, err = tx.ExecContext(ctx,
			`UPDATE customers
			 SET loyalty_points = GREATEST(0, loyalty_points + $1 - $2)
			 WHERE id = $3`,
			sale.PointsRedeemed, sale.PointsAccrued, customerID)
		if err != nil {
			return nil, fmt.Errorf("reverse loyalty points: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sales
		 SET status = $1, void_reason = $2, voided_by = $3, voided_at = NOW()
		 WHERE id = $4`,
		models.SaleStatusVoided, req.Reason, req.ActorID, sale.ID)
	if err != nil {
		return nil, fmt.Errorf("void sale: %w", err)
	}

	audit.Record(ctx, tx, audit.Entry{
		Action:        audit.ActionSaleVoid,
		ActorID:       req.ActorID,
		AuthorizedBy:  authorizerID,
		Entity:        "sale",
		EntityID:      strconv.FormatInt(sale.ID, 10),
		Before:        map[string]any{"status": sale.Status, "total": sale.Total},
		After:         map[string]any{"status": models.SaleStatusVoided},
		Justification: req.Reason,
	})

	return fetchSale(ctx, tx, sale.ID)
}

type RefundSaleRequest struct {
	SaleID     int64
	Reason     string
	ActorID    int64
	Credential auth.Credential
	Lines      []RefundLineRequest
}

type RefundLineRequest struct {
	SaleItemID int64
	Quantity   int
}

// Refund returns part or all of a sale: supervisor-tier credential, per-item
// quantities bounded by what remains unrefunded, stock restored, one refund
// record per call. The sale moves to partially or fully refunded depending
// on the remaining unrefunded quantity.
func (p *Processor) Refund(ctx context.Context, req RefundSaleRequest) (*models.Refund, error) {
	if req.SaleID <= 0 {
		return nil, models.NewValidationError("sale_id", "required")
	}
	if req.ActorID <= 0 {
		return nil, models.NewValidationError("actor_id", "required")
	}
	if len(strings.TrimSpace(req.Reason)) < minReasonLength {
		return nil, models.NewValidationError("reason",
			fmt.Sprintf("must be at least %d characters", minReasonLength))
	}
	lines, err := mergeRefundLines(req.Lines)
	if err != nil {
		return nil, err
	}

	authorizer, err := p.validator.Validate(ctx, req.Credential, models.RoleSupervisor, models.RoleAdmin)
	if err != nil {
		return nil, err
	}

	var refund *models.Refund
	err = database.WithRetry(ctx, p.db, database.DefaultTxOptions(), func(tx *sqlx.Tx) error {
		var err error
		refund, err = p.refundInTx(ctx, tx, req, lines, authorizer.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.notifier.Publish(ctx, "sale.refunded", refund)
	return refund, nil
}

func (p *Processor) refundInTx(ctx context.Context, tx *sqlx.Tx, req RefundSaleRequest, lines []RefundLineRequest, authorizerID int64) (*models.Refund, error) {
	sale, err := lockSale(ctx, tx, req.SaleID)
	if err != nil {
		return nil, err
	}
	switch sale.Status {
	case models.SaleStatusCompleted, models.SaleStatusPartiallyRefunded:
	default:
		return nil, models.NewBusinessRuleError("refund_not_allowed",
			fmt.Sprintf("sale is %s", sale.Status))
	}

	var (
		total        int64
		restoreLines []stock.Line
		refundItems  []models.RefundItem
	)
	for _, line := range lines {
		var item models.SaleItem
		err := tx.GetContext(ctx, &item,
			`SELECT id, sale_id, batch_id, description, quantity, unit_price, discount, refunded_quantity, created_at
			 FROM sale_items
			 WHERE id = $1 AND sale_id = $2
			 FOR UPDATE NOWAIT`,
			line.SaleItemID, sale.ID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, models.NewValidationError("sale_item_id",
					fmt.Sprintf("item %d does not belong to sale %d", line.SaleItemID, sale.ID))
			}
			return nil, fmt.Errorf("lock sale item %d: %w", line.SaleItemID, err)
		}

		remaining := item.Quantity - item.RefundedQuantity
		if line.Quantity > remaining {
			return nil, models.NewBusinessRuleError("over_refund",
				fmt.Sprintf("sale item %d has %d refundable units, %d requested", item.ID, remaining, line.Quantity))
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE sale_items
			 SET refunded_quantity = refunded_quantity + $1
			 WHERE id = $2`,
			line.Quantity, item.ID)
		if err != nil {
			return nil, fmt.Errorf("update refunded quantity: %w", err)
		}

		amount := refundAmount(item.UnitPrice, item.Discount, item.Quantity, line.Quantity)
		total += amount
		refundItems = append(refundItems, models.RefundItem{
			SaleItemID: item.ID,
			Quantity:   line.Quantity,
			Amount:     amount,
		})
		if item.BatchID != nil {
			restoreLines = append(restoreLines, stock.Line{BatchID: *item.BatchID, Quantity: line.Quantity})
		}
	}

	if len(restoreLines) > 0 {
		if err := stock.Restore(ctx, tx, restoreLines); err != nil {
			return nil, err
		}
	}

	number := generateRefundNumber()
	var refundID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO refunds (number, sale_id, amount, reason, processed_by, authorized_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 RETURNING id`,
		number, sale.ID, total, req.Reason, req.ActorID, authorizerID).Scan(&refundID)
	if err != nil {
		return nil, fmt.Errorf("create refund: %w", err)
	}

	for _, it := range refundItems {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO refund_items (refund_id, sale_item_id, quantity, amount)
			 VALUES ($1, $2, $3, $4)`,
			refundID, it.SaleItemID, it.Quantity, it.Amount)
		if err != nil {
			return nil, fmt.Errorf("create refund item: %w", err)
		}
	}

	var remaining int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(quantity - refunded_quantity), 0)
		 FROM sale_items
		 WHERE sale_id = $1`,
		sale.ID).Scan(&remaining)
	if err != nil {
		return nil, fmt.Errorf("sum remaining quantity: %w", err)
	}
	newStatus := models.SaleStatusPartiallyRefunded
	if remaining == 0 {
		newStatus = models.SaleStatusFullyRefunded
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sales SET status = $1 WHERE id = $2`,
		newStatus, sale.ID)
	if err != nil {
		return nil, fmt.Errorf("update sale status: %w", err)
	}

	audit.Record(ctx, tx, audit.Entry{
		Action:        audit.ActionSaleRefund,
		ActorID:       req.ActorID,
		AuthorizedBy:  authorizerID,
		Entity:        "sale",
		EntityID:      strconv.FormatInt(sale.ID, 10),
		Before:        map[string]any{"status": sale.Status},
		After:         map[string]any{"status": newStatus, "refund_number": number, "amount": total},
		Justification: req.Reason,
	})

	return fetchRefund(ctx, tx, refundID)
}

type saleTotals struct {
	Subtotal      int64
	ItemDiscounts int64
}

func computeTotals(items []LineRequest) saleTotals {
	var t saleTotals
	for _, it := range items {
		t.Subtotal += int64(it.Quantity) * it.UnitPrice
		t.ItemDiscounts += it.Discount
	}
	return t
}

func finalTotal(subtotal, itemDiscounts, pointsDiscount int64) int64 {
	total := subtotal - itemDiscounts - pointsDiscount
	if total < 0 {
		return 0
	}
	return total
}

// refundAmount values returned units at unit price minus their proportional
// share of the line discount, integer floor division.
func refundAmount(unitPrice, lineDiscount int64, lineQuantity, refundQuantity int) int64 {
	gross := int64(refundQuantity) * unitPrice
	discountShare := lineDiscount * int64(refundQuantity) / int64(lineQuantity)
	return gross - discountShare
}

func validateCreate(req CreateSaleRequest) error {
	if req.LocationID <= 0 {
		return models.NewValidationError("location_id", "required")
	}
	if req.TerminalID <= 0 {
		return models.NewValidationError("terminal_id", "required")
	}
	if req.SessionID <= 0 {
		return models.NewValidationError("session_id", "required")
	}
	if req.UserID <= 0 {
		return models.NewValidationError("user_id", "required")
	}
	switch req.PaymentMethod {
	case models.PaymentCash, models.PaymentCard, models.PaymentTransfer:
	default:
		return models.NewValidationError("payment_method", "unknown payment method")
	}
	if len(req.Items) == 0 {
		return models.NewValidationError("items", "sale requires at least one item")
	}
	for i, it := range req.Items {
		if it.BatchID < 0 {
			return models.NewValidationError(fmt.Sprintf("items[%d].batch_id", i), "invalid batch id")
		}
		if it.Quantity <= 0 {
			return models.NewValidationError(fmt.Sprintf("items[%d].quantity", i), "must be a positive integer")
		}
		if it.UnitPrice <= 0 {
			return models.NewValidationError(fmt.Sprintf("items[%d].unit_price", i), "must be positive")
		}
		if it.Discount < 0 {
			return models.NewValidationError(fmt.Sprintf("items[%d].discount", i), "must not be negative")
		}
		if it.Discount > int64(it.Quantity)*it.UnitPrice {
			return models.NewValidationError(fmt.Sprintf("items[%d].discount", i), "exceeds line total")
		}
		if it.BatchID == 0 && strings.TrimSpace(it.Description) == "" {
			return models.NewValidationError(fmt.Sprintf("items[%d].description", i), "required for manual lines")
		}
	}
	if req.PointsToRedeem < 0 {
		return models.NewValidationError("points_to_redeem", "must not be negative")
	}
	if req.PointsToRedeem > 0 && req.CustomerID == 0 {
		return models.NewValidationError("customer_id", "required to redeem points")
	}
	t := computeTotals(req.Items)
	if t.ItemDiscounts+req.PointsToRedeem > t.Subtotal {
		return models.NewValidationError("discounts", "exceed sale subtotal")
	}
	return nil
}

// mergeRefundLines validates and sums duplicate sale item ids, returning
// lines sorted by ascending item id so row locks follow one order.
func mergeRefundLines(lines []RefundLineRequest) ([]RefundLineRequest, error) {
	if len(lines) == 0 {
		return nil, models.NewValidationError("items", "refund requires at least one item")
	}
	totals := make(map[int64]int, len(lines))
	for _, l := range lines {
		if l.SaleItemID <= 0 {
			return nil, models.NewValidationError("sale_item_id", "required")
		}
		if l.Quantity <= 0 {
			return nil, models.NewValidationError("quantity", "must be a positive integer")
		}
		totals[l.SaleItemID] += l.Quantity
	}
	merged := make([]RefundLineRequest, 0, len(totals))
	for id, qty := range totals {
		merged = append(merged, RefundLineRequest{SaleItemID: id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].SaleItemID < merged[j].SaleItemID })
	return merged, nil
}

func generateSaleNumber() string {
	return "S-" + uuid.NewString()
}

func generateRefundNumber() string {
	return "R-" + uuid.NewString()
}

func lockSale(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Sale, error) {
	var sale models.Sale
	err := tx.GetContext(ctx, &sale,
		`SELECT id, number, location_id, terminal_id, session_id, user_id, customer_id,
		        payment_method, subtotal, item_discounts, points_discount, total,
		        points_redeemed, points_accrued, status, void_reason, voided_by, voided_at, created_at
		 FROM sales
		 WHERE id = $1
		 FOR UPDATE NOWAIT`,
		id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrSaleNotFound
		}
		return nil, fmt.Errorf("lock sale %d: %w", id, err)
	}
	return &sale, nil
}

func fetchSale(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Sale, error) {
	var sale models.Sale
	err := tx.GetContext(ctx, &sale,
		`SELECT id, number, location_id, terminal_id, session_id, user_id, customer_id,
		        payment_method, subtotal, item_discounts, points_discount, total,
		        points_redeemed, points_accrued, status, void_reason, voided_by, voided_at, created_at
		 FROM sales
		 WHERE id = $1`,
		id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrSaleNotFound
		}
		return nil, fmt.Errorf("fetch sale: %w", err)
	}

	items, err := fetchSaleItems(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	sale.Items = items

	return &sale, nil
}

func fetchSaleItems(ctx context.Context, tx *sqlx.Tx, saleID int64) ([]models.SaleItem, error) {
	var items []models.SaleItem
	err := tx.SelectContext(ctx, &items,
		`SELECT id, sale_id, batch_id, description, quantity, unit_price, discount, refunded_quantity, created_at
		 FROM sale_items
		 WHERE sale_id = $1
		 ORDER BY id`,
		saleID)
	if err != nil {
		return nil, fmt.Errorf("fetch sale items: %w", err)
	}
	return items, nil
}

func fetchRefund(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Refund, error) {
	var refund models.Refund
	err := tx.GetContext(ctx, &refund,
		`SELECT id, number, sale_id, amount, reason, processed_by, authorized_by, created_at
		 FROM refunds
		 WHERE id = $1`,
		id)
	if err != nil {
		return nil, fmt.Errorf("fetch refund: %w", err)
	}

	err = tx.SelectContext(ctx, &refund.Items,
		`SELECT id, refund_id, sale_item_id, quantity, amount
		 FROM refund_items
		 WHERE refund_id = $1
		 ORDER BY id`,
		id)
	if err != nil {
		return nil, fmt.Errorf("fetch refund items: %w", err)
	}

	return &refund, nil
}
