package reports

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vallenar/pos-core/internal/database"
	"github.com/vallenar/pos-core/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Service answers read-only history queries. It never writes.
type Service struct {
	db *sqlx.DB
}

func NewService(db *sqlx.DB) *Service {
	return &Service{db: db}
}

type CursorPage struct {
	Items      any    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

type SaleCursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        int64     `json:"id"`
}

func EncodeCursor(cursor SaleCursor) string {
	data, err := json.Marshal(cursor)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

func DecodeCursor(encoded string) (SaleCursor, error) {
	var cursor SaleCursor
	if encoded == "" {
		return SaleCursor{
			CreatedAt: time.Now(),
			ID:        int64(1<<63 - 1),
		}, nil
	}

	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return cursor, err
	}

	err = json.Unmarshal(data, &cursor)
	return cursor, err
}

// SaleFilter narrows sale history. Zero values mean "no filter".
type SaleFilter struct {
	LocationID int64
	TerminalID int
	SessionID  int64
	UserID     int64
	CustomerID int64
	Statuses   []string
	Methods    []string
	From       time.Time
	To         time.Time
}

// ListSales pages through sale history newest-first. Filters are combined
// with AND; slice filters expand through sqlx.In.
func (s *Service) ListSales(ctx context.Context, filter SaleFilter, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, models.NewValidationError("cursor", "malformed cursor")
	}
	limit = normalizeLimit(limit)

	conds := []string{"(created_at, id) < (?, ?)"}
	args := []any{cursorData.CreatedAt, cursorData.ID}

	if filter.LocationID > 0 {
		conds = append(conds, "location_id = ?")
		args = append(args, filter.LocationID)
	}
	if filter.TerminalID > 0 {
		conds = append(conds, "terminal_id = ?")
		args = append(args, filter.TerminalID)
	}
	if filter.SessionID > 0 {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.UserID > 0 {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.CustomerID > 0 {
		conds = append(conds, "customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	if len(filter.Statuses) > 0 {
		conds = append(conds, "status IN (?)")
		args = append(args, filter.Statuses)
	}
	if len(filter.Methods) > 0 {
		conds = append(conds, "payment_method IN (?)")
		args = append(args, filter.Methods)
	}
	if !filter.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, filter.To)
	}

	query := fmt.Sprintf(
		`SELECT id, number, location_id, terminal_id, session_id, user_id, customer_id,
		        payment_method, subtotal, item_discounts, points_discount, total,
		        points_redeemed, points_accrued, status, void_reason, voided_by,
		        voided_at, created_at
		 FROM sales
		 WHERE %s
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		strings.Join(conds, " AND "))
	args = append(args, limit+1)

	query, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("expand sale filter: %w", err)
	}

	var sales []models.Sale
	if err := s.db.SelectContext(ctx, &sales, s.db.Rebind(query), expanded...); err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}

	hasMore := len(sales) > limit
	if hasMore {
		sales = sales[:limit]
	}

	if err := s.hydrateItems(ctx, sales); err != nil {
		return nil, err
	}

	var nextCursor string
	if hasMore && len(sales) > 0 {
		last := sales[len(sales)-1]
		nextCursor = EncodeCursor(SaleCursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}

	return &CursorPage{
		Items:      sales,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// hydrateItems fetches the line items for one page of sales in a single
// query and attaches them in place.
func (s *Service) hydrateItems(ctx context.Context, sales []models.Sale) error {
	if len(sales) == 0 {
		return nil
	}

	ids := make([]int64, len(sales))
	for i, sale := range sales {
		ids[i] = sale.ID
	}

	query, args, err := sqlx.In(
		`SELECT id, sale_id, batch_id, description, quantity, unit_price, discount,
		        refunded_quantity, created_at
		 FROM sale_items
		 WHERE sale_id IN (?)
		 ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("expand item query: %w", err)
	}

	var items []models.SaleItem
	if err := s.db.SelectContext(ctx, &items, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("fetch sale items: %w", err)
	}

	bySale := make(map[int64][]models.SaleItem, len(sales))
	for _, item := range items {
		bySale[item.SaleID] = append(bySale[item.SaleID], item)
	}
	for i := range sales {
		sales[i].Items = bySale[sales[i].ID]
	}
	return nil
}

// SessionReport is the register-drawer view of one session: the stored
// close figures plus every movement and the sale totals behind them.
type SessionReport struct {
	Session    *models.CashSession   `json:"session"`
	Movements  []models.CashMovement `json:"movements"`
	SaleCount  int64                 `json:"sale_count"`
	SalesTotal int64                 `json:"sales_total"`
	CashSales  int64                 `json:"cash_sales"`
}

func (s *Service) SessionReport(ctx context.Context, sessionID int64) (*SessionReport, error) {
	if sessionID <= 0 {
		return nil, models.NewValidationError("session_id", "required")
	}

	var session models.CashSession
	err := s.db.GetContext(ctx, &session,
		`SELECT id, location_id, terminal_id, opened_by, opening_amount, declared_amount,
		        expected_amount, difference, status, close_result, close_reason, closed_by,
		        opened_at, closed_at
		 FROM cash_sessions
		 WHERE id = $1`,
		sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var movements []models.CashMovement
	err = s.db.SelectContext(ctx, &movements,
		`SELECT id, session_id, kind, amount, reason, recorded_by, authorized_by, created_at
		 FROM cash_movements
		 WHERE session_id = $1
		 ORDER BY created_at, id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}

	var totals struct {
		SaleCount  int64 `db:"sale_count"`
		SalesTotal int64 `db:"sales_total"`
		CashSales  int64 `db:"cash_sales"`
	}
	err = s.db.GetContext(ctx, &totals,
		`SELECT COUNT(*) AS sale_count,
		        COALESCE(SUM(total), 0) AS sales_total,
		        COALESCE(SUM(total) FILTER (WHERE payment_method = $2), 0) AS cash_sales
		 FROM sales
		 WHERE session_id = $1 AND status <> $3`,
		sessionID, models.PaymentCash, models.SaleStatusVoided)
	if err != nil {
		return nil, fmt.Errorf("sum session sales: %w", err)
	}

	return &SessionReport{
		Session:    &session,
		Movements:  movements,
		SaleCount:  totals.SaleCount,
		SalesTotal: totals.SalesTotal,
		CashSales:  totals.CashSales,
	}, nil
}

type MethodTotal struct {
	Method string `db:"payment_method" json:"payment_method"`
	Count  int64  `db:"sale_count" json:"sale_count"`
	Total  int64  `db:"total" json:"total"`
}

// DailySummary aggregates one location's trading day. Voided sales are
// counted separately and excluded from gross totals.
type DailySummary struct {
	LocationID  int64         `json:"location_id"`
	Day         time.Time     `json:"day"`
	SaleCount   int64         `json:"sale_count"`
	GrossTotal  int64         `json:"gross_total"`
	VoidCount   int64         `json:"void_count"`
	VoidedTotal int64         `json:"voided_total"`
	RefundTotal int64         `json:"refund_total"`
	ByMethod    []MethodTotal `json:"by_method"`
}

func (s *Service) DailySummary(ctx context.Context, locationID int64, day time.Time) (*DailySummary, error) {
	if locationID <= 0 {
		return nil, models.NewValidationError("location_id", "required")
	}

	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)
	summary := &DailySummary{LocationID: locationID, Day: start}

	var totals struct {
		SaleCount   int64 `db:"sale_count"`
		GrossTotal  int64 `db:"gross_total"`
		VoidCount   int64 `db:"void_count"`
		VoidedTotal int64 `db:"voided_total"`
	}
	err := s.db.GetContext(ctx, &totals,
		`SELECT COUNT(*) FILTER (WHERE status <> $4) AS sale_count,
		        COALESCE(SUM(total) FILTER (WHERE status <> $4), 0) AS gross_total,
		        COUNT(*) FILTER (WHERE status = $4) AS void_count,
		        COALESCE(SUM(total) FILTER (WHERE status = $4), 0) AS voided_total
		 FROM sales
		 WHERE location_id = $1 AND created_at >= $2 AND created_at < $3`,
		locationID, start, end, models.SaleStatusVoided)
	if err != nil {
		return nil, fmt.Errorf("sum day sales: %w", err)
	}
	summary.SaleCount = totals.SaleCount
	summary.GrossTotal = totals.GrossTotal
	summary.VoidCount = totals.VoidCount
	summary.VoidedTotal = totals.VoidedTotal

	err = s.db.GetContext(ctx, &summary.RefundTotal,
		`SELECT COALESCE(SUM(r.amount), 0)
		 FROM refunds r
		 JOIN sales sa ON sa.id = r.sale_id
		 WHERE sa.location_id = $1 AND r.created_at >= $2 AND r.created_at < $3`,
		locationID, start, end)
	if err != nil {
		return nil, fmt.Errorf("sum day refunds: %w", err)
	}

	err = s.db.SelectContext(ctx, &summary.ByMethod,
		`SELECT payment_method, COUNT(*) AS sale_count, COALESCE(SUM(total), 0) AS total
		 FROM sales
		 WHERE location_id = $1 AND created_at >= $2 AND created_at < $3 AND status <> $4
		 GROUP BY payment_method
		 ORDER BY payment_method`,
		locationID, start, end, models.SaleStatusVoided)
	if err != nil {
		return nil, fmt.Errorf("sum day methods: %w", err)
	}

	return summary, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
