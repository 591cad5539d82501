package models

import (
	"encoding/json"
	"time"
)

type User struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Role      string    `db:"role" json:"role"`
	PINHash   string    `db:"pin_hash" json:"-"`
	LegacyPIN string    `db:"legacy_pin" json:"-"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Customer struct {
	ID            int64     `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Document      string    `db:"document" json:"document,omitempty"`
	LoyaltyPoints int64     `db:"loyalty_points" json:"loyalty_points"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

type Location struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Product struct {
	ID        int64     `db:"id" json:"id"`
	SKU       string    `db:"sku" json:"sku"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// InventoryBatch carries on-hand quantity and pricing for one product at one
// location. Prices are integral minor currency units.
type InventoryBatch struct {
	ID         int64     `db:"id" json:"id"`
	LocationID int64     `db:"location_id" json:"location_id"`
	ProductID  int64     `db:"product_id" json:"product_id"`
	Quantity   int       `db:"quantity" json:"quantity"`
	UnitCost   int64     `db:"unit_cost" json:"unit_cost"`
	SalePrice  int64     `db:"sale_price" json:"sale_price"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

type Sale struct {
	ID             int64      `db:"id" json:"id"`
	Number         string     `db:"number" json:"number"`
	LocationID     int64      `db:"location_id" json:"location_id"`
	TerminalID     int        `db:"terminal_id" json:"terminal_id"`
	SessionID      int64      `db:"session_id" json:"session_id"`
	UserID         int64      `db:"user_id" json:"user_id"`
	CustomerID     *int64     `db:"customer_id" json:"customer_id,omitempty"`
	PaymentMethod  string     `db:"payment_method" json:"payment_method"`
	Subtotal       int64      `db:"subtotal" json:"subtotal"`
	ItemDiscounts  int64      `db:"item_discounts" json:"item_discounts"`
	PointsDiscount int64      `db:"points_discount" json:"points_discount"`
	Total          int64      `db:"total" json:"total"`
	PointsRedeemed int64      `db:"points_redeemed" json:"points_redeemed"`
	PointsAccrued  int64      `db:"points_accrued" json:"points_accrued"`
	Status         string     `db:"status" json:"status"`
	VoidReason     *string    `db:"void_reason" json:"void_reason,omitempty"`
	VoidedBy       *int64     `db:"voided_by" json:"voided_by,omitempty"`
	VoidedAt       *time.Time `db:"voided_at" json:"voided_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	Items          []SaleItem `db:"-" json:"items,omitempty"`
}

// SaleItem records either an inventory-backed line (BatchID set) or a manual
// line (BatchID nil, free-form description).
type SaleItem struct {
	ID               int64     `db:"id" json:"id"`
	SaleID           int64     `db:"sale_id" json:"sale_id"`
	BatchID          *int64    `db:"batch_id" json:"batch_id,omitempty"`
	Description      string    `db:"description" json:"description"`
	Quantity         int       `db:"quantity" json:"quantity"`
	UnitPrice        int64     `db:"unit_price" json:"unit_price"`
	Discount         int64     `db:"discount" json:"discount"`
	RefundedQuantity int       `db:"refunded_quantity" json:"refunded_quantity"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

type Refund struct {
	ID           int64        `db:"id" json:"id"`
	Number       string       `db:"number" json:"number"`
	SaleID       int64        `db:"sale_id" json:"sale_id"`
	Amount       int64        `db:"amount" json:"amount"`
	Reason       string       `db:"reason" json:"reason"`
	ProcessedBy  int64        `db:"processed_by" json:"processed_by"`
	AuthorizedBy int64        `db:"authorized_by" json:"authorized_by"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	Items        []RefundItem `db:"-" json:"items,omitempty"`
}

type RefundItem struct {
	ID         int64 `db:"id" json:"id"`
	RefundID   int64 `db:"refund_id" json:"refund_id"`
	SaleItemID int64 `db:"sale_item_id" json:"sale_item_id"`
	Quantity   int   `db:"quantity" json:"quantity"`
	Amount     int64 `db:"amount" json:"amount"`
}

type CashSession struct {
	ID             int64      `db:"id" json:"id"`
	LocationID     int64      `db:"location_id" json:"location_id"`
	TerminalID     int        `db:"terminal_id" json:"terminal_id"`
	OpenedBy       int64      `db:"opened_by" json:"opened_by"`
	OpeningAmount  int64      `db:"opening_amount" json:"opening_amount"`
	DeclaredAmount *int64     `db:"declared_amount" json:"declared_amount,omitempty"`
	ExpectedAmount *int64     `db:"expected_amount" json:"expected_amount,omitempty"`
	Difference     *int64     `db:"difference" json:"difference,omitempty"`
	Status         string     `db:"status" json:"status"`
	CloseResult    *string    `db:"close_result" json:"close_result,omitempty"`
	CloseReason    *string    `db:"close_reason" json:"close_reason,omitempty"`
	ClosedBy       *int64     `db:"closed_by" json:"closed_by,omitempty"`
	OpenedAt       time.Time  `db:"opened_at" json:"opened_at"`
	ClosedAt       *time.Time `db:"closed_at" json:"closed_at,omitempty"`
}

type CashMovement struct {
	ID           int64     `db:"id" json:"id"`
	SessionID    int64     `db:"session_id" json:"session_id"`
	Kind         string    `db:"kind" json:"kind"`
	Amount       int64     `db:"amount" json:"amount"`
	Reason       string    `db:"reason" json:"reason"`
	RecordedBy   int64     `db:"recorded_by" json:"recorded_by"`
	AuthorizedBy *int64    `db:"authorized_by" json:"authorized_by,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

type QueueTicket struct {
	ID             int64      `db:"id" json:"id"`
	LocationID     int64      `db:"location_id" json:"location_id"`
	Code           string     `db:"code" json:"code"`
	Priority       string     `db:"priority" json:"priority"`
	CustomerID     *int64     `db:"customer_id" json:"customer_id,omitempty"`
	Status         string     `db:"status" json:"status"`
	CalledTerminal *int       `db:"called_terminal" json:"called_terminal,omitempty"`
	CalledBy       *int64     `db:"called_by" json:"called_by,omitempty"`
	CancelReason   *string    `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	CalledAt       *time.Time `db:"called_at" json:"called_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

type AuditEntry struct {
	ID            int64           `db:"id" json:"id"`
	Action        string          `db:"action" json:"action"`
	ActorID       *int64          `db:"actor_id" json:"actor_id,omitempty"`
	AuthorizedBy  *int64          `db:"authorized_by" json:"authorized_by,omitempty"`
	Entity        string          `db:"entity" json:"entity"`
	EntityID      string          `db:"entity_id" json:"entity_id"`
	BeforeState   json.RawMessage `db:"before_state" json:"before_state,omitempty"`
	AfterState    json.RawMessage `db:"after_state" json:"after_state,omitempty"`
	Justification string          `db:"justification" json:"justification,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

const (
	RoleCashier    = "cashier"
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"
)

const (
	SaleStatusCompleted         = "completed"
	SaleStatusVoided            = "voided"
	SaleStatusPartiallyRefunded = "partially_refunded"
	SaleStatusFullyRefunded     = "fully_refunded"
)

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentTransfer = "transfer"
)

const (
	SessionStatusOpen         = "open"
	SessionStatusClosed       = "closed"
	SessionStatusClosedSystem = "closed_system"
)

const (
	CloseResultOK    = "ok"
	CloseResultShort = "short"
	CloseResultOver  = "over"
)

const (
	MovementOpening     = "opening"
	MovementExtraIncome = "extra_income"
	MovementExpense     = "expense"
	MovementWithdrawal  = "withdrawal"
)

const (
	TicketStatusWaiting   = "waiting"
	TicketStatusCalled    = "called"
	TicketStatusCompleted = "completed"
	TicketStatusCancelled = "cancelled"
)

const (
	PriorityGeneral      = "general"
	PriorityPreferential = "preferential"
)
