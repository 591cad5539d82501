package cash

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/vallenar/pos-core/internal/audit"
	"github.com/vallenar/pos-core/internal/auth"
	"github.com/vallenar/pos-core/internal/config"
	"github.com/vallenar/pos-core/internal/database"
	"github.com/vallenar/pos-core/internal/models"
	"github.com/vallenar/pos-core/internal/notify"
)

// Ledger owns the till lifecycle: open, close, forced close, and manual cash
// movements. Expected cash is always a fold over the session's movements
// plus its cash-paid sales; there is no running balance column to drift.
type Ledger struct {
	db        *sqlx.DB
	validator *auth.Validator
	notifier  notify.Sink
	cfg       config.CashConfig
	warnPct   decimal.Decimal
}

func NewLedger(db *sqlx.DB, validator *auth.Validator, notifier notify.Sink, cfg config.CashConfig) *Ledger {
	warnPct, err := decimal.NewFromString(cfg.CloseWarningPct)
	if err != nil {
		log.Printf("cash: invalid close warning percent %q, using 1.5", cfg.CloseWarningPct)
		warnPct = decimal.New(15, -1)
	}
	return &Ledger{
		db:        db,
		validator: validator,
		notifier:  notifier,
		cfg:       cfg,
		warnPct:   warnPct,
	}
}

type OpenRequest struct {
	LocationID    int64
	TerminalID    int
	OperatorID    int64
	OpeningAmount int64
}

// Open starts a session for a terminal. At most one open session may exist
// per terminal; the check runs inside the transaction and a partial unique
// index backs it against races.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (*models.CashSession, error) {
	if req.LocationID <= 0 {
		return nil, models.NewValidationError("location_id", "required")
	}
	if req.TerminalID <= 0 {
		return nil, models.NewValidationError("terminal_id", "required")
	}
	if req.OperatorID <= 0 {
		return nil, models.NewValidationError("operator_id", "required")
	}
	if req.OpeningAmount < 0 {
		return nil, models.NewValidationError("opening_amount", "must not be negative")
	}

	var session *models.CashSession
	err := database.WithRetry(ctx, l.db, database.DefaultTxOptions(), func(tx *sqlx.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM cash_sessions WHERE terminal_id = $1 AND status = $2)`,
			req.TerminalID, models.SessionStatusOpen).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check open session: %w", err)
		}
		if exists {
			return errAlreadyOpen
		}

		var sessionID int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO cash_sessions (location_id, terminal_id, opened_by, opening_amount, status, opened_at)
			 VALUES ($1, $2, $3, $4, $5, NOW())
			 RETURNING id`,
			req.LocationID, req.TerminalID, req.OperatorID, req.OpeningAmount,
			models.SessionStatusOpen).Scan(&sessionID)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return errAlreadyOpen
			}
			return fmt.Errorf("create cash session: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO cash_movements (session_id, kind, amount, reason, recorded_by, created_at)
			 VALUES ($1, $2, $3, $4, $5, NOW())`,
			sessionID, models.MovementOpening, req.OpeningAmount, "opening float", req.OperatorID)
		if err != nil {
			return fmt.Errorf("record opening movement: %w", err)
		}

		audit.Record(ctx, tx, audit.Entry{
			Action:   audit.ActionCashOpen,
			ActorID:  req.OperatorID,
			Entity:   "cash_session",
			EntityID: strconv.FormatInt(sessionID, 10),
			After: map[string]any{
				"terminal_id":    req.TerminalID,
				"opening_amount": req.OpeningAmount,
			},
		})

		session, err = fetchSession(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return session, nil
}

type CloseRequest struct {
	TerminalID     int
	DeclaredAmount int64
	Credential     auth.Credential
}

// Close settles a terminal's open session against a counted drawer. Either
// the owning cashier's PIN or a supervisor-tier PIN authorizes it; the audit
// trail records whichever identity matched. Differences beyond the tolerance
// classify the close as short or over but never block it.
func (l *Ledger) Close(ctx context.Context, req CloseRequest) (*models.CashSession, error) {
	if req.TerminalID <= 0 {
		return nil, models.NewValidationError("terminal_id", "required")
	}
	if req.DeclaredAmount < 0 {
		return nil, models.NewValidationError("declared_amount", "must not be negative")
	}
	if req.Credential.PIN == "" {
		return nil, auth.ErrCredentialRequired
	}

	var session *models.CashSession
	err := database.WithRetry(ctx, l.db, database.DefaultTxOptions(), func(tx *sqlx.Tx) error {
		open, err := lockOpenSessionByTerminal(ctx, tx, req.TerminalID)
		if err != nil {
			return err
		}

		authorizer, err := l.authorizeClose(ctx, open, req.Credential)
		if err != nil {
			return err
		}

		expected, err := expectedCashTx(ctx, tx, open.ID)
		if err != nil {
			return err
		}
		difference := req.DeclaredAmount - expected
		result := classifyDifference(difference, l.cfg.CloseTolerance)

		if pct := deviationPct(difference, expected); pct.GreaterThan(l.warnPct) {
			log.Printf("cash: session %d closed %s: difference %d is %s%% of expected %d",
				open.ID, result, difference, pct.String(), expected)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE cash_sessions
			 SET status = $1, declared_amount = $2, expected_amount = $3, difference = $4,
			     close_result = $5, closed_by = $6, closed_at = NOW()
			 WHERE id = $7`,
			models.SessionStatusClosed, req.DeclaredAmount, expected, difference,
			result, authorizer.ID, open.ID)
		if err != nil {
			return fmt.Errorf("close cash session: %w", err)
		}

		audit.Record(ctx, tx, audit.Entry{
			Action:   audit.ActionCashClose,
			ActorID:  authorizer.ID,
			Entity:   "cash_session",
			EntityID: strconv.FormatInt(open.ID, 10),
			Before:   map[string]any{"status": models.SessionStatusOpen},
			After: map[string]any{
				"status":     models.SessionStatusClosed,
				"expected":   expected,
				"declared":   req.DeclaredAmount,
				"difference": difference,
				"result":     result,
			},
		})

		session, err = fetchSession(ctx, tx, open.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.notifier.Publish(ctx, "cash.session_closed", session)
	return session, nil
}

// authorizeClose resolves the dual credential path: the session owner's own
// PIN, or a supervisor-tier PIN. It returns the authorizing identity so the
// audit trail does not care which path matched.
func (l *Ledger) authorizeClose(ctx context.Context, session *models.CashSession, cred auth.Credential) (*models.User, error) {
	if cred.HolderID == session.OpenedBy {
		return l.validator.Validate(ctx, cred)
	}
	if cred.HolderID != 0 {
		return l.validator.Validate(ctx, cred, models.RoleSupervisor, models.RoleAdmin)
	}

	owner, err := l.validator.Validate(ctx, auth.Credential{HolderID: session.OpenedBy, PIN: cred.PIN})
	if err == nil {
		return owner, nil
	}
	var authErr *models.AuthorizationError
	if !errors.As(err, &authErr) {
		return nil, err
	}
	return l.validator.Validate(ctx, cred, models.RoleSupervisor, models.RoleAdmin)
}

type SystemCloseRequest struct {
	TerminalID int
	ActorID    int64 // 0 = unattended takeover
	Reason     string
}

// SystemClose force-closes a terminal's open session when another operator
// takes over. Declared cash is set to the expected amount, so the difference
// is zero by construction; the session and audit entry carry the reason.
func (l *Ledger) SystemClose(ctx context.Context, req SystemCloseRequest) (*models.CashSession, error) {
	if req.TerminalID <= 0 {
		return nil, models.NewValidationError("terminal_id", "required")
	}
	if req.Reason == "" {
		return nil, models.NewValidationError("reason", "required")
	}

	var session *models.CashSession
	err := database.WithRetry(ctx, l.db, database.DefaultTxOptions(), func(tx *sqlx.Tx) error {
		open, err := lockOpenSessionByTerminal(ctx, tx, req.TerminalID)
		if err != nil {
			return err
		}

		expected, err := expectedCashTx(ctx, tx, open.ID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE cash_sessions
			 SET status = $1, declared_amount = $2, expected_amount = $2, difference = 0,
			     close_result = $3, close_reason = $4, closed_by = NULLIF($5, 0), closed_at = NOW()
			 WHERE id = $6`,
			models.SessionStatusClosedSystem, expected, models.CloseResultOK,
			req.Reason, req.ActorID, open.ID)
		if err != nil {
			return fmt.Errorf("system close cash session: %w", err)
		}

		audit.Record(ctx, tx, audit.Entry{
			Action:   audit.ActionCashCloseSystem,
			ActorID:  req.ActorID,
			Entity:   "cash_session",
			EntityID: strconv.FormatInt(open.ID, 10),
			Before:   map[string]any{"status": models.SessionStatusOpen},
			After: map[string]any{
				"status":   models.SessionStatusClosedSystem,
				"expected": expected,
			},
			Justification: req.Reason,
		})

		session, err = fetchSession(ctx, tx, open.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.notifier.Publish(ctx, "cash.session_closed", session)
	return session, nil
}

type AdjustRequest struct {
	SessionID  int64
	ActorID    int64
	Amount     int64 // signed: positive = extra income, negative = expense
	Reason     string
	Credential auth.Credential
}

// Adjust records a manual cash movement against an open session. The
// magnitude decides the credential tier: none below the PIN threshold, the
// acting cashier's own PIN above it, a supervisor PIN above the supervisor
// threshold.
func (l *Ledger) Adjust(ctx context.Context, req AdjustRequest) (*models.CashMovement, error) {
	if req.SessionID <= 0 {
		return nil, models.NewValidationError("session_id", "required")
	}
	if req.ActorID <= 0 {
		return nil, models.NewValidationError("actor_id", "required")
	}
	if req.Amount == 0 {
		return nil, models.NewValidationError("amount", "must not be zero")
	}
	if req.Reason == "" {
		return nil, models.NewValidationError("reason", "required")
	}

	magnitude := req.Amount
	if magnitude < 0 {
		magnitude = -magnitude
	}

	var authorizer *models.User
	switch requiredTier(magnitude, l.cfg.AdjustPINThreshold, l.cfg.AdjustSupervisorThreshold) {
	case tierSupervisor:
		if req.Credential.PIN == "" {
			return nil, auth.ErrCredentialRequired
		}
		u, err := l.validator.Validate(ctx, req.Credential, models.RoleSupervisor, models.RoleAdmin)
		if err != nil {
			return nil, err
		}
		authorizer = u
	case tierSelf:
		if req.Credential.PIN == "" {
			return nil, auth.ErrCredentialRequired
		}
		u, err := l.validator.Validate(ctx, auth.Credential{HolderID: req.ActorID, PIN: req.Credential.PIN})
		if err != nil {
			return nil, err
		}
		authorizer = u
	}

	kind := models.MovementExtraIncome
	if req.Amount < 0 {
		kind = models.MovementExpense
	}

	return l.recordMovement(ctx, movementRequest{
		SessionID:  req.SessionID,
		ActorID:    req.ActorID,
		Kind:       kind,
		Amount:     magnitude,
		Reason:     req.Reason,
		Authorizer: authorizer,
		Action:     audit.ActionCashAdjust,
	})
}

type WithdrawRequest struct {
	SessionID  int64
	ActorID    int64
	Amount     int64
	Reason     string
	Credential auth.Credential
}

// Withdraw moves cash out of the drawer to the safe. Always supervisor-gated
// regardless of amount.
func (l *Ledger) Withdraw(ctx context.Context, req WithdrawRequest) (*models.CashMovement, error) {
	if req.SessionID <= 0 {
		return nil, models.NewValidationError("session_id", "required")
	}
	if req.ActorID <= 0 {
		return nil, models.NewValidationError("actor_id", "required")
	}
	if req.Amount <= 0 {
		return nil, models.NewValidationError("amount", "must be positive")
	}
	if req.Reason == "" {
		return nil, models.NewValidationError("reason", "required")
	}
	if req.Credential.PIN == "" {
		return nil, auth.ErrCredentialRequired
	}

	authorizer, err := l.validator.Validate(ctx, req.Credential, models.RoleSupervisor, models.RoleAdmin)
	if err != nil {
		return nil, err
	}

	return l.recordMovement(ctx, movementRequest{
		SessionID:  req.SessionID,
		ActorID:    req.ActorID,
		Kind:       models.MovementWithdrawal,
		Amount:     req.Amount,
		Reason:     req.Reason,
		Authorizer: authorizer,
		Action:     audit.ActionCashWithdraw,
	})
}

type movementRequest struct {
	SessionID  int64
	ActorID    int64
	Kind       string
	Amount     int64
	Reason     string
	Authorizer *models.User
	Action     string
}

func (l *Ledger) recordMovement(ctx context.Context, req movementRequest) (*models.CashMovement, error) {
	var authorizedBy int64
	if req.Authorizer != nil {
		authorizedBy = req.Authorizer.ID
	}

	var movement *models.CashMovement
	err := database.WithRetry(ctx, l.db, database.DefaultTxOptions(), func(tx *sqlx.Tx) error {
		session, err := lockSession(ctx, tx, req.SessionID)
		if err != nil {
			return err
		}
		if session.Status != models.SessionStatusOpen {
			return models.NewBusinessRuleError("session_not_open", "cash session is not open")
		}

		var movementID int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO cash_movements (session_id, kind, amount, reason, recorded_by, authorized_by, created_at)
			 VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0), NOW())
			 RETURNING id`,
			session.ID, req.Kind, req.Amount, req.Reason, req.ActorID, authorizedBy).Scan(&movementID)
		if err != nil {
			return fmt.Errorf("record cash movement: %w", err)
		}

		audit.Record(ctx, tx, audit.Entry{
			Action:       req.Action,
			ActorID:      req.ActorID,
			AuthorizedBy: authorizedBy,
			Entity:       "cash_movement",
			EntityID:     strconv.FormatInt(movementID, 10),
			After: map[string]any{
				"session_id": session.ID,
				"kind":       req.Kind,
				"amount":     req.Amount,
			},
			Justification: req.Reason,
		})

		movement, err = fetchMovement(ctx, tx, movementID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return movement, nil
}

// ExpectedCash computes the drawer's expected content at this instant from a
// consistent read-only snapshot. The identity holds for every intermediate
// state of the session, not only at close.
func (l *Ledger) ExpectedCash(ctx context.Context, sessionID int64) (int64, error) {
	var expected int64
	opts := database.TxOptions{
		IsolationLevel: sql.LevelSerializable,
		ReadOnly:       true,
		MaxRetries:     3,
	}
	err := database.WithRetry(ctx, l.db, opts, func(tx *sqlx.Tx) error {
		var err error
		expected, err = expectedCashTx(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return expected, nil
}

// expectedCashTx folds the session's movement ledger with its cash-paid,
// non-voided sales: opening plus extra income, minus expenses and withdrawals, plus cash
// sales.
func expectedCashTx(ctx context.Context, tx *sqlx.Tx, sessionID int64) (int64, error) {
	var movements int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE
		          WHEN kind IN ($2, $3) THEN amount
		          ELSE -amount
		        END), 0)
		 FROM cash_movements
		 WHERE session_id = $1`,
		sessionID, models.MovementOpening, models.MovementExtraIncome).Scan(&movements)
	if err != nil {
		return 0, fmt.Errorf("fold cash movements: %w", err)
	}

	var cashSales int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total), 0)
		 FROM sales
		 WHERE session_id = $1 AND payment_method = $2 AND status <> $3`,
		sessionID, models.PaymentCash, models.SaleStatusVoided).Scan(&cashSales)
	if err != nil {
		return 0, fmt.Errorf("sum cash sales: %w", err)
	}

	return movements + cashSales, nil
}

var errAlreadyOpen = models.NewBusinessRuleError("session_already_open", "terminal already has an open session")

type tier int

const (
	tierNone tier = iota
	tierSelf
	tierSupervisor
)

func requiredTier(magnitude, pinThreshold, supervisorThreshold int64) tier {
	switch {
	case magnitude > supervisorThreshold:
		return tierSupervisor
	case magnitude > pinThreshold:
		return tierSelf
	default:
		return tierNone
	}
}

func classifyDifference(difference, tolerance int64) string {
	switch {
	case difference < -tolerance:
		return models.CloseResultShort
	case difference > tolerance:
		return models.CloseResultOver
	default:
		return models.CloseResultOK
	}
}

// deviationPct is |difference| as a percentage of expected, two decimals.
func deviationPct(difference, expected int64) decimal.Decimal {
	if expected == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(difference).
		Div(decimal.NewFromInt(expected)).
		Abs().
		Mul(decimal.NewFromInt(100)).
		Round(2)
}

func lockOpenSessionByTerminal(ctx context.Context, tx *sqlx.Tx, terminalID int) (*models.CashSession, error) {
	var session models.CashSession
	err := tx.GetContext(ctx, &session,
		`SELECT id, location_id, terminal_id, opened_by, opening_amount, declared_amount,
		        expected_amount, difference, status, close_result, close_reason, closed_by,
		        opened_at, closed_at
		 FROM cash_sessions
		 WHERE terminal_id = $1 AND status = $2
		 FOR UPDATE NOWAIT`,
		terminalID, models.SessionStatusOpen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NewBusinessRuleError("no_open_session", "terminal has no open session")
		}
		return nil, fmt.Errorf("lock open session for terminal %d: %w", terminalID, err)
	}
	return &session, nil
}

func lockSession(ctx context.Context, tx *sqlx.Tx, id int64) (*models.CashSession, error) {
	var session models.CashSession
	err := tx.GetContext(ctx, &session,
		`SELECT id, location_id, terminal_id, opened_by, opening_amount, declared_amount,
		        expected_amount, difference, status, close_result, close_reason, closed_by,
		        opened_at, closed_at
		 FROM cash_sessions
		 WHERE id = $1
		 FOR UPDATE NOWAIT`,
		id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrSessionNotFound
		}
		return nil, fmt.Errorf("lock session %d: %w", id, err)
	}
	return &session, nil
}

func fetchSession(ctx context.Context, tx *sqlx.Tx, id int64) (*models.CashSession, error) {
	var session models.CashSession
	err := tx.GetContext(ctx, &session,
		`SELECT id, location_id, terminal_id, opened_by, opening_amount, declared_amount,
		        expected_amount, difference, status, close_result, close_reason, closed_by,
		        opened_at, closed_at
		 FROM cash_sessions
		 WHERE id = $1`,
		id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrSessionNotFound
		}
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	return &session, nil
}

func fetchMovement(ctx context.Context, tx *sqlx.Tx, id int64) (*models.CashMovement, error) {
	var movement models.CashMovement
	err := tx.GetContext(ctx, &movement,
		`SELECT id, session_id, kind, amount, reason, recorded_by, authorized_by, created_at
		 FROM cash_movements
		 WHERE id = $1`,
		id)
	if err != nil {
		return nil, fmt.Errorf("fetch movement: %w", err)
	}
	return &movement, nil
}
