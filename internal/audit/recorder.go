package audit

import (
	"context"
	"encoding/json"
	"log"

	"github.com/jmoiron/sqlx"
)

// Action codes. Stable: reports and reviews key on them.
const (
	ActionSaleCreate      = "SALE_CREATE"
	ActionSaleVoid        = "SALE_VOID"
	ActionSaleRefund      = "SALE_REFUND"
	ActionCashOpen        = "CASH_OPEN"
	ActionCashClose       = "CASH_CLOSE"
	ActionCashCloseSystem = "CASH_CLOSE_SYSTEM"
	ActionCashAdjust      = "CASH_ADJUST"
	ActionCashWithdraw    = "CASH_WITHDRAW"
	ActionQueueCreate     = "QUEUE_CREATE"
	ActionQueueCall       = "QUEUE_CALL"
	ActionQueueComplete   = "QUEUE_COMPLETE"
	ActionQueueCancel     = "QUEUE_CANCEL"
	ActionQueueRequeue    = "QUEUE_REQUEUE"
	ActionQueuePurge      = "QUEUE_PURGE"
)

type Entry struct {
	Action        string
	ActorID       int64 // 0 = system-initiated
	AuthorizedBy  int64 // 0 = no separate authorizer
	Entity        string
	EntityID      string
	Before        any
	After         any
	Justification string
}

// Record appends one audit row inside the caller's transaction, guarded by a
// savepoint: if the insert fails the savepoint is rolled back, the failure is
// logged, and the business transaction continues.
func Record(ctx context.Context, tx *sqlx.Tx, e Entry) {
	before, err := marshalState(e.Before)
	if err != nil {
		log.Printf("audit: %s %s/%s: marshal before state: %v", e.Action, e.Entity, e.EntityID, err)
		return
	}
	after, err := marshalState(e.After)
	if err != nil {
		log.Printf("audit: %s %s/%s: marshal after state: %v", e.Action, e.Entity, e.EntityID, err)
		return
	}

	if _, err := tx.ExecContext(ctx, "SAVEPOINT audit_entry"); err != nil {
		log.Printf("audit: %s %s/%s: savepoint: %v", e.Action, e.Entity, e.EntityID, err)
		return
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_log (action, actor_id, authorized_by, entity, entity_id, before_state, after_state, justification, created_at)
		 VALUES ($1, NULLIF($2, 0), NULLIF($3, 0), $4, $5, $6, $7, $8, NOW())`,
		e.Action, e.ActorID, e.AuthorizedBy, e.Entity, e.EntityID, before, after, e.Justification)
	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT audit_entry"); rbErr != nil {
			log.Printf("audit: %s %s/%s: rollback to savepoint: %v", e.Action, e.Entity, e.EntityID, rbErr)
		}
		log.Printf("audit: %s %s/%s: record: %v", e.Action, e.Entity, e.EntityID, err)
		return
	}

	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT audit_entry"); err != nil {
		log.Printf("audit: %s %s/%s: release savepoint: %v", e.Action, e.Entity, e.EntityID, err)
	}
}

func marshalState(state any) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	return json.Marshal(state)
}
