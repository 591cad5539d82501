package stock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/vallenar/pos-core/internal/database"
	"github.com/vallenar/pos-core/internal/models"
)

// Line is one requested quantity against an inventory batch.
type Line struct {
	BatchID  int64
	Quantity int
}

// LockedBatch is a batch row held under lock for the remainder of the
// caller's transaction, with the product name joined in for receipt lines.
type LockedBatch struct {
	models.InventoryBatch
	ProductName string `db:"product_name"`
}

// Reserve locks every referenced batch and decrements its quantity inside
// the caller's transaction; it never commits on its own. Batch ids are
// deduplicated and locked in ascending id order, so concurrent reservations
// over overlapping sets always request locks in the same relative order and
// cannot deadlock. Acquisition never waits: a row locked elsewhere fails the
// whole reservation immediately with a retryable error.
//
// Shortages are collected across all lines rather than failing on the first
// one; when any exist, Reserve returns a BusinessRuleError listing them and
// the caller's rollback leaves every quantity untouched.
func Reserve(ctx context.Context, tx *sqlx.Tx, locationID int64, lines []Line) (map[int64]*LockedBatch, error) {
	merged, err := mergeLines(lines)
	if err != nil {
		return nil, err
	}

	batches := make(map[int64]*LockedBatch, len(merged))
	for _, line := range merged {
		batch, err := lockBatch(ctx, tx, line.BatchID)
		if err != nil {
			return nil, err
		}
		if batch.LocationID != locationID {
			return nil, models.NewValidationError("batch_id",
				fmt.Sprintf("batch %d does not belong to location %d", line.BatchID, locationID))
		}
		batches[line.BatchID] = batch
	}

	var shortages []models.Shortage
	for _, line := range merged {
		batch := batches[line.BatchID]
		if batch.Quantity < line.Quantity {
			shortages = append(shortages, models.Shortage{
				BatchID:   batch.ID,
				ProductID: batch.ProductID,
				Requested: line.Quantity,
				Available: batch.Quantity,
			})
		}
	}
	if len(shortages) > 0 {
		return nil, &models.BusinessRuleError{
			Rule:      "insufficient_stock",
			Reason:    "insufficient stock",
			Shortages: shortages,
		}
	}

	for _, line := range merged {
		if err := decrement(ctx, tx, line.BatchID, line.Quantity); err != nil {
			return nil, err
		}
	}

	return batches, nil
}

// Restore adds quantities back to their batches under the same ordered
// non-blocking locking discipline as Reserve. Void and refund use it.
func Restore(ctx context.Context, tx *sqlx.Tx, lines []Line) error {
	merged, err := mergeLines(lines)
	if err != nil {
		return err
	}

	for _, line := range merged {
		if _, err := lockBatch(ctx, tx, line.BatchID); err != nil {
			return err
		}
	}

	for _, line := range merged {
		_, err := tx.ExecContext(ctx,
			`UPDATE inventory_batches
			 SET quantity = quantity + $1,
			     updated_at = NOW()
			 WHERE id = $2`,
			line.Quantity, line.BatchID)
		if err != nil {
			return fmt.Errorf("restore stock: %w", err)
		}
	}

	return nil
}

func lockBatch(ctx context.Context, tx *sqlx.Tx, id int64) (*LockedBatch, error) {
	var batch LockedBatch

	err := tx.GetContext(ctx, &batch,
		`SELECT b.id, b.location_id, b.product_id, b.quantity, b.unit_cost, b.sale_price,
		        b.created_at, b.updated_at, p.name AS product_name
		 FROM inventory_batches b
		 JOIN products p ON p.id = b.product_id
		 WHERE b.id = $1
		 FOR UPDATE OF b NOWAIT`,
		id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrBatchNotFound
		}
		// Keep the driver error in the chain: 55P03 from NOWAIT is what
		// classifies this as retryable resource contention.
		return nil, fmt.Errorf("lock batch %d: %w", id, err)
	}

	return &batch, nil
}

func decrement(ctx context.Context, tx *sqlx.Tx, batchID int64, quantity int) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE inventory_batches
		 SET quantity = quantity - $1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND quantity >= $1`,
		quantity, batchID)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &models.BusinessRuleError{
			Rule:   "insufficient_stock",
			Reason: fmt.Sprintf("insufficient stock for batch %d", batchID),
		}
	}

	return nil
}

// mergeLines validates lines, sums duplicate batch ids, and returns the
// result sorted by ascending batch id: the lock-order invariant.
func mergeLines(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, models.NewValidationError("items", "no inventory lines")
	}

	totals := make(map[int64]int, len(lines))
	for _, l := range lines {
		if l.BatchID <= 0 {
			return nil, models.NewValidationError("batch_id", "missing inventory batch id")
		}
		if l.Quantity <= 0 {
			return nil, models.NewValidationError("quantity", "quantity must be positive")
		}
		totals[l.BatchID] += l.Quantity
	}

	merged := make([]Line, 0, len(totals))
	for id, qty := range totals {
		merged = append(merged, Line{BatchID: id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].BatchID < merged[j].BatchID })

	return merged, nil
}
