package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/vallenar/pos-core/internal/audit"
	"github.com/vallenar/pos-core/internal/config"
	"github.com/vallenar/pos-core/internal/database"
	"github.com/vallenar/pos-core/internal/models"
	"github.com/vallenar/pos-core/internal/notify"
)

// Dispatcher hands waiting tickets to calling terminals: preferential before
// general, oldest first within a class, never the same ticket twice.
type Dispatcher struct {
	db       *sqlx.DB
	notifier notify.Sink
	cfg      config.QueueConfig
}

func NewDispatcher(db *sqlx.DB, notifier notify.Sink, cfg config.QueueConfig) *Dispatcher {
	return &Dispatcher{db: db, notifier: notifier, cfg: cfg}
}

type CreateTicketRequest struct {
	LocationID int64
	CustomerID int64 // 0 = anonymous walk-in
	Priority   string
}

// CreateTicket issues the next sequential code for the location, priority
// class, and day. The per-day counter row is advanced by a single upsert, so
// concurrent kiosks never mint the same code.
func (d *Dispatcher) CreateTicket(ctx context.Context, req CreateTicketRequest) (*models.QueueTicket, error) {
	if req.LocationID <= 0 {
		return nil, models.NewValidationError("location_id", "required")
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityGeneral
	}
	switch priority {
	case models.PriorityGeneral, models.PriorityPreferential:
	default:
		return nil, models.NewValidationError("priority", "unknown priority class")
	}

	var ticket *models.QueueTicket
	err := database.WithRetry(ctx, d.db, database.DispatchTxOptions(), func(tx *sqlx.Tx) error {
		if req.CustomerID != 0 {
			var exists bool
			err := tx.QueryRowContext(ctx,
				"SELECT EXISTS(SELECT 1 FROM customers WHERE id = $1)",
				req.CustomerID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check customer exists: %w", err)
			}
			if !exists {
				return database.ErrCustomerNotFound
			}
		}

		var next int
		err := tx.QueryRowContext(ctx,
			`INSERT INTO queue_counters (location_id, priority, day, value)
			 VALUES ($1, $2, CURRENT_DATE, 1)
			 ON CONFLICT (location_id, priority, day)
			 DO UPDATE SET value = queue_counters.value + 1
			 RETURNING value`,
			req.LocationID, priority).Scan(&next)
		if err != nil {
			return fmt.Errorf("advance ticket counter: %w", err)
		}

		code := formatCode(priority, next)
		var ticketID int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO queue_tickets (location_id, code, priority, customer_id, status, created_at)
			 VALUES ($1, $2, $3, NULLIF($4, 0), $5, NOW())
			 RETURNING id`,
			req.LocationID, code, priority, req.CustomerID,
			models.TicketStatusWaiting).Scan(&ticketID)
		if err != nil {
			return fmt.Errorf("create ticket: %w", err)
		}

		audit.Record(ctx, tx, audit.Entry{
			Action:   audit.ActionQueueCreate,
			Entity:   "queue_ticket",
			EntityID: strconv.FormatInt(ticketID, 10),
			After:    map[string]any{"code": code, "priority": priority},
		})

		ticket, err = fetchTicket(ctx, tx, ticketID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return ticket, nil
}

// CallNext assigns the next waiting ticket to the calling terminal, or
// returns nil when the queue is empty. Selection skips rows locked by other
// in-flight calls, so N concurrent callers receive N distinct tickets.
func (d *Dispatcher) CallNext(ctx context.Context, locationID int64, terminalID int, userID int64) (*models.QueueTicket, error) {
	if locationID <= 0 {
		return nil, models.NewValidationError("location_id", "required")
	}
	if terminalID <= 0 {
		return nil, models.NewValidationError("terminal_id", "required")
	}
	if userID <= 0 {
		return nil, models.NewValidationError("user_id", "required")
	}

	var ticket *models.QueueTicket
	err := database.WithRetry(ctx, d.db, database.DispatchTxOptions(), func(tx *sqlx.Tx) error {
		ticket = nil

		var next models.QueueTicket
		err := tx.GetContext(ctx, &next,
			`SELECT id, location_id, code, priority, customer_id, status, called_terminal,
			        called_by, cancel_reason, created_at, called_at, completed_at
			 FROM queue_tickets
			 WHERE location_id = $1 AND status = $2
			 ORDER BY CASE priority WHEN $3 THEN 0 ELSE 1 END, created_at, id
			 FOR UPDATE SKIP LOCKED
			 LIMIT 1`,
			locationID, models.TicketStatusWaiting, models.PriorityPreferential)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil // empty queue is a result, not an error
			}
			return fmt.Errorf("select next ticket: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE queue_tickets
			 SET status = $1, called_terminal = $2, called_by = $3, called_at = NOW()
			 WHERE id = $4`,
			models.TicketStatusCalled, terminalID, userID, next.ID)
		if err != nil {
			return fmt.Errorf("mark ticket called: %w", err)
		}

		ticket, err = fetchTicket(ctx, tx, next.ID)
		if err != nil {
			return err
		}

		var waitSeconds int64
		if ticket.CalledAt != nil {
			waitSeconds = int64(ticket.CalledAt.Sub(ticket.CreatedAt).Seconds())
		}
		audit.Record(ctx, tx, audit.Entry{
			Action:   audit.ActionQueueCall,
			ActorID:  userID,
			Entity:   "queue_ticket",
			EntityID: strconv.FormatInt(ticket.ID, 10),
			After: map[string]any{
				"code":         ticket.Code,
				"terminal_id":  terminalID,
				"wait_seconds": waitSeconds,
			},
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	if ticket != nil {
		d.notifier.Publish(ctx, "queue.called", ticket)
	}
	return ticket, nil
}

// Complete marks a called ticket as served and records the service time.
func (d *Dispatcher) Complete(ctx context.Context, ticketID, userID int64) (*models.QueueTicket, error) {
	if ticketID <= 0 {
		return nil, models.NewValidationError("ticket_id", "required")
	}

	var ticket *models.QueueTicket
	err := database.WithRetry(ctx, d.db, database.DispatchTxOptions(), func(tx *sqlx.Tx) error {
		current, err := lockTicket(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if current.Status != models.TicketStatusCalled {
			return models.NewBusinessRuleError("invalid_transition",
				fmt.Sprintf("ticket is %s, only called tickets can be completed", current.Status))
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE queue_tickets SET status = $1, completed_at = NOW() WHERE id = $2`,
			models.TicketStatusCompleted, ticketID)
		if err != nil {
			return fmt.Errorf("complete ticket: %w", err)
		}

		ticket, err = fetchTicket(ctx, tx, ticketID)
		if err != nil {
			return err
		}

		var serviceSeconds int64
		if ticket.CompletedAt != nil && ticket.CalledAt != nil {
			serviceSeconds = int64(ticket.CompletedAt.Sub(*ticket.CalledAt).Seconds())
		}
		audit.Record(ctx, tx, audit.Entry{
			Action:   audit.ActionQueueComplete,
			ActorID:  userID,
			Entity:   "queue_ticket",
			EntityID: strconv.FormatInt(ticket.ID, 10),
			After: map[string]any{
				"code":            ticket.Code,
				"service_seconds": serviceSeconds,
			},
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return ticket, nil
}

// Cancel drops a waiting or called ticket with a mandatory reason.
func (d *Dispatcher) Cancel(ctx context.Context, ticketID, userID int64, reason string) (*models.QueueTicket, error) {
	if ticketID <= 0 {
		return nil, models.NewValidationError("ticket_id", "required")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, models.NewValidationError("reason", "required")
	}

	var ticket *models.QueueTicket
	err := database.WithRetry(ctx, d.db, database.DispatchTxOptions(), func(tx *sqlx.Tx) error {
		current, err := lockTicket(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		switch current.Status {
		case models.TicketStatusWaiting, models.TicketStatusCalled:
		default:
			return models.NewBusinessRuleError("invalid_transition",
				fmt.Sprintf("ticket is %s and cannot be cancelled", current.Status))
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE queue_tickets SET status = $1, cancel_reason = $2 WHERE id = $3`,
			models.TicketStatusCancelled, reason, ticketID)
		if err != nil {
			return fmt.Errorf("cancel ticket: %w", err)
		}

		audit.Record(ctx, tx, audit.Entry{
			Action:        audit.ActionQueueCancel,
			ActorID:       userID,
			Entity:        "queue_ticket",
			EntityID:      strconv.FormatInt(ticketID, 10),
			Before:        map[string]any{"status": current.Status},
			After:         map[string]any{"status": models.TicketStatusCancelled},
			Justification: reason,
		})

		ticket, err = fetchTicket(ctx, tx, ticketID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return ticket, nil
}

// RequeueNoShows returns tickets stuck in called state past the grace window
// back to waiting. They keep their original creation time, so they stay at
// the front of their class. Runs on the scheduler.
func (d *Dispatcher) RequeueNoShows(ctx context.Context) (int, error) {
	var requeued []struct {
		ID   int64  `db:"id"`
		Code string `db:"code"`
	}

	err := database.WithRetry(ctx, d.db, database.DispatchTxOptions(), func(tx *sqlx.Tx) error {
		requeued = requeued[:0]
		err := tx.SelectContext(ctx, &requeued,
			`UPDATE queue_tickets
			 SET status = $1, called_terminal = NULL, called_by = NULL, called_at = NULL
			 WHERE status = $2 AND called_at < NOW() - ($3 * INTERVAL '1 second')
			 RETURNING id, code`,
			models.TicketStatusWaiting, models.TicketStatusCalled,
			int64(d.cfg.NoShowGrace.Seconds()))
		if err != nil {
			return fmt.Errorf("requeue no-shows: %w", err)
		}

		for _, t := range requeued {
			audit.Record(ctx, tx, audit.Entry{
				Action:   audit.ActionQueueRequeue,
				Entity:   "queue_ticket",
				EntityID: strconv.FormatInt(t.ID, 10),
				Before:   map[string]any{"status": models.TicketStatusCalled},
				After:    map[string]any{"status": models.TicketStatusWaiting, "code": t.Code},
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(requeued), nil
}

// PurgeDay cancels every ticket still waiting or called at closing time and
// leaves one summary audit entry. Counters restart naturally: they are keyed
// by day.
func (d *Dispatcher) PurgeDay(ctx context.Context) (int, error) {
	var purged int64

	err := database.WithRetry(ctx, d.db, database.DispatchTxOptions(), func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE queue_tickets
			 SET status = $1, cancel_reason = $2
			 WHERE status IN ($3, $4)`,
			models.TicketStatusCancelled, "end of day purge",
			models.TicketStatusWaiting, models.TicketStatusCalled)
		if err != nil {
			return fmt.Errorf("purge day: %w", err)
		}
		purged, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}

		if purged > 0 {
			audit.Record(ctx, tx, audit.Entry{
				Action:   audit.ActionQueuePurge,
				Entity:   "queue_ticket",
				EntityID: "*",
				After:    map[string]any{"cancelled": purged},
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return int(purged), nil
}

func formatCode(priority string, n int) string {
	prefix := "G"
	if priority == models.PriorityPreferential {
		prefix = "P"
	}
	return fmt.Sprintf("%s-%03d", prefix, n)
}

func lockTicket(ctx context.Context, tx *sqlx.Tx, id int64) (*models.QueueTicket, error) {
	var ticket models.QueueTicket
	err := tx.GetContext(ctx, &ticket,
		`SELECT id, location_id, code, priority, customer_id, status, called_terminal,
		        called_by, cancel_reason, created_at, called_at, completed_at
		 FROM queue_tickets
		 WHERE id = $1
		 FOR UPDATE NOWAIT`,
		id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrTicketNotFound
		}
		return nil, fmt.Errorf("lock ticket %d: %w", id, err)
	}
	return &ticket, nil
}

func fetchTicket(ctx context.Context, tx *sqlx.Tx, id int64) (*models.QueueTicket, error) {
	var ticket models.QueueTicket
	err := tx.GetContext(ctx, &ticket,
		`SELECT id, location_id, code, priority, customer_id, status, called_terminal,
		        called_by, cancel_reason, created_at, called_at, completed_at
		 FROM queue_tickets
		 WHERE id = $1`,
		id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrTicketNotFound
		}
		return nil, fmt.Errorf("fetch ticket: %w", err)
	}
	return &ticket, nil
}
