package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/crypto/bcrypt"

	"github.com/vallenar/pos-core/internal/auth"
	"github.com/vallenar/pos-core/internal/cash"
	"github.com/vallenar/pos-core/internal/config"
	"github.com/vallenar/pos-core/internal/models"
	"github.com/vallenar/pos-core/internal/notify"
	"github.com/vallenar/pos-core/internal/queue"
	"github.com/vallenar/pos-core/internal/sales"
)

// Seed rows inserted by seedBaseData, in insertion order.
const (
	seedLocationID   = int64(1)
	seedCashierID    = int64(1)
	seedSupervisorID = int64(2)
	seedAdminID      = int64(3)
	seedLegacyID     = int64(4)
	seedCustomerID   = int64(1)
	seedBatchPara    = int64(1) // qty 100, sale price 1500
	seedBatchIbu     = int64(2) // qty 10, sale price 2490

	pinCashier    = "1111"
	pinSupervisor = "2222"
	pinAdmin      = "3333"
	pinLegacy     = "4444"
)

func setupTestDB(t *testing.T) (*sqlx.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	if err := runMigrations(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	seedBaseData(t, db)

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("Failed to close database: %v", err)
		}
		if err := postgres.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return db, cleanup
}

func runMigrations(db *sqlx.DB) error {
	migrationDir := "../../migrations"
	files, err := os.ReadDir(migrationDir)
	if err != nil {
		return fmt.Errorf("read migration directory: %w", err)
	}

	var migrationFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".up.sql") {
			migrationFiles = append(migrationFiles, file.Name())
		}
	}

	sort.Strings(migrationFiles)

	for _, filename := range migrationFiles {
		filePath := filepath.Join(migrationDir, filename)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", filename, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", filename, err)
		}
	}

	return nil
}

func seedBaseData(t *testing.T, db *sqlx.DB) {
	t.Helper()

	mustExec(t, db, `INSERT INTO locations (name) VALUES ('Pharmacy Central')`)

	users := []struct {
		name string
		role string
		pin  string
	}{
		{"Ana Cashier", models.RoleCashier, pinCashier},
		{"Sam Supervisor", models.RoleSupervisor, pinSupervisor},
		{"Alex Admin", models.RoleAdmin, pinAdmin},
	}
	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.pin), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("Hash pin: %v", err)
		}
		mustExec(t, db, `INSERT INTO users (name, role, pin_hash) VALUES ($1, $2, $3)`,
			u.name, u.role, string(hash))
	}
	mustExec(t, db, `INSERT INTO users (name, role, legacy_pin) VALUES ('Lee Legacy', $1, $2)`,
		models.RoleCashier, pinLegacy)

	mustExec(t, db, `INSERT INTO customers (name, document, loyalty_points) VALUES ('Casey Member', '11111111-1', 500)`)

	mustExec(t, db, `INSERT INTO products (sku, name) VALUES ('SKU-PARA', 'Paracetamol 500mg'), ('SKU-IBU', 'Ibuprofen 400mg')`)
	mustExec(t, db, `INSERT INTO inventory_batches (location_id, product_id, quantity, unit_cost, sale_price) VALUES
		(1, 1, 100, 500, 1500),
		(1, 2, 10, 800, 2490)`)
}

func mustExec(t *testing.T, db *sqlx.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("Seed exec failed: %v\nquery: %s", err, query)
	}
}

// Subsystem builders with test-friendly settings.

func newValidator(db *sqlx.DB) *auth.Validator {
	return auth.NewValidator(db, auth.NewAttemptLimiter(5, time.Minute))
}

func newProcessor(db *sqlx.DB) *sales.Processor {
	return sales.NewProcessor(db, newValidator(db), notify.LogSink{}, 1000)
}

func testCashConfig() config.CashConfig {
	return config.CashConfig{
		AdjustPINThreshold:        10000,
		AdjustSupervisorThreshold: 50000,
		CloseTolerance:            500,
		CloseWarningPct:           "1.5",
	}
}

func newLedger(db *sqlx.DB) *cash.Ledger {
	return cash.NewLedger(db, newValidator(db), notify.LogSink{}, testCashConfig())
}

func newDispatcher(db *sqlx.DB, grace time.Duration) *queue.Dispatcher {
	return queue.NewDispatcher(db, notify.LogSink{}, config.QueueConfig{NoShowGrace: grace})
}

func openTestSession(t *testing.T, ledger *cash.Ledger, terminal int, opening int64) *models.CashSession {
	t.Helper()
	session, err := ledger.Open(context.Background(), cash.OpenRequest{
		LocationID:    seedLocationID,
		TerminalID:    terminal,
		OperatorID:    seedCashierID,
		OpeningAmount: opening,
	})
	if err != nil {
		t.Fatalf("Open session: %v", err)
	}
	return session
}

func batchQuantity(t *testing.T, db *sqlx.DB, id int64) int {
	t.Helper()
	var qty int
	if err := db.Get(&qty, `SELECT quantity FROM inventory_batches WHERE id = $1`, id); err != nil {
		t.Fatalf("Get batch quantity: %v", err)
	}
	return qty
}

func customerPoints(t *testing.T, db *sqlx.DB, id int64) int64 {
	t.Helper()
	var points int64
	if err := db.Get(&points, `SELECT loyalty_points FROM customers WHERE id = $1`, id); err != nil {
		t.Fatalf("Get customer points: %v", err)
	}
	return points
}

func auditCount(t *testing.T, db *sqlx.DB, action string) int {
	t.Helper()
	var n int
	if err := db.Get(&n, `SELECT COUNT(*) FROM audit_log WHERE action = $1`, action); err != nil {
		t.Fatalf("Count audit entries: %v", err)
	}
	return n
}
