package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vallenar/pos-core/internal/auth"
	"github.com/vallenar/pos-core/internal/cash"
	"github.com/vallenar/pos-core/internal/database"
	"github.com/vallenar/pos-core/internal/models"
	"github.com/vallenar/pos-core/internal/reports"
	"github.com/vallenar/pos-core/internal/sales"
)

func TestListSalesCursorPagination(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	processor := newProcessor(db)
	reporter := reports.NewService(db)
	session := openTestSession(t, newLedger(db), 1, 10000)

	const totalSales = 15
	for i := 0; i < totalSales; i++ {
		_, err := processor.Create(ctx, sales.CreateSaleRequest{
			LocationID:    seedLocationID,
			TerminalID:    1,
			SessionID:     session.ID,
			UserID:        seedCashierID,
			PaymentMethod: models.PaymentCash,
			Items: []sales.LineRequest{
				{Description: "Delivery fee", Quantity: 1, UnitPrice: int64(1000 + i)},
			},
		})
		if err != nil {
			t.Fatalf("Create sale %d: %v", i, err)
		}
	}

	firstPage, err := reporter.ListSales(ctx, reports.SaleFilter{}, "", 10)
	if err != nil {
		t.Fatalf("List first page: %v", err)
	}
	firstSales, ok := firstPage.Items.([]models.Sale)
	if !ok {
		t.Fatalf("Expected []models.Sale items, got %T", firstPage.Items)
	}
	if len(firstSales) != 10 {
		t.Errorf("Expected 10 sales on first page, got %d", len(firstSales))
	}
	if !firstPage.HasMore || firstPage.NextCursor == "" {
		t.Error("Expected first page to report more results")
	}
	for _, sale := range firstSales {
		if len(sale.Items) != 1 {
			t.Errorf("Expected sale %d hydrated with 1 item, got %d", sale.ID, len(sale.Items))
		}
	}

	secondPage, err := reporter.ListSales(ctx, reports.SaleFilter{}, firstPage.NextCursor, 10)
	if err != nil {
		t.Fatalf("List second page: %v", err)
	}
	secondSales := secondPage.Items.([]models.Sale)
	if len(secondSales) != 5 {
		t.Errorf("Expected 5 sales on second page, got %d", len(secondSales))
	}
	if secondPage.HasMore || secondPage.NextCursor != "" {
		t.Error("Expected second page to be the last")
	}

	seen := make(map[int64]bool)
	for _, sale := range append(firstSales, secondSales...) {
		if seen[sale.ID] {
			t.Errorf("Sale %d appeared on both pages", sale.ID)
		}
		seen[sale.ID] = true
	}
	if len(seen) != totalSales {
		t.Errorf("Expected %d distinct sales across pages, got %d", totalSales, len(seen))
	}

	_, err = reporter.ListSales(ctx, reports.SaleFilter{}, "not base64!", 10)
	var valErr *models.ValidationError
	if !errors.As(err, &valErr) {
		t.Errorf("Expected ValidationError for malformed cursor, got %v", err)
	}
}

func TestListSalesFilters(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	processor := newProcessor(db)
	reporter := reports.NewService(db)
	session := openTestSession(t, newLedger(db), 1, 10000)

	createSale := func(method string, price int64) *models.Sale {
		t.Helper()
		sale, err := processor.Create(ctx, sales.CreateSaleRequest{
			LocationID:    seedLocationID,
			TerminalID:    1,
			SessionID:     session.ID,
			UserID:        seedCashierID,
			PaymentMethod: method,
			Items: []sales.LineRequest{
				{Description: "Delivery fee", Quantity: 1, UnitPrice: price},
			},
		})
		if err != nil {
			t.Fatalf("Create %s sale: %v", method, err)
		}
		return sale
	}

	cashSale := createSale(models.PaymentCash, 1000)
	createSale(models.PaymentCard, 2000)
	createSale(models.PaymentTransfer, 3000)

	page, err := reporter.ListSales(ctx, reports.SaleFilter{Methods: []string{models.PaymentCard}}, "", 10)
	if err != nil {
		t.Fatalf("List card sales: %v", err)
	}
	cardSales := page.Items.([]models.Sale)
	if len(cardSales) != 1 || cardSales[0].PaymentMethod != models.PaymentCard {
		t.Errorf("Expected exactly the card sale, got %+v", cardSales)
	}

	if _, err := processor.Void(ctx, sales.VoidSaleRequest{
		SaleID:     cashSale.ID,
		Reason:     "till training transaction",
		ActorID:    seedCashierID,
		Credential: auth.Credential{HolderID: seedSupervisorID, PIN: pinSupervisor},
	}); err != nil {
		t.Fatalf("Void cash sale: %v", err)
	}

	page, err = reporter.ListSales(ctx, reports.SaleFilter{Statuses: []string{models.SaleStatusVoided}}, "", 10)
	if err != nil {
		t.Fatalf("List voided sales: %v", err)
	}
	voided := page.Items.([]models.Sale)
	if len(voided) != 1 || voided[0].ID != cashSale.ID {
		t.Errorf("Expected only the voided sale, got %+v", voided)
	}

	page, err = reporter.ListSales(ctx, reports.SaleFilter{SessionID: session.ID + 1}, "", 10)
	if err != nil {
		t.Fatalf("List foreign session sales: %v", err)
	}
	if got := page.Items.([]models.Sale); len(got) != 0 {
		t.Errorf("Expected no sales for another session, got %d", len(got))
	}
}

func TestSessionReport(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	processor := newProcessor(db)
	ledger := newLedger(db)
	reporter := reports.NewService(db)
	session := openTestSession(t, ledger, 2, 10000)

	for _, s := range []struct {
		method string
		price  int64
	}{
		{models.PaymentCash, 5000},
		{models.PaymentCard, 2000},
	} {
		if _, err := processor.Create(ctx, sales.CreateSaleRequest{
			LocationID:    seedLocationID,
			TerminalID:    2,
			SessionID:     session.ID,
			UserID:        seedCashierID,
			PaymentMethod: s.method,
			Items: []sales.LineRequest{
				{Description: "Delivery fee", Quantity: 1, UnitPrice: s.price},
			},
		}); err != nil {
			t.Fatalf("Create %s sale: %v", s.method, err)
		}
	}
	if _, err := ledger.Adjust(ctx, cash.AdjustRequest{
		SessionID: session.ID,
		ActorID:   seedCashierID,
		Amount:    1000,
		Reason:    "change from safe",
	}); err != nil {
		t.Fatalf("Adjust: %v", err)
	}

	report, err := reporter.SessionReport(ctx, session.ID)
	if err != nil {
		t.Fatalf("SessionReport: %v", err)
	}
	if report.Session.ID != session.ID {
		t.Errorf("Expected session %d, got %d", session.ID, report.Session.ID)
	}
	if len(report.Movements) != 2 {
		t.Errorf("Expected 2 movements (opening, adjustment), got %d", len(report.Movements))
	}
	if report.Movements[0].Kind != models.MovementOpening {
		t.Errorf("Expected opening movement first, got %s", report.Movements[0].Kind)
	}
	if report.SaleCount != 2 {
		t.Errorf("Expected 2 sales, got %d", report.SaleCount)
	}
	if report.SalesTotal != 7000 {
		t.Errorf("Expected sales total 7000, got %d", report.SalesTotal)
	}
	if report.CashSales != 5000 {
		t.Errorf("Expected cash sales 5000, got %d", report.CashSales)
	}

	if _, err := reporter.SessionReport(ctx, 999); !errors.Is(err, database.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestDailySummary(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	processor := newProcessor(db)
	reporter := reports.NewService(db)
	session := openTestSession(t, newLedger(db), 1, 10000)

	createSale := func(method string, price int64) *models.Sale {
		t.Helper()
		sale, err := processor.Create(ctx, sales.CreateSaleRequest{
			LocationID:    seedLocationID,
			TerminalID:    1,
			SessionID:     session.ID,
			UserID:        seedCashierID,
			PaymentMethod: method,
			Items: []sales.LineRequest{
				{Description: "Delivery fee", Quantity: 1, UnitPrice: price},
			},
		})
		if err != nil {
			t.Fatalf("Create %s sale: %v", method, err)
		}
		return sale
	}

	createSale(models.PaymentCash, 5000)
	cardSale := createSale(models.PaymentCard, 3000)
	trainingSale := createSale(models.PaymentCash, 2000)

	supervisor := auth.Credential{HolderID: seedSupervisorID, PIN: pinSupervisor}
	if _, err := processor.Void(ctx, sales.VoidSaleRequest{
		SaleID:     trainingSale.ID,
		Reason:     "till training transaction",
		ActorID:    seedCashierID,
		Credential: supervisor,
	}); err != nil {
		t.Fatalf("Void sale: %v", err)
	}
	if _, err := processor.Refund(ctx, sales.RefundSaleRequest{
		SaleID:     cardSale.ID,
		Reason:     "customer returned the product",
		ActorID:    seedCashierID,
		Credential: supervisor,
		Lines:      []sales.RefundLineRequest{{SaleItemID: cardSale.Items[0].ID, Quantity: 1}},
	}); err != nil {
		t.Fatalf("Refund sale: %v", err)
	}

	summary, err := reporter.DailySummary(ctx, seedLocationID, time.Now())
	if err != nil {
		t.Fatalf("DailySummary: %v", err)
	}

	if summary.SaleCount != 2 {
		t.Errorf("Expected 2 non-voided sales, got %d", summary.SaleCount)
	}
	if summary.GrossTotal != 8000 {
		t.Errorf("Expected gross total 8000, got %d", summary.GrossTotal)
	}
	if summary.VoidCount != 1 || summary.VoidedTotal != 2000 {
		t.Errorf("Expected 1 void totalling 2000, got %d / %d", summary.VoidCount, summary.VoidedTotal)
	}
	if summary.RefundTotal != 3000 {
		t.Errorf("Expected refund total 3000, got %d", summary.RefundTotal)
	}

	if len(summary.ByMethod) != 2 {
		t.Fatalf("Expected 2 payment methods, got %+v", summary.ByMethod)
	}
	if summary.ByMethod[0].Method != models.PaymentCard || summary.ByMethod[0].Total != 3000 {
		t.Errorf("Unexpected card summary %+v", summary.ByMethod[0])
	}
	if summary.ByMethod[1].Method != models.PaymentCash || summary.ByMethod[1].Total != 5000 {
		t.Errorf("Unexpected cash summary %+v", summary.ByMethod[1])
	}
}
