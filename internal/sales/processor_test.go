package sales

import (
	"context"
	"errors"
	"testing"

	"github.com/vallenar/pos-core/internal/models"
)

func TestComputeTotals(t *testing.T) {
	got := computeTotals([]LineRequest{
		{Quantity: 2, UnitPrice: 5000, Discount: 1000},
		{Quantity: 1, UnitPrice: 990, Discount: 0},
		{Quantity: 3, UnitPrice: 100, Discount: 50},
	})
	if got.Subtotal != 2*5000+990+3*100 {
		t.Errorf("subtotal: got %d, want %d", got.Subtotal, 2*5000+990+3*100)
	}
	if got.ItemDiscounts != 1050 {
		t.Errorf("item discounts: got %d, want 1050", got.ItemDiscounts)
	}
}

func TestFinalTotalClampsAtZero(t *testing.T) {
	if got := finalTotal(1000, 300, 200); got != 500 {
		t.Errorf("got %d, want 500", got)
	}
	if got := finalTotal(1000, 800, 300); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestRefundAmountProportionalDiscount(t *testing.T) {
	cases := []struct {
		name                        string
		unitPrice, discount         int64
		lineQuantity, refundedUnits int
		want                        int64
	}{
		{"no discount", 1500, 0, 3, 2, 3000},
		{"full line", 1000, 600, 3, 3, 2400},
		{"partial with floor", 1000, 500, 3, 1, 834},
		{"single unit line", 990, 90, 1, 1, 900},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := refundAmount(tc.unitPrice, tc.discount, tc.lineQuantity, tc.refundedUnits)
			if got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestValidateCreateRejections(t *testing.T) {
	base := func() CreateSaleRequest {
		return CreateSaleRequest{
			LocationID:    1,
			TerminalID:    1,
			SessionID:     1,
			UserID:        1,
			PaymentMethod: models.PaymentCash,
			Items:         []LineRequest{{BatchID: 1, Quantity: 1, UnitPrice: 1000}},
		}
	}

	cases := []struct {
		name   string
		mutate func(*CreateSaleRequest)
	}{
		{"no items", func(r *CreateSaleRequest) { r.Items = nil }},
		{"zero quantity", func(r *CreateSaleRequest) { r.Items[0].Quantity = 0 }},
		{"zero price", func(r *CreateSaleRequest) { r.Items[0].UnitPrice = 0 }},
		{"negative discount", func(r *CreateSaleRequest) { r.Items[0].Discount = -1 }},
		{"discount over line total", func(r *CreateSaleRequest) { r.Items[0].Discount = 1001 }},
		{"unknown payment method", func(r *CreateSaleRequest) { r.PaymentMethod = "check" }},
		{"manual line without description", func(r *CreateSaleRequest) { r.Items[0].BatchID = 0 }},
		{"points without customer", func(r *CreateSaleRequest) { r.PointsToRedeem = 100 }},
		{"discounts exceed subtotal", func(r *CreateSaleRequest) {
			r.CustomerID = 1
			r.Items[0].Discount = 600
			r.PointsToRedeem = 600
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base()
			tc.mutate(&req)
			err := validateCreate(req)
			var verr *models.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("got %v, want ValidationError", err)
			}
		})
	}

	if err := validateCreate(base()); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}

func TestVoidRejectsShortReasonBeforeAnyWork(t *testing.T) {
	// Nine characters: one short of the minimum. The processor has no
	// database or validator wired, so reaching either would panic; the
	// rejection must happen first.
	p := &Processor{}
	_, err := p.Void(context.Background(), VoidSaleRequest{
		SaleID:  1,
		ActorID: 1,
		Reason:  "123456789",
	})
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want ValidationError", err)
	}
}

func TestMergeRefundLines(t *testing.T) {
	merged, err := mergeRefundLines([]RefundLineRequest{
		{SaleItemID: 5, Quantity: 1},
		{SaleItemID: 2, Quantity: 2},
		{SaleItemID: 5, Quantity: 3},
	})
	if err != nil {
		t.Fatalf("mergeRefundLines: %v", err)
	}
	want := []RefundLineRequest{{SaleItemID: 2, Quantity: 2}, {SaleItemID: 5, Quantity: 4}}
	if len(merged) != len(want) {
		t.Fatalf("got %d lines, want %d", len(merged), len(want))
	}
	for i, line := range merged {
		if line != want[i] {
			t.Errorf("line %d: got %+v, want %+v", i, line, want[i])
		}
	}

	if _, err := mergeRefundLines(nil); err == nil {
		t.Error("empty refund accepted")
	}
	if _, err := mergeRefundLines([]RefundLineRequest{{SaleItemID: 1, Quantity: 0}}); err == nil {
		t.Error("zero quantity accepted")
	}
}
