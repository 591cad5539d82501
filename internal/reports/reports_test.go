package reports

import (
	"testing"
	"time"
)

func TestCursorRoundTrip(t *testing.T) {
	original := SaleCursor{
		CreatedAt: time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC),
		ID:        535897,
	}

	decoded, err := DecodeCursor(EncodeCursor(original))
	if err != nil {
		t.Fatalf("DecodeCursor: %v", err)
	}
	if !decoded.CreatedAt.Equal(original.CreatedAt) || decoded.ID != original.ID {
		t.Errorf("round trip = %+v, want %+v", decoded, original)
	}
}

func TestDecodeCursorEmptyStartsAtNewest(t *testing.T) {
	before := time.Now()
	cursor, err := DecodeCursor("")
	if err != nil {
		t.Fatalf("DecodeCursor: %v", err)
	}
	if cursor.CreatedAt.Before(before) {
		t.Errorf("empty cursor CreatedAt = %v, want >= %v", cursor.CreatedAt, before)
	}
	if cursor.ID != int64(1<<63-1) {
		t.Errorf("empty cursor ID = %d, want max int64", cursor.ID)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	if _, err := DecodeCursor("not base64!!!"); err == nil {
		t.Error("expected error for malformed cursor")
	}
}

func TestNormalizeLimit(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, defaultPageSize},
		{-3, defaultPageSize},
		{25, 25},
		{maxPageSize, maxPageSize},
		{maxPageSize + 1, maxPageSize},
	}

	for _, tt := range tests {
		if got := normalizeLimit(tt.in); got != tt.want {
			t.Errorf("normalizeLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
