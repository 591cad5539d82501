package queue

import (
	"testing"

	"github.com/vallenar/pos-core/internal/models"
)

func TestFormatCode(t *testing.T) {
	tests := []struct {
		priority string
		n        int
		want     string
	}{
		{models.PriorityGeneral, 1, "G-001"},
		{models.PriorityGeneral, 42, "G-042"},
		{models.PriorityPreferential, 7, "P-007"},
		{models.PriorityPreferential, 999, "P-999"},
		{models.PriorityGeneral, 1000, "G-1000"},
	}

	for _, tt := range tests {
		if got := formatCode(tt.priority, tt.n); got != tt.want {
			t.Errorf("formatCode(%q, %d) = %q, want %q", tt.priority, tt.n, got, tt.want)
		}
	}
}
