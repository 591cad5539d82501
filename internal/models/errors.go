package models

import (
	"fmt"
	"strings"
)

// ValidationError reports malformed or out-of-range input. Nothing has been
// read or written when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// AuthorizationError reports a failed credential or capability check. Reasons
// stay generic so responses cannot be used to probe PINs or roles.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string { return e.Reason }

func NewAuthorizationError(reason string) error {
	return &AuthorizationError{Reason: reason}
}

// Shortage describes one requested line the stock on hand could not cover.
type Shortage struct {
	BatchID   int64 `json:"batch_id"`
	ProductID int64 `json:"product_id"`
	Requested int   `json:"requested"`
	Available int   `json:"available"`
}

// BusinessRuleError rejects a well-formed request that violates a domain
// rule: insufficient stock, voiding an already-voided sale, refunding more
// than was sold. Shortages is populated only by the stock engine.
type BusinessRuleError struct {
	Rule      string
	Reason    string
	Shortages []Shortage
}

func (e *BusinessRuleError) Error() string {
	if len(e.Shortages) == 0 {
		return e.Reason
	}
	parts := make([]string, len(e.Shortages))
	for i, s := range e.Shortages {
		parts[i] = fmt.Sprintf("batch %d: requested %d, available %d", s.BatchID, s.Requested, s.Available)
	}
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(parts, "; "))
}

func NewBusinessRuleError(rule, reason string) error {
	return &BusinessRuleError{Rule: rule, Reason: reason}
}
