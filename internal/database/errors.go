package database

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

type ErrorClass int

const (
	ErrorClassPermanent ErrorClass = iota
	ErrorClassTransient
	ErrorClassDeadlock
	ErrorClassSerialization
)

func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassPermanent
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001":
			return ErrorClassSerialization
		case "40P01":
			return ErrorClassDeadlock
		case "55P03":
			return ErrorClassTransient
		case "23505", "23503", "23502", "23514":
			return ErrorClassPermanent
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrorClassPermanent
	}

	return ErrorClassPermanent
}

func IsRetryable(err error) bool {
	class := ClassifyError(err)
	return class == ErrorClassTransient ||
		class == ErrorClassDeadlock ||
		class == ErrorClassSerialization
}

// IsResourceBusy reports whether err came from a row lock that was already
// held (NOWAIT acquisition). The caller may retry the whole operation.
func IsResourceBusy(err error) bool {
	return ClassifyError(err) == ErrorClassTransient
}

// IsSerializationConflict reports whether err came from isolation-level
// conflict detection or a deadlock abort. The caller may retry.
func IsSerializationConflict(err error) bool {
	class := ClassifyError(err)
	return class == ErrorClassSerialization || class == ErrorClassDeadlock
}

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrBatchNotFound    = errors.New("inventory batch not found")
	ErrSaleNotFound     = errors.New("sale not found")
	ErrSessionNotFound  = errors.New("cash session not found")
	ErrTicketNotFound   = errors.New("queue ticket not found")
)
