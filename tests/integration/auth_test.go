package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vallenar/pos-core/internal/auth"
	"github.com/vallenar/pos-core/internal/models"
)

func TestValidatorDirectMode(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	validator := newValidator(db)

	user, err := validator.Validate(ctx, auth.Credential{HolderID: seedCashierID, PIN: pinCashier})
	if err != nil {
		t.Fatalf("Validate correct PIN: %v", err)
	}
	if user.ID != seedCashierID || user.Role != models.RoleCashier {
		t.Errorf("Expected cashier %d, got %+v", seedCashierID, user)
	}

	cases := []struct {
		name string
		cred auth.Credential
	}{
		{"wrong pin", auth.Credential{HolderID: seedCashierID, PIN: "9999"}},
		{"empty pin", auth.Credential{HolderID: seedCashierID}},
		{"unknown holder", auth.Credential{HolderID: 999, PIN: pinCashier}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := validator.Validate(ctx, tc.cred)
			var authErr *models.AuthorizationError
			if !errors.As(err, &authErr) {
				t.Errorf("Expected AuthorizationError, got %v", err)
			}
		})
	}

	// Deactivated holders fail the same way as unknown ones.
	mustExec(t, db, `INSERT INTO users (name, role, legacy_pin, active) VALUES ('Gone Glenn', 'cashier', '5555', FALSE)`)
	var goneID int64
	if err := db.Get(&goneID, `SELECT id FROM users WHERE name = 'Gone Glenn'`); err != nil {
		t.Fatalf("Fetch deactivated user: %v", err)
	}
	_, err = validator.Validate(ctx, auth.Credential{HolderID: goneID, PIN: "5555"})
	var authErr *models.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Errorf("Expected AuthorizationError for inactive user, got %v", err)
	}
}

func TestValidatorRoleCheck(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	validator := newValidator(db)

	// A correct PIN in the wrong role fails with the same generic error as a
	// wrong PIN.
	_, err := validator.Validate(ctx, auth.Credential{HolderID: seedCashierID, PIN: pinCashier},
		models.RoleSupervisor, models.RoleAdmin)
	var authErr *models.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected AuthorizationError for out-of-role holder, got %v", err)
	}

	user, err := validator.Validate(ctx, auth.Credential{HolderID: seedSupervisorID, PIN: pinSupervisor},
		models.RoleSupervisor, models.RoleAdmin)
	if err != nil {
		t.Fatalf("Validate supervisor: %v", err)
	}
	if user.Role != models.RoleSupervisor {
		t.Errorf("Expected supervisor role, got %s", user.Role)
	}
}

func TestValidatorScanMode(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	validator := newValidator(db)

	user, err := validator.Validate(ctx, auth.Credential{PIN: pinSupervisor},
		models.RoleSupervisor, models.RoleAdmin)
	if err != nil {
		t.Fatalf("Scan for supervisor PIN: %v", err)
	}
	if user.ID != seedSupervisorID {
		t.Errorf("Expected supervisor %d, got %d", seedSupervisorID, user.ID)
	}

	user, err = validator.Validate(ctx, auth.Credential{PIN: pinAdmin},
		models.RoleSupervisor, models.RoleAdmin)
	if err != nil {
		t.Fatalf("Scan for admin PIN: %v", err)
	}
	if user.ID != seedAdminID {
		t.Errorf("Expected admin %d, got %d", seedAdminID, user.ID)
	}

	// A cashier PIN is never accepted by a supervisor-tier scan.
	_, err = validator.Validate(ctx, auth.Credential{PIN: pinCashier},
		models.RoleSupervisor, models.RoleAdmin)
	var authErr *models.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Errorf("Expected AuthorizationError for cashier PIN, got %v", err)
	}

	// Scan mode without a role set has nothing to scan against.
	_, err = validator.Validate(ctx, auth.Credential{PIN: pinSupervisor})
	if !errors.As(err, &authErr) {
		t.Errorf("Expected AuthorizationError for bare PIN without roles, got %v", err)
	}
}

func TestValidatorLegacyPIN(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	validator := newValidator(db)

	user, err := validator.Validate(ctx, auth.Credential{HolderID: seedLegacyID, PIN: pinLegacy})
	if err != nil {
		t.Fatalf("Validate legacy PIN: %v", err)
	}
	if user.ID != seedLegacyID {
		t.Errorf("Expected legacy user %d, got %d", seedLegacyID, user.ID)
	}

	_, err = validator.Validate(ctx, auth.Credential{HolderID: seedLegacyID, PIN: "0000"})
	var authErr *models.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Errorf("Expected AuthorizationError for wrong legacy PIN, got %v", err)
	}
}

func TestValidatorLockout(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	validator := auth.NewValidator(db, auth.NewAttemptLimiter(3, time.Minute))

	for i := 0; i < 3; i++ {
		_, err := validator.Validate(ctx, auth.Credential{HolderID: seedCashierID, PIN: "9999"})
		var authErr *models.AuthorizationError
		if !errors.As(err, &authErr) {
			t.Fatalf("Attempt %d: expected AuthorizationError, got %v", i+1, err)
		}
	}

	// The correct PIN is rejected while the holder is locked out.
	_, err := validator.Validate(ctx, auth.Credential{HolderID: seedCashierID, PIN: pinCashier})
	var authErr *models.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected lockout to reject the correct PIN, got %v", err)
	}

	// Other holders are unaffected.
	if _, err := validator.Validate(ctx, auth.Credential{HolderID: seedSupervisorID, PIN: pinSupervisor}); err != nil {
		t.Errorf("Expected other holders to validate during a lockout, got %v", err)
	}
}

func TestValidatorSuccessResetsFailures(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	validator := auth.NewValidator(db, auth.NewAttemptLimiter(3, time.Minute))

	for round := 0; round < 2; round++ {
		for i := 0; i < 2; i++ {
			if _, err := validator.Validate(ctx, auth.Credential{HolderID: seedCashierID, PIN: "9999"}); err == nil {
				t.Fatal("Expected wrong PIN to fail")
			}
		}
		if _, err := validator.Validate(ctx, auth.Credential{HolderID: seedCashierID, PIN: pinCashier}); err != nil {
			t.Fatalf("Round %d: expected success under the limit, got %v", round+1, err)
		}
	}
}
