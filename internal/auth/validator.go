package auth

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/vallenar/pos-core/internal/models"
)

// Credential is a presented PIN. HolderID selects direct mode (verify this
// user's PIN); a zero HolderID selects scan mode (accept the first active
// user in the required role set whose PIN matches, the supervisor override).
type Credential struct {
	HolderID int64  `json:"holder_id,omitempty"`
	PIN      string `json:"pin"`
}

// Validator answers credential checks against the user store without
// leaking which part of the check failed.
type Validator struct {
	db      *sqlx.DB
	limiter *AttemptLimiter
}

func NewValidator(db *sqlx.DB, limiter *AttemptLimiter) *Validator {
	return &Validator{db: db, limiter: limiter}
}

var (
	errInvalidCredentials = models.NewAuthorizationError("invalid credentials")
	errTemporarilyLocked  = models.NewAuthorizationError("credential temporarily locked")

	// ErrCredentialRequired is returned by callers that hit an authorization
	// tier without presenting any credential.
	ErrCredentialRequired = models.NewAuthorizationError("credential required")
)

// Validate checks cred and returns the authorizing user. With a non-empty
// role list the matched user must hold one of the roles. Every failure mode
// returns the same generic AuthorizationError.
func (v *Validator) Validate(ctx context.Context, cred Credential, roles ...string) (*models.User, error) {
	if cred.PIN == "" {
		return nil, errInvalidCredentials
	}
	if cred.HolderID != 0 {
		return v.validateHolder(ctx, cred, roles)
	}
	if len(roles) == 0 {
		return nil, errInvalidCredentials
	}
	return v.scanRoles(ctx, cred.PIN, roles)
}

func (v *Validator) validateHolder(ctx context.Context, cred Credential, roles []string) (*models.User, error) {
	key := holderKey(cred.HolderID)
	if v.limiter.Locked(key) {
		return nil, errTemporarilyLocked
	}

	var user models.User
	err := v.db.GetContext(ctx, &user,
		`SELECT id, name, role, pin_hash, legacy_pin, active, created_at
		 FROM users
		 WHERE id = $1 AND active`,
		cred.HolderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			v.limiter.RecordFailure(key)
			return nil, errInvalidCredentials
		}
		return nil, fmt.Errorf("load credential holder: %w", err)
	}

	if !matchPIN(&user, cred.PIN) {
		v.limiter.RecordFailure(key)
		return nil, errInvalidCredentials
	}
	v.limiter.Reset(key)

	if len(roles) > 0 && !roleIn(user.Role, roles) {
		return nil, errInvalidCredentials
	}
	return &user, nil
}

func (v *Validator) scanRoles(ctx context.Context, pin string, roles []string) (*models.User, error) {
	key := rolesKey(roles)
	if v.limiter.Locked(key) {
		return nil, errTemporarilyLocked
	}

	var candidates []models.User
	err := v.db.SelectContext(ctx, &candidates,
		`SELECT id, name, role, pin_hash, legacy_pin, active, created_at
		 FROM users
		 WHERE active AND role = ANY($1)
		 ORDER BY id`,
		pq.Array(roles))
	if err != nil {
		return nil, fmt.Errorf("load role holders: %w", err)
	}

	for i := range candidates {
		u := &candidates[i]
		if v.limiter.Locked(holderKey(u.ID)) {
			continue
		}
		if matchPIN(u, pin) {
			v.limiter.Reset(key)
			v.limiter.Reset(holderKey(u.ID))
			return u, nil
		}
	}

	v.limiter.RecordFailure(key)
	return nil, errInvalidCredentials
}

// matchPIN tries the hashed form first, then the legacy plaintext form for
// records that predate hashing. Constant-time comparison on the legacy path.
func matchPIN(u *models.User, pin string) bool {
	if u.PINHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(u.PINHash), []byte(pin)) == nil {
			return true
		}
	}
	if u.LegacyPIN != "" {
		return subtle.ConstantTimeCompare([]byte(u.LegacyPIN), []byte(pin)) == 1
	}
	return false
}

func roleIn(role string, set []string) bool {
	for _, r := range set {
		if r == role {
			return true
		}
	}
	return false
}

func holderKey(id int64) string {
	return fmt.Sprintf("user:%d", id)
}

func rolesKey(roles []string) string {
	sorted := make([]string, len(roles))
	copy(sorted, roles)
	sort.Strings(sorted)
	return "roles:" + strings.Join(sorted, ",")
}
