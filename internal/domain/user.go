package domain

import "time"

// MFAFactor enumerates the second factors a user may have configured.
type MFAFactor string

const (
	MFAFactorTOTP     MFAFactor = "totp"
	MFAFactorEmail    MFAFactor = "email"
	MFAFactorWebAuthn MFAFactor = "webauthn"
)

// User is a standing account that may own devices and belong to groups.
type User struct {
	ID           string `json:"id" db:"id"`
	Email        string `json:"email" db:"email"`
	IsActive     bool   `json:"is_active" db:"is_active"`
	IsEnrolled   bool   `json:"is_enrolled" db:"is_enrolled"`
	PasswordHash string `json:"-" db:"password_hash"`
	TOTPSecret   string `json:"-" db:"totp_secret"`
	// WebAuthnCredentials holds the user's registered passkeys as opaque
	// encoded credential records; the core stores and counts them, the
	// WebAuthn ceremony itself is verified by an external collaborator.
	WebAuthnCredentials []string  `json:"-" db:"webauthn_credentials"`
	MFAMethod           MFAFactor `json:"mfa_method,omitempty" db:"mfa_method"`
	RecoveryCodes       []string  `json:"-" db:"recovery_codes"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// Redacted strips every credential-bearing field.
func (u User) Redacted() User {
	u.PasswordHash = ""
	u.TOTPSecret = ""
	u.WebAuthnCredentials = nil
	u.RecoveryCodes = nil
	return u
}

// HasFactor reports whether the user has the given MFA factor configured.
func (u User) HasFactor(f MFAFactor) bool {
	switch f {
	case MFAFactorTOTP:
		return u.TOTPSecret != ""
	case MFAFactorEmail:
		return u.Email != ""
	case MFAFactorWebAuthn:
		return len(u.WebAuthnCredentials) > 0
	default:
		return false
	}
}

// Group is a named collection of users, used both for access control
// (LocationAllowedGroup) and for ACL rule targeting.
type Group struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	IsAdmin   bool      `json:"is_admin" db:"is_admin"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// GroupMembership is the many-to-many of User x Group.
type GroupMembership struct {
	GroupID string `json:"group_id" db:"group_id"`
	UserID  string `json:"user_id" db:"user_id"`
}

// LocationAllowedGroup restricts which users' devices a location admits;
// an empty set for a location means every active user is admitted.
type LocationAllowedGroup struct {
	LocationID string `json:"location_id" db:"location_id"`
	GroupID    string `json:"group_id" db:"group_id"`
}
