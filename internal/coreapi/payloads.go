// Package coreapi implements the proxy-facing request router: the
// proxyfabric.Handler that turns each proxyfabric.RequestType into a
// concrete call against the Token Service, Store Gateway repositories,
// and the Device-Access Reconciler.
package coreapi

// EnrollmentStartPayload is the request payload for
// proxyfabric.RequestEnrollmentStart. The token id travels on
// CoreRequest.Token, not in the payload.
type EnrollmentStartPayload struct{}

// EnrollmentStartResponse describes the account an enrollment token was
// issued for, so the proxy's enrollment UI knows what steps remain.
type EnrollmentStartResponse struct {
	Email        string `json:"email"`
	AdminID      string `json:"admin_id,omitempty"`
	NeedPassword bool   `json:"need_password"`
	SessionUntil string `json:"session_until,omitempty"`
}

// EnrollmentActivateUserPayload sets the enrolling user's password.
type EnrollmentActivateUserPayload struct {
	Password string `json:"password"`
}

// EnrollmentCreateDevicePayload registers the enrolling user's first (or
// additional) WireGuard peer.
type EnrollmentCreateDevicePayload struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

// EnrollmentCreateDeviceResponse carries every location's network_info
// for the newly bound device, mirroring domain.DeviceInfo.
type EnrollmentCreateDeviceResponse struct {
	DeviceID     string              `json:"device_id"`
	NetworkInfo  []enrollmentNetwork `json:"network_info"`
}

type enrollmentNetwork struct {
	LocationID   string   `json:"location_id"`
	LocationName string   `json:"location_name"`
	Addresses    []string `json:"addresses"`
	Endpoint     string   `json:"endpoint"`
	PublicKey    string   `json:"public_key"`
	AllowedIPs   []string `json:"allowed_ips"`
	DNS          []string `json:"dns,omitempty"`
	Keepalive    int      `json:"keepalive_seconds"`
}

// EnrollmentDeviceInfoPayload looks up an already-enrolled device, for a
// desktop client reconnecting without a fresh enrollment token.
type EnrollmentDeviceInfoPayload struct {
	PublicKey string `json:"public_key"`
}

// CodeMfaStartResponse provisions a TOTP authenticator during
// enrollment. The otpauth URL is rendered as a QR code by the proxy; the
// factor is not recorded as the user's MFA method until the finish step
// verifies a code against it.
type CodeMfaStartResponse struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// CodeMfaFinishPayload verifies the freshly provisioned authenticator.
type CodeMfaFinishPayload struct {
	Code string `json:"code"`
}

// RegisterMobileAuthPayload confirms a mobile client's device during
// enrollment: the device must belong to the enrolling user and the code
// must verify against the user's authenticator.
type RegisterMobileAuthPayload struct {
	DeviceID string `json:"device_id"`
	Code     string `json:"code"`
}

// PasswordResetInitPayload starts a password-reset flow by email.
type PasswordResetInitPayload struct {
	Email string `json:"email"`
}

// PasswordResetFinishPayload completes a password-reset session. The
// token id travels on CoreRequest.Token.
type PasswordResetFinishPayload struct {
	Password string `json:"password"`
}

// InstanceInfoResponse answers proxyfabric.RequestInstanceInfo, letting a
// proxy display which core version it is talking to and whether OIDC is
// enabled.
type InstanceInfoResponse struct {
	Version      string `json:"version"`
	OIDCEnabled  bool   `json:"oidc_enabled"`
}

// OidcAuthInfoResponse carries the authorization-code URL a desktop
// client should open.
type OidcAuthInfoResponse struct {
	URL string `json:"url"`
}

// OidcCallbackPayload finishes a desktop-activation session after the
// IdP redirect. The activation token id travels on CoreRequest.Token.
type OidcCallbackPayload struct {
	Code string `json:"code"`
}

// OidcCallbackResponse echoes the matched user and device, the same
// shape the desktop client needs to load its resulting configuration.
type OidcCallbackResponse struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	DeviceID string `json:"device_id,omitempty"`
}
