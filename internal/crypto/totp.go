package crypto

import (
	"github.com/pquerna/otp/totp"
)

// TOTPIssuer names the generated enrollment QR/URI.
const TOTPIssuer = "Defguard"

// GenerateTOTPSecret creates a fresh TOTP secret for accountEmail and
// returns both the raw secret (persisted on the user) and the
// otpauth:// URL (rendered as a QR code by the caller).
func GenerateTOTPSecret(accountEmail string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      TOTPIssuer,
		AccountName: accountEmail,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// ValidateTOTP checks a 6-digit code against secret.
func ValidateTOTP(code, secret string) bool {
	return totp.Validate(code, secret)
}
