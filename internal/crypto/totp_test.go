package crypto

import (
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTOTPSecret_ProducesValidatableCode(t *testing.T) {
	secret, url, err := GenerateTOTPSecret("user@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.Contains(t, url, "otpauth://")

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	assert.True(t, ValidateTOTP(code, secret))
}

func TestValidateTOTP_WrongCodeFails(t *testing.T) {
	secret, _, err := GenerateTOTPSecret("user@example.com")
	require.NoError(t, err)
	assert.False(t, ValidateTOTP("000000", secret))
}
