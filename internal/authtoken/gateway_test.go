package authtoken

import (
	"testing"

	"github.com/defguard/core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateGatewayToken(t *testing.T) {
	issuer := NewIssuer([]byte("a very long server secret used only in tests"))

	token, err := issuer.IssueGatewayToken("loc-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := issuer.ValidateGatewayToken(token)
	require.NoError(t, err)
	assert.Equal(t, "loc-1", claims.LocationID)
	assert.False(t, claims.IssuedAt.IsZero())
}

func TestValidateGatewayToken_WrongSecretFails(t *testing.T) {
	issuer := NewIssuer([]byte("secret-one-is-long-enough-for-tests"))
	other := NewIssuer([]byte("secret-two-is-also-long-enough-test"))

	token, err := issuer.IssueGatewayToken("loc-1")
	require.NoError(t, err)

	_, err = other.ValidateGatewayToken(token)
	require.Error(t, err)
	derr, ok := err.(*domain.Error)
	require.True(t, ok)
	assert.Equal(t, domain.ErrUnauthorized, derr.Code)
}

func TestValidateGatewayToken_GarbageTokenFails(t *testing.T) {
	issuer := NewIssuer([]byte("secret-is-long-enough-for-tests-too"))
	_, err := issuer.ValidateGatewayToken("not-a-jwt")
	assert.Error(t, err)
}
