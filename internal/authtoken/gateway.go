// Package authtoken issues and validates the gateway-scoped bearer token
// the Stream Server authenticates connecting gateways with.
//
// Tokens are HS256 JWTs with a location/role claim set and no `exp`:
// gateway tokens are long-lived credentials provisioned alongside a
// location. One server secret signs the tokens of every location, so a
// token is revoked only by rotating that secret, not by expiry.
package authtoken

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/defguard/core/internal/domain"
)

const gatewayRole = "gateway"

// Claims is the parsed form of a gateway bearer token.
type Claims struct {
	LocationID string
	IssuedAt   time.Time
}

// Issuer signs and verifies gateway tokens with a single shared secret.
type Issuer struct {
	secret []byte
}

func NewIssuer(secret []byte) *Issuer {
	return &Issuer{secret: secret}
}

// IssueGatewayToken returns a signed token scoped to locationID, carrying
// no expiry claim.
func (i *Issuer) IssueGatewayToken(locationID string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"location_id": locationID,
		"role":        gatewayRole,
		"iat":         now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// ValidateGatewayToken verifies signature and role, returning the bound
// location id.
func (i *Issuer) ValidateGatewayToken(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, domain.NewError(domain.ErrUnauthorized, "invalid gateway token", nil)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, domain.NewError(domain.ErrUnauthorized, "invalid gateway token claims", nil)
	}
	role, _ := claims["role"].(string)
	if role != gatewayRole {
		return nil, domain.NewError(domain.ErrUnauthorized, "token is not a gateway token", nil)
	}
	locationID, _ := claims["location_id"].(string)
	if locationID == "" {
		return nil, domain.NewError(domain.ErrUnauthorized, "gateway token missing location_id", nil)
	}
	iat, _ := claims["iat"].(float64)

	return &Claims{LocationID: locationID, IssuedAt: time.Unix(int64(iat), 0).UTC()}, nil
}
