package wireguard

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair represents a WireGuard key pair
type KeyPair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// GenerateKeyPair generates a new WireGuard key pair using Curve25519
func GenerateKeyPair() (*KeyPair, error) {
	// Generate 32 random bytes for private key
	privateKey := make([]byte, 32)
	if _, err := rand.Read(privateKey); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}

	// Clamp the private key (WireGuard requirement)
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	// Derive public key using Curve25519
	publicKey, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	return &KeyPair{
		PrivateKey: base64.StdEncoding.EncodeToString(privateKey),
		PublicKey:  base64.StdEncoding.EncodeToString(publicKey),
	}, nil
}

// PublicKeyFromPrivate derives the public key from a private key
func PublicKeyFromPrivate(privateKeyBase64 string) (string, error) {
	privateKey, err := base64.StdEncoding.DecodeString(privateKeyBase64)
	if err != nil {
		return "", fmt.Errorf("invalid private key encoding: %w", err)
	}

	if len(privateKey) != 32 {
		return "", fmt.Errorf("invalid private key length: expected 32 bytes, got %d", len(privateKey))
	}

	publicKey, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("failed to derive public key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(publicKey), nil
}

// ValidatePrivateKey validates a WireGuard private key
func ValidatePrivateKey(privateKeyBase64 string) error {
	privateKey, err := base64.StdEncoding.DecodeString(privateKeyBase64)
	if err != nil {
		return fmt.Errorf("invalid private key encoding: %w", err)
	}

	if len(privateKey) != 32 {
		return fmt.Errorf("invalid private key length: expected 32 bytes, got %d", len(privateKey))
	}

	return nil
}

// ValidatePublicKey validates a WireGuard public key
func ValidatePublicKey(publicKeyBase64 string) error {
	publicKey, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return fmt.Errorf("invalid public key encoding: %w", err)
	}

	if len(publicKey) != 32 {
		return fmt.Errorf("invalid public key length: expected 32 bytes, got %d", len(publicKey))
	}

	return nil
}

// GeneratePresharedKey generates a preshared key for additional security (optional)
func GeneratePresharedKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate preshared key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(key), nil
}

// ValidateLocationKeypair checks a location's server keypair against the
// pubkeys of its peers: a location's server public key must never equal a
// peer's public key.
func ValidateLocationKeypair(serverPublicKey string, peerPubkeys []string) error {
	if err := ValidatePublicKey(serverPublicKey); err != nil {
		return fmt.Errorf("invalid server public key: %w", err)
	}
	for _, peer := range peerPubkeys {
		if peer == serverPublicKey {
			return fmt.Errorf("server public key collides with peer pubkey %q", peer)
		}
	}
	return nil
}
