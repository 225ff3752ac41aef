// Package crypto holds the password hashing and TOTP primitives shared
// across the auth, user-management, and client-MFA paths.
//
// These are free functions with no repository dependency, reused by
// every caller that needs to hash a credential or check a TOTP code.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters, OWASP recommended for interactive logins.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashPassword hashes password with Argon2id, encoding the parameters and
// salt alongside the hash as $argon2id$v=19$m=...,t=...,p=...$<salt>$<hash>.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s", argonMemory, argonTime, argonThreads, b64Salt, b64Hash), nil
}

// VerifyPassword checks password against an encoded hash produced by
// HashPassword, in constant time.
func VerifyPassword(password, encodedHash string) (bool, error) {
	var version int
	var memory, iterations, parallelism uint32
	if _, err := fmt.Sscanf(encodedHash, "$argon2id$v=%d$m=%d,t=%d,p=%d$", &version, &memory, &iterations, &parallelism); err != nil {
		return false, err
	}

	dollarCount, lastDollar := 0, 0
	for i, b := range []byte(encodedHash) {
		if b == '$' {
			dollarCount++
			if dollarCount == 4 {
				lastDollar = i
				break
			}
		}
	}

	rest := encodedHash[lastDollar+1:]
	sep := -1
	for i, b := range []byte(rest) {
		if b == '$' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return false, fmt.Errorf("malformed encoded hash")
	}

	salt, err := base64.RawStdEncoding.DecodeString(rest[:sep])
	if err != nil {
		return false, err
	}
	hash, err := base64.RawStdEncoding.DecodeString(rest[sep+1:])
	if err != nil {
		return false, err
	}

	if parallelism > 255 {
		return false, fmt.Errorf("parallelism too large")
	}

	// #nosec G115 - parallelism is checked above; the hash length is bounded by the decoded hash
	computed := argon2.IDKey([]byte(password), salt, iterations, memory, uint8(parallelism), uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, computed) == 1, nil
}
