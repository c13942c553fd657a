// password.go -- Argon2id hashing, rehash detection, and input policy for credentials.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidHash is returned for stored hashes that are not PHC-formatted Argon2id.
var ErrInvalidHash = errors.New("invalid password hash")

// argonParams are the tunable Argon2id cost parameters encoded in every hash.
type argonParams struct {
	memory  uint32 // KiB
	time    uint32
	threads uint8
	keyLen  uint32
}

// currentParams hash every new password. Raising them makes NeedsRehash
// report older hashes so they upgrade on the next successful login.
var currentParams = argonParams{memory: 64 * 1024, time: 3, threads: 2, keyLen: 32}

const argonSaltLen = 16

// HashPassword returns a PHC-formatted Argon2id hash:
// $argon2id$v=19$m=65536,t=3,p=2$<base64 salt>$<base64 key>
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	p := currentParams
	key := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// parseHash splits a PHC string into its parameters, salt, and derived key.
func parseHash(encoded string) (argonParams, []byte, []byte, error) {
	var p argonParams
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, ErrInvalidHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, fmt.Errorf("%w: version %q", ErrInvalidHash, parts[2])
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, nil, nil, fmt.Errorf("%w: params: %w", ErrInvalidHash, err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: salt: %w", ErrInvalidHash, err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: key: %w", ErrInvalidHash, err)
	}
	p.keyLen = uint32(len(key))
	return p, salt, key, nil
}

// VerifyPassword re-derives the key with the parameters stored in encoded,
// so hashes made under older parameters still verify. Constant-time compare.
func VerifyPassword(password, encoded string) (bool, error) {
	p, salt, want, err := parseHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// NeedsRehash reports whether encoded was made with weaker parameters than currentParams.
// Unparseable hashes report false; VerifyPassword surfaces those.
func NeedsRehash(encoded string) bool {
	p, _, _, err := parseHash(encoded)
	if err != nil {
		return false
	}
	c := currentParams
	return p.memory < c.memory || p.time < c.time || p.threads < c.threads || p.keyLen < c.keyLen
}

// NormalizeEmail trims and lowercases an address before lookup or storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks format and length; returns a message or "".
// RFC 5321: min ~5 chars (a@b.c), max 254.
func ValidateEmail(email string) string {
	switch n := len(email); {
	case n == 0:
		return "No email provided"
	case n < 5:
		return "Email too short!"
	case n > 254:
		return "Email too long!"
	}
	addr, err := netmail.ParseAddress(email)
	if err != nil || addr.Address != email {
		// Display-name forms like "Pat <pat@example.com>" parse but are not bare addresses.
		return "Invalid email format"
	}
	return ""
}

// PasswordPolicy is the complexity rule set for registration and password change.
// Lengths count runes; 0 disables the bound. Each Require* flag gates one
// character class. The zero value accepts any non-empty password.
type PasswordPolicy struct {
	MinLength        int
	MaxLength        int
	RequireUppercase bool
	RequireDigit     bool
	RequireSpecial   bool
}

// specialChars satisfies RequireSpecial: printable ASCII punctuation and symbols.
const specialChars = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// Validate returns every failed rule as a message; empty means valid.
// Control characters short-circuit with a single failure.
func (p PasswordPolicy) Validate(password string) []string {
	var failures []string
	if password == "" {
		failures = append(failures, "No password provided")
	}

	n := utf8.RuneCountInString(password)
	if p.MinLength > 0 && n < p.MinLength {
		failures = append(failures, fmt.Sprintf("Password must be at least %d characters", p.MinLength))
	}
	if p.MaxLength > 0 && n > p.MaxLength {
		failures = append(failures, fmt.Sprintf("Password must be at most %d characters", p.MaxLength))
	}

	var upper, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsControl(r):
			return []string{"Password contains invalid characters"}
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(specialChars, r):
			special = true
		}
	}

	if p.RequireUppercase && !upper {
		failures = append(failures, "Password must contain at least one uppercase letter")
	}
	if p.RequireDigit && !digit {
		failures = append(failures, "Password must contain at least one digit")
	}
	if p.RequireSpecial && !special {
		failures = append(failures, "Password must contain at least one special character")
	}
	return failures
}
