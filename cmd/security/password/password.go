package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var b64 = base64.RawStdEncoding

// phc is a decoded Argon2id hash string.
type phc struct {
	memoryKiB   uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func (p phc) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memoryKiB, p.iterations, p.parallelism,
		b64.EncodeToString(p.salt), b64.EncodeToString(p.key))
}

// Hash validates the password policy and returns an encoded Argon2id hash.
func (c Config) Hash(password string) (string, error) {
	if err := c.Validate(password); err != nil {
		return "", err
	}

	salt := make([]byte, c.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	h := phc{
		memoryKiB:   c.MemoryKiB,
		iterations:  c.Iterations,
		parallelism: c.Parallelism,
		salt:        salt,
	}
	h.key = argon2.IDKey([]byte(password), salt, h.iterations, h.memoryKiB, h.parallelism, c.KeyLength)
	return h.String(), nil
}

// Verify reports whether password matches encoded.
// A malformed or out-of-bounds hash yields (false, ErrInvalidHash).
func (c Config) Verify(encoded, password string) (bool, error) {
	h, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	if !c.withinBounds(h) {
		return false, ErrInvalidHash
	}

	// #nosec G115 -- key length is bounded by withinBounds.
	got := argon2.IDKey([]byte(password), h.salt, h.iterations, h.memoryKiB, h.parallelism, uint32(len(h.key)))
	return subtle.ConstantTimeCompare(got, h.key) == 1, nil
}

// withinBounds accepts hashes made with older, cheaper settings but rejects
// attacker-supplied parameters far above the configured cost.
func (c Config) withinBounds(h phc) bool {
	switch {
	case h.memoryKiB > c.MemoryKiB*2,
		h.iterations > c.Iterations*2,
		h.parallelism > c.Parallelism*2,
		len(h.salt) < 8 || len(h.salt) > 64,
		len(h.key) < 16 || len(h.key) > 128:
		return false
	}
	return true
}

func parsePHC(encoded string) (phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return phc{}, ErrInvalidHash
	}
	if parts[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return phc{}, ErrInvalidHash
	}

	var mem, iter, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iter, &par); err != nil {
		return phc{}, ErrInvalidHash
	}
	if mem == 0 || iter == 0 || par == 0 || par > 255 {
		return phc{}, ErrInvalidHash
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return phc{}, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil {
		return phc{}, ErrInvalidHash
	}

	return phc{
		memoryKiB:   mem,
		iterations:  iter,
		parallelism: uint8(par), // #nosec G115 -- checked above.
		salt:        salt,
		key:         key,
	}, nil
}
