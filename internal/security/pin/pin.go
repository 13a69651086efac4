// Package pin hashes member keypad PINs with argon2id into PHC strings.
package pin

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

type Params struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	KeyLen      uint32
}

// Default is tuned lighter than a password hash: PINs are checked on the hot
// path of every dni_pin event.
var Default = Params{Memory: 19 * 1024, Time: 2, Parallelism: 1, KeyLen: 32}

var ErrEmptyPIN = errors.New("pin: empty")

// Hash returns $argon2id$v=19$m=..,t=..,p=..$<salt>$<key>.
func Hash(p Params, plain string) (string, error) {
	if plain == "" {
		return "", ErrEmptyPIN
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	dk := argon2.IDKey([]byte(plain), salt, p.Time, p.Memory, p.Parallelism, p.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(dk),
	), nil
}

// Verify checks plain against a PHC string produced by Hash.
func Verify(plain, phc string) bool {
	if plain == "" || phc == "" {
		return false
	}
	var (
		v       int
		m, t, p int
	)
	parts := splitPHC(phc)
	if len(parts) != 5 || parts[0] != "argon2id" {
		return false
	}
	if _, err := fmt.Sscanf(parts[1], "v=%d", &v); err != nil || v != argon2.Version {
		return false
	}
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(plain), salt, uint32(t), uint32(m), uint8(p), uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// splitPHC splits "$a$b$c" into [a b c].
func splitPHC(s string) []string {
	if len(s) == 0 || s[0] != '$' {
		return nil
	}
	var out []string
	start := 1
	for i := 1; i < len(s); i++ {
		if s[i] == '$' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}
