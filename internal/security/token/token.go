// Package token mints the opaque secrets handed to devices: bearer tokens,
// pairing codes and public identifiers. Only SHA-256 digests are stored.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
)

// pairingAlphabet drops 0/O and 1/I/L so codes survive being read aloud.
const pairingAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const (
	PairingCodeLength = 8
	DeviceTokenBytes  = 32
	PublicIDBytes     = 12
)

// GenerateOpaque returns nBytes of randomness as unpadded base64url.
func GenerateOpaque(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewDeviceToken returns a bearer token for a paired device.
func NewDeviceToken() (string, error) {
	t, err := GenerateOpaque(DeviceTokenBytes)
	if err != nil {
		return "", err
	}
	return "dtk_" + t, nil
}

// NewPublicID returns the device_public_id printed on the pairing payload.
func NewPublicID() (string, error) {
	t, err := GenerateOpaque(PublicIDBytes)
	if err != nil {
		return "", err
	}
	return "dev_" + t, nil
}

// NewPairingCode returns a short human-typeable code.
func NewPairingCode() (string, error) {
	limit := big.NewInt(int64(len(pairingAlphabet)))
	out := make([]byte, PairingCodeLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("token: read random: %w", err)
		}
		out[i] = pairingAlphabet[n.Int64()]
	}
	return string(out), nil
}

// Hash is the at-rest form of any secret minted here.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
