package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateKeyPair returns a new hex-encoded private seed and public key.
func GenerateKeyPair() (seedHex, publicHex string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generating key pair: %w", err)
	}
	return hex.EncodeToString(priv.Seed()), hex.EncodeToString(pub), nil
}

// PublicKeyFromSeed derives the hex public key for a hex private seed.
func PublicKeyFromSeed(seedHex string) (string, error) {
	seed, err := decodeHex(seedHex, ed25519.SeedSize, "private key")
	if err != nil {
		return "", err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey)), nil
}

// Fingerprint is the hex of the first 8 bytes of a public key, or "INVALID".
func Fingerprint(publicHex string) string {
	b, err := hex.DecodeString(publicHex)
	if err != nil || len(b) < 8 {
		return "INVALID"
	}
	return hex.EncodeToString(b[:8])
}
