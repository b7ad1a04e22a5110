// Package signature verifies and creates Ed25519 plugin signatures with
// timestamp policy checks and replay protection.
package signature

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jiangfire/envcli-sub000/internal/plugin"
)

var (
	ErrUnsigned             = errors.New("plugin is not signed")
	ErrVerificationFailed   = errors.New("signature verification failed")
	ErrExpired              = errors.New("signature expired")
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
	ErrInvalidTimestamp     = errors.New("invalid signature timestamp")
	ErrClockSkew            = errors.New("clock skew too large")
	ErrReplayDetected       = errors.New("replay attack detected")
	ErrSigningFailed        = errors.New("signing failed")
	ErrInvalidKey           = errors.New("invalid key")
)

// Verifier checks plugin signatures. It is safe for concurrent use.
type Verifier struct {
	policy Policy
	cache  *ReplayCache // nil disables replay protection
	now    func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithPolicy sets the timestamp policy.
func WithPolicy(p Policy) Option {
	return func(v *Verifier) { v.policy = p }
}

// WithReplayCache enables replay protection backed by c.
func WithReplayCache(c *ReplayCache) Option {
	return func(v *Verifier) { v.cache = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// New creates a verifier with the standard policy and no replay protection
// unless an option adds it.
func New(opts ...Option) *Verifier {
	v := &Verifier{policy: Standard(), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Default creates a verifier with the standard policy and a fresh default
// replay cache.
func Default() *Verifier {
	return New(WithReplayCache(DefaultReplayCache()))
}

// Policy returns the active timestamp policy.
func (v *Verifier) Policy() Policy { return v.policy }

// ReplayCache returns the replay cache, or nil when replay protection is off.
func (v *Verifier) ReplayCache() *ReplayCache { return v.cache }

// Verify checks sig over data: timestamp policy, then replay, then Ed25519.
func (v *Verifier) Verify(data []byte, sig plugin.Signature) error {
	if sig.Algorithm != plugin.AlgorithmEd25519 {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, sig.Algorithm)
	}

	if err := v.policy.Check(sig.SignedAt, v.now()); err != nil {
		return err
	}

	if v.cache != nil {
		if err := v.cache.CheckAndMark(ReplayHash(sig)); err != nil {
			return err
		}
	}

	pub, err := decodeHex(sig.PublicKey, ed25519.PublicKeySize, "public key")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	raw, err := decodeHex(sig.Signature, ed25519.SignatureSize, "signature")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}

	if !ed25519.Verify(ed25519.PublicKey(pub), data, raw) {
		return ErrVerificationFailed
	}
	return nil
}

// VerifyMetadata verifies the signature embedded in m against m's canonical
// form. Unsigned metadata passes only when trustUnsigned is set.
func (v *Verifier) VerifyMetadata(m plugin.Metadata, trustUnsigned bool) error {
	if m.Signature == nil {
		if trustUnsigned {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnsigned, m.ID)
	}
	data, err := CanonicalBytes(m)
	if err != nil {
		return err
	}
	return v.Verify(data, *m.Signature)
}

// Sign signs data with the Ed25519 key derived from a hex-encoded 32-byte
// seed. The result is stamped with the current time.
func (v *Verifier) Sign(data []byte, seedHex string, alg plugin.SignatureAlgorithm) (plugin.Signature, error) {
	if alg != plugin.AlgorithmEd25519 {
		return plugin.Signature{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return plugin.Signature{}, fmt.Errorf("%w: private key is not hex: %v", ErrSigningFailed, err)
	}
	if len(seed) != ed25519.SeedSize {
		return plugin.Signature{}, fmt.Errorf("%w: private key must be %d bytes, got %d",
			ErrSigningFailed, ed25519.SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return plugin.Signature{
		Algorithm: alg,
		PublicKey: hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
		Signature: hex.EncodeToString(ed25519.Sign(priv, data)),
		SignedAt:  uint64(v.now().Unix()),
	}, nil
}

// SignMetadata returns a copy of m carrying a fresh signature over its
// canonical form.
func (v *Verifier) SignMetadata(m plugin.Metadata, seedHex string) (plugin.Metadata, error) {
	data, err := CanonicalBytes(m)
	if err != nil {
		return m, err
	}
	sig, err := v.Sign(data, seedHex, plugin.AlgorithmEd25519)
	if err != nil {
		return m, err
	}
	m.Signature = &sig
	return m, nil
}

// CanonicalBytes is the JSON encoding of m with the signature removed.
func CanonicalBytes(m plugin.Metadata) ([]byte, error) {
	data, err := json.Marshal(m.Unsigned())
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return data, nil
}

// ReplayHash identifies a signature for replay detection.
func ReplayHash(sig plugin.Signature) string {
	h := sha256.New()
	h.Write([]byte(sig.Signature))
	h.Write([]byte(sig.PublicKey))
	h.Write([]byte(sig.Algorithm))
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], sig.SignedAt)
	h.Write(ts[:])
	return hex.EncodeToString(h.Sum(nil))
}

func decodeHex(s string, size int, what string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not hex", ErrInvalidKey, what)
	}
	if len(b) != size {
		return nil, fmt.Errorf("%w: %s must be %d bytes, got %d", ErrInvalidKey, what, size, len(b))
	}
	return b, nil
}
