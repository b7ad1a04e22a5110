package signature

import (
	"fmt"
	"strings"
	"time"
)

const (
	day  = 24 * time.Hour
	year = 365 * day
)

// Policy bounds how old, how far in the future and how skewed a signature
// timestamp may be.
type Policy struct {
	MaxAge        time.Duration
	Tolerance     time.Duration // allowed lead of signed_at over the local clock
	MaxSkew       time.Duration
	RequireRecent bool // reject anything signed more than a year ago
}

// Lax accepts year-old signatures and a week of skew.
func Lax() Policy {
	return Policy{MaxAge: year, Tolerance: time.Hour, MaxSkew: 7 * day}
}

// Standard is the default policy.
func Standard() Policy {
	return Policy{MaxAge: year, Tolerance: 5 * time.Minute, MaxSkew: day}
}

// Strict accepts signatures up to a week old.
func Strict() Policy {
	return Policy{MaxAge: 7 * day, Tolerance: 5 * time.Minute, MaxSkew: time.Hour, RequireRecent: true}
}

// HighSecurity accepts signatures up to a day old.
func HighSecurity() Policy {
	return Policy{MaxAge: day, Tolerance: 2 * time.Minute, MaxSkew: 5 * time.Minute, RequireRecent: true}
}

// PolicyByName returns a preset by name. The empty name means Standard.
func PolicyByName(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "lax":
		return Lax(), nil
	case "", "standard", "default":
		return Standard(), nil
	case "strict":
		return Strict(), nil
	case "high-security", "high_security", "highsecurity":
		return HighSecurity(), nil
	default:
		return Policy{}, fmt.Errorf("unknown signature policy %q", name)
	}
}

// Check validates signedAt (unix seconds) against now. Comparisons are made
// in whole seconds so distant timestamps cannot overflow a Duration.
func (p Policy) Check(signedAt uint64, now time.Time) error {
	nowSec := now.Unix()
	if signedAt > uint64(1<<62) {
		return fmt.Errorf("%w: timestamp %d out of range", ErrInvalidTimestamp, signedAt)
	}
	ts := int64(signedAt)

	if diff := abs(nowSec - ts); diff > seconds(p.MaxSkew) {
		return fmt.Errorf("%w: %ds exceeds allowed %s", ErrClockSkew, diff, p.MaxSkew)
	}

	if ts > nowSec {
		if lead := ts - nowSec; lead > seconds(p.Tolerance) {
			return fmt.Errorf("%w: signed %ds in the future", ErrInvalidTimestamp, lead)
		}
		return nil
	}

	age := nowSec - ts
	if p.RequireRecent && age > seconds(year) {
		return fmt.Errorf("%w: signed %ds ago, recent signature required", ErrExpired, age)
	}
	if age > seconds(p.MaxAge) {
		return fmt.Errorf("%w: signed %ds ago, max age %s", ErrExpired, age, p.MaxAge)
	}
	return nil
}

func seconds(d time.Duration) int64 { return int64(d / time.Second) }

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
