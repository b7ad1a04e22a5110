package plugin

import (
	"strconv"
	"strings"
)

// Version is a parsed "major.minor[.patch]" version.
type Version struct {
	Major, Minor, Patch uint64
}

// ParseVersion parses a version with two or three numeric components.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 || len(parts) > 3 {
		return Version{}, Errorf(ErrConfig, "invalid version %q: want major.minor[.patch]", s)
	}
	nums := make([]uint64, 3)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Version{}, Errorf(ErrConfig, "invalid version %q: component %q is not numeric", s, p)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// ValidateVersion reports whether s is a well-formed version.
func ValidateVersion(s string) error {
	_, err := ParseVersion(s)
	return err
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpUint(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpUint(v.Minor, o.Minor)
	default:
		return cmpUint(v.Patch, o.Patch)
	}
}

func (v Version) String() string {
	return strconv.FormatUint(v.Major, 10) + "." +
		strconv.FormatUint(v.Minor, 10) + "." +
		strconv.FormatUint(v.Patch, 10)
}

// CompareVersions compares two version strings numerically by component.
func CompareVersions(a, b string) (int, error) {
	va, err := ParseVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := ParseVersion(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

// CheckVersionConstraint reports whether version satisfies constraint.
// Supported operators: =, >, >=, <, <=, ~ (same major.minor, not lower) and
// ^ (same major, not lower; same minor when major is 0). A bare version
// means equality.
func CheckVersionConstraint(version, constraint string) (bool, error) {
	v, err := ParseVersion(version)
	if err != nil {
		return false, err
	}

	c := strings.TrimSpace(constraint)
	op := ""
	for _, candidate := range []string{">=", "<=", ">", "<", "=", "~", "^"} {
		if strings.HasPrefix(c, candidate) {
			op = candidate
			c = strings.TrimSpace(strings.TrimPrefix(c, candidate))
			break
		}
	}

	want, err := ParseVersion(c)
	if err != nil {
		return false, err
	}
	cmp := v.Compare(want)

	switch op {
	case "", "=":
		return cmp == 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case "~":
		return cmp >= 0 && v.Major == want.Major && v.Minor == want.Minor, nil
	default: // "^"
		if want.Major == 0 {
			return cmp >= 0 && v.Major == 0 && v.Minor == want.Minor, nil
		}
		return cmp >= 0 && v.Major == want.Major, nil
	}
}

func cmpUint(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
