package version

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Set via ldflags at build time:
//
//	go build -ldflags "-X github.com/jiangfire/envcli-sub000/internal/version.Version=1.0.0
//	  -X github.com/jiangfire/envcli-sub000/internal/version.Commit=abc123
//	  -X github.com/jiangfire/envcli-sub000/internal/version.Date=2026-01-01"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Base is the release line reported to plugins by builds without a numeric
// version.
const Base = "0.1.0"

// Info returns a formatted version string.
func Info() string {
	return fmt.Sprintf("envcli %s (commit: %s, built: %s, %s/%s)",
		Version, short(Commit), Date, runtime.GOOS, runtime.GOARCH)
}

// Host returns the version plugins are checked against: Version without a
// leading "v" when it is numeric, Base otherwise.
func Host() string {
	v := strings.TrimPrefix(Version, "v")
	parts := strings.Split(v, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return Base
	}
	for _, p := range parts {
		if _, err := strconv.ParseUint(p, 10, 32); err != nil {
			return Base
		}
	}
	return v
}

func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
