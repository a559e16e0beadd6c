package sqladapter

import "strings"

// ParseTarget interprets the target string passed to GetStorage (spec §6).
// A "postgres://" or "postgresql://" prefix selects the server dialect; a
// "sqlite://" prefix or the absence of any recognized scheme selects the
// embedded dialect, with the remainder treated as a file path (":memory:"
// included, for tests).
func ParseTarget(target string) Target {
	switch {
	case strings.HasPrefix(target, "postgres://"), strings.HasPrefix(target, "postgresql://"):
		return Target{Driver: "postgres", DSN: target}
	case strings.HasPrefix(target, "sqlite://"):
		return Target{Driver: "sqlite", DSN: strings.TrimPrefix(target, "sqlite://")}
	default:
		return Target{Driver: "sqlite", DSN: target}
	}
}
