// Package versions parses Python runtime versions and the version
// specifiers found in lock files, mapping both onto semver so they can be
// checked with the same machinery.
package versions

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// pythonVersionRe accepts release segments with an optional PEP 440
// pre-release suffix: 3, 3.12, 3.12.4, 3.13.0rc1.
var pythonVersionRe = regexp.MustCompile(`^v?(\d+)(?:\.(\d+))?(?:\.(\d+))?(?:(a|b|rc)(\d+))?$`)

// ParsePython parses a CPython version. Missing segments are zero-filled.
func ParsePython(s string) (*semver.Version, error) {
	m := pythonVersionRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return nil, fmt.Errorf("invalid python version %q", s)
	}
	normalized := fmt.Sprintf("%s.%s.%s", m[1], orZero(m[2]), orZero(m[3]))
	if m[4] != "" {
		normalized += "-" + m[4] + "." + m[5]
	}
	v, err := semver.StrictNewVersion(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid python version %q: %w", s, err)
	}
	return v, nil
}

// Segments reports how many release segments s spells out (1 to 3).
func Segments(s string) int {
	m := pythonVersionRe.FindStringSubmatch(strings.TrimSpace(s))
	switch {
	case m == nil:
		return 0
	case m[3] != "":
		return 3
	case m[2] != "":
		return 2
	}
	return 1
}

// MajorMinor renders v as "3.12".
func MajorMinor(v *semver.Version) string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

// PythonTagCompatible reports whether a wheel built for pyTag/abiTag can be
// installed on CPython v. Tags may be compressed ("py2.py3"). Platform tags
// are left to the installer.
func PythonTagCompatible(pyTag, abiTag string, v *semver.Version) bool {
	abis := strings.Split(abiTag, ".")
	for _, tag := range strings.Split(pyTag, ".") {
		switch {
		case strings.HasPrefix(tag, "py"):
			if genericTagCompatible(strings.TrimPrefix(tag, "py"), v) {
				return true
			}
		case strings.HasPrefix(tag, "cp"):
			major, minor, ok := splitTagVersion(strings.TrimPrefix(tag, "cp"))
			if !ok || uint64(major) != v.Major() {
				continue
			}
			if uint64(minor) == v.Minor() {
				return true
			}
			if contains(abis, "abi3") && uint64(minor) < v.Minor() {
				return true
			}
		}
	}
	return false
}

func genericTagCompatible(digits string, v *semver.Version) bool {
	if digits == strconv.FormatUint(v.Major(), 10) {
		return true
	}
	major, minor, ok := splitTagVersion(digits)
	return ok && uint64(major) == v.Major() && uint64(minor) <= v.Minor()
}

// splitTagVersion splits "312" into (3, 12). Only single-digit majors exist
// in practice.
func splitTagVersion(digits string) (int, int, bool) {
	if len(digits) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(digits[:1])
	if err != nil {
		return 0, 0, false
	}
	minor, err := strconv.Atoi(digits[1:])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
