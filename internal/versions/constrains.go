package versions

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrUnsatisfied is the sentinel you can check with errors.Is.
var ErrUnsatisfied = errors.New("version does not satisfy specifier")

// UnsatisfiedError reports the specifier a version failed.
type UnsatisfiedError struct {
	Specifier string
	Version   string
}

func (e *UnsatisfiedError) Error() string {
	return fmt.Sprintf("%v: %s does not match %q", ErrUnsatisfied, e.Version, e.Specifier)
}

func (e *UnsatisfiedError) Unwrap() error { return ErrUnsatisfied }

// Specifier is a PEP 440 version specifier set translated to semver
// constraints.
//
// Accepted clauses (comma-separated, all must hold):
//
//	">=3.12", "<3.14", "==3.12.4", "==3.12.*", "!=3.12.1", "!=3.11.*",
//	"~=3.11", "~=3.12.2", "===3.12.4"
type Specifier struct {
	raw         string
	constraints *semver.Constraints
}

// ParseSpecifier parses s. An empty specifier accepts every version.
func ParseSpecifier(s string) (*Specifier, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		c, _ := semver.NewConstraint("*")
		return &Specifier{raw: raw, constraints: c}, nil
	}

	clauses := make([]string, 0, 4)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		translated, err := translateClause(part)
		if err != nil {
			return nil, fmt.Errorf("invalid specifier %q: %w", raw, err)
		}
		clauses = append(clauses, translated...)
	}

	c, err := semver.NewConstraint(strings.Join(clauses, ", "))
	if err != nil {
		return nil, fmt.Errorf("invalid specifier %q: %w", raw, err)
	}
	return &Specifier{raw: raw, constraints: c}, nil
}

func (s *Specifier) String() string { return s.raw }

// Check reports whether v satisfies every clause.
func (s *Specifier) Check(v *semver.Version) bool {
	return s.constraints.Check(v)
}

// Require returns an *UnsatisfiedError when v does not satisfy s.
func (s *Specifier) Require(v *semver.Version) error {
	if s.Check(v) {
		return nil
	}
	return &UnsatisfiedError{Specifier: s.raw, Version: v.String()}
}

var operators = []string{"===", "~=", "==", "!=", ">=", "<=", ">", "<"}

func translateClause(clause string) ([]string, error) {
	op := ""
	for _, candidate := range operators {
		if strings.HasPrefix(clause, candidate) {
			op = candidate
			break
		}
	}
	if op == "" {
		return nil, fmt.Errorf("missing operator in %q", clause)
	}
	ver := strings.TrimSpace(strings.TrimPrefix(clause, op))

	if strings.HasSuffix(ver, ".*") {
		prefix := strings.TrimSuffix(ver, ".*")
		lower, err := ParsePython(prefix)
		if err != nil {
			return nil, err
		}
		upper := bumpLast(lower, Segments(prefix))
		switch op {
		case "==":
			return []string{">=" + lower.String(), "<" + upper.String()}, nil
		case "!=":
			return []string{"!=" + wildcard(lower, Segments(prefix))}, nil
		}
		return nil, fmt.Errorf("wildcard not allowed with %s", op)
	}

	v, err := ParsePython(ver)
	if err != nil {
		return nil, err
	}
	switch op {
	case "===", "==":
		return []string{"=" + v.String()}, nil
	case "~=":
		n := Segments(ver)
		if n < 2 {
			return nil, fmt.Errorf("~= needs at least two release segments, got %q", ver)
		}
		return []string{">=" + v.String(), "<" + bumpLast(v, n-1).String()}, nil
	default:
		return []string{op + v.String()}, nil
	}
}

// bumpLast increments the segment at position n (1 = major) and zeroes the
// rest.
func bumpLast(v *semver.Version, n int) *semver.Version {
	switch n {
	case 1:
		next := v.IncMajor()
		return &next
	case 2:
		next := v.IncMinor()
		return &next
	}
	next := v.IncPatch()
	return &next
}

func wildcard(v *semver.Version, n int) string {
	if n == 1 {
		return fmt.Sprintf("%d.x", v.Major())
	}
	return fmt.Sprintf("%d.%d.x", v.Major(), v.Minor())
}
