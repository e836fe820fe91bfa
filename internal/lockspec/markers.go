package lockspec

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/Masterminds/semver/v3"

	"github.com/0xa1bed0/mkimage/internal/versions"
)

// Target describes the interpreter and platform an environment is installed
// for. Dependency markers are evaluated against it.
type Target struct {
	GOOS   string
	GOARCH string
	Python *semver.Version
}

func (t Target) markerValues() map[string]string {
	system := map[string]string{"linux": "Linux", "darwin": "Darwin", "windows": "Windows"}[t.GOOS]
	sysPlatform := t.GOOS
	osName := "posix"
	if t.GOOS == "windows" {
		sysPlatform, osName = "win32", "nt"
	}
	machine := map[string]string{"amd64": "x86_64", "arm64": "aarch64", "386": "i686", "arm": "armv7l"}[t.GOARCH]
	if machine == "" {
		machine = t.GOARCH
	}
	if t.GOOS == "darwin" && t.GOARCH == "arm64" {
		machine = "arm64"
	}

	vals := map[string]string{
		"sys_platform":                   sysPlatform,
		"platform_system":                system,
		"os_name":                        osName,
		"platform_machine":               machine,
		"implementation_name":            "cpython",
		"platform_python_implementation": "CPython",
		"extra":                          "",
	}
	if t.Python != nil {
		vals["python_version"] = versions.MajorMinor(t.Python)
		vals["python_full_version"] = fmt.Sprintf("%d.%d.%d", t.Python.Major(), t.Python.Minor(), t.Python.Patch())
		vals["implementation_version"] = vals["python_full_version"]
	}
	return vals
}

var versionMarkers = map[string]bool{
	"python_version":         true,
	"python_full_version":    true,
	"implementation_version": true,
}

// EvalMarker evaluates a PEP 508 environment marker for target. An empty
// marker is always true.
func EvalMarker(marker string, target Target) (bool, error) {
	if strings.TrimSpace(marker) == "" {
		return true, nil
	}
	toks, err := lexMarker(marker)
	if err != nil {
		return false, err
	}
	p := &markerParser{toks: toks, vals: target.markerValues()}
	ok, err := p.or()
	if err != nil {
		return false, fmt.Errorf("marker %q: %w", marker, err)
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("marker %q: unexpected %q", marker, p.toks[p.pos].text)
	}
	return ok, nil
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

func lexMarker(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(s[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("marker %q: unterminated string", s)
			}
			toks = append(toks, token{tokString, s[i+1 : i+1+end]})
			i += end + 2
		case strings.ContainsRune("=!<>~", rune(c)):
			j := i + 1
			for j < len(s) && strings.ContainsRune("=!<>~", rune(s[j])) {
				j++
			}
			toks = append(toks, token{tokOp, s[i:j]})
			i = j
		case c == '_' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c)):
			j := i + 1
			for j < len(s) && (s[j] == '_' || s[j] == '.' || unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j]))) {
				j++
			}
			toks = append(toks, token{tokIdent, s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("marker %q: unexpected character %q", s, c)
		}
	}
	return toks, nil
}

type markerParser struct {
	toks []token
	pos  int
	vals map[string]string
}

func (p *markerParser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *markerParser) keyword(word string) bool {
	t, ok := p.peek()
	if ok && t.kind == tokIdent && t.text == word {
		p.pos++
		return true
	}
	return false
}

func (p *markerParser) or() (bool, error) {
	left, err := p.and()
	if err != nil {
		return false, err
	}
	for p.keyword("or") {
		right, err := p.and()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *markerParser) and() (bool, error) {
	left, err := p.atom()
	if err != nil {
		return false, err
	}
	for p.keyword("and") {
		right, err := p.atom()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *markerParser) atom() (bool, error) {
	t, ok := p.peek()
	if !ok {
		return false, fmt.Errorf("unexpected end")
	}
	if t.kind == tokLParen {
		p.pos++
		v, err := p.or()
		if err != nil {
			return false, err
		}
		if t, ok := p.peek(); !ok || t.kind != tokRParen {
			return false, fmt.Errorf("missing )")
		}
		p.pos++
		return v, nil
	}

	lhs, lhsVar, err := p.value()
	if err != nil {
		return false, err
	}
	op, err := p.operator()
	if err != nil {
		return false, err
	}
	rhs, rhsVar, err := p.value()
	if err != nil {
		return false, err
	}

	if versionMarkers[lhsVar] || versionMarkers[rhsVar] {
		if rhsVar != "" && lhsVar == "" {
			return compareVersion(rhs, flip(op), lhs)
		}
		return compareVersion(lhs, op, rhs)
	}
	return compareString(lhs, op, rhs), nil
}

// value returns the resolved text of a string literal or marker variable,
// plus the variable name when it was one.
func (p *markerParser) value() (string, string, error) {
	t, ok := p.peek()
	if !ok {
		return "", "", fmt.Errorf("unexpected end")
	}
	p.pos++
	switch t.kind {
	case tokString:
		return t.text, "", nil
	case tokIdent:
		v, known := p.vals[t.text]
		if !known {
			return "", "", fmt.Errorf("unknown marker variable %q", t.text)
		}
		return v, t.text, nil
	}
	return "", "", fmt.Errorf("unexpected %q", t.text)
}

func (p *markerParser) operator() (string, error) {
	t, ok := p.peek()
	if !ok {
		return "", fmt.Errorf("missing operator")
	}
	p.pos++
	switch {
	case t.kind == tokOp:
		return t.text, nil
	case t.kind == tokIdent && t.text == "in":
		return "in", nil
	case t.kind == tokIdent && t.text == "not" && p.keyword("in"):
		return "not in", nil
	}
	return "", fmt.Errorf("unexpected %q", t.text)
}

func flip(op string) string {
	switch op {
	case "<":
		return ">"
	case ">":
		return "<"
	case "<=":
		return ">="
	case ">=":
		return "<="
	}
	return op
}

func compareVersion(have, op, want string) (bool, error) {
	switch op {
	case "in", "not in":
		return compareString(have, op, want), nil
	}
	v, err := versions.ParsePython(have)
	if err != nil {
		return false, err
	}
	spec, err := versions.ParseSpecifier(op + want)
	if err != nil {
		return false, err
	}
	return spec.Check(v), nil
}

func compareString(have, op, want string) bool {
	switch op {
	case "==", "===":
		return have == want
	case "!=":
		return have != want
	case "in":
		return strings.Contains(want, have)
	case "not in":
		return !strings.Contains(want, have)
	case "<":
		return have < want
	case "<=":
		return have <= want
	case ">":
		return have > want
	case ">=":
		return have >= want
	}
	return false
}
