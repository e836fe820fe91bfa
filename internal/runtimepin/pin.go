// Package runtimepin reads the runtime pin file (.python-version) that names
// the single interpreter version a build provisions.
package runtimepin

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/0xa1bed0/mkimage/internal/versions"
)

// DefaultFile is the conventional pin file name at the project root.
const DefaultFile = ".python-version"

var ErrInvalidPin = errors.New("invalid runtime pin")

// Pin is a parsed runtime pin. Raw keeps the text as written so images and
// cache keys use exactly what the project declared.
type Pin struct {
	Raw     string
	Version *semver.Version
}

func (p Pin) String() string { return p.Raw }

// MajorMinor returns "3.12" for a pin of "3.12" or "3.12.4".
func (p Pin) MajorMinor() string { return versions.MajorMinor(p.Version) }

// Exact reports whether the pin names a patch release.
func (p Pin) Exact() bool { return versions.Segments(p.Raw) == 3 }

// Load reads and parses the pin file at path.
func Load(path string) (Pin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Pin{}, fmt.Errorf("runtime pin: %w", err)
	}
	pin, err := Parse(data)
	if err != nil {
		return Pin{}, fmt.Errorf("%s: %w", path, err)
	}
	return pin, nil
}

// Parse accepts exactly one non-empty, non-comment line holding a CPython
// version. An optional "cpython-" or "python" prefix is tolerated.
func Parse(data []byte) (Pin, error) {
	var active []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		active = append(active, line)
	}
	if err := sc.Err(); err != nil {
		return Pin{}, fmt.Errorf("%w: %v", ErrInvalidPin, err)
	}

	switch len(active) {
	case 0:
		return Pin{}, fmt.Errorf("%w: no version declared", ErrInvalidPin)
	case 1:
	default:
		return Pin{}, fmt.Errorf("%w: %d versions declared, exactly one is allowed", ErrInvalidPin, len(active))
	}

	raw := active[0]
	raw = strings.TrimPrefix(raw, "cpython-")
	raw = strings.TrimPrefix(raw, "python")
	v, err := versions.ParsePython(raw)
	if err != nil {
		return Pin{}, fmt.Errorf("%w: %v", ErrInvalidPin, err)
	}
	return Pin{Raw: raw, Version: v}, nil
}
