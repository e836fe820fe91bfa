package versions

import (
	"testing"

	"github.com/Masterminds/semver/v3"
)

func mustPython(t *testing.T, s string) *semver.Version {
	t.Helper()
	v, err := ParsePython(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func TestParsePython(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"3", "3.0.0"},
		{"3.12", "3.12.0"},
		{"3.12.4", "3.12.4"},
		{" 3.11.9\n", "3.11.9"},
		{"3.13.0rc1", "3.13.0-rc.1"},
	}
	for _, tt := range tests {
		if got := mustPython(t, tt.in).String(); got != tt.want {
			t.Errorf("ParsePython(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "python3.12", "3.12.4.1", "latest", "3.x"} {
		if _, err := ParsePython(bad); err == nil {
			t.Errorf("ParsePython(%q) should fail", bad)
		}
	}
}

func TestSegments(t *testing.T) {
	if Segments("3") != 1 || Segments("3.12") != 2 || Segments("3.12.1") != 3 || Segments("nope") != 0 {
		t.Fatal("unexpected segment counts")
	}
}

func TestPythonTagCompatible(t *testing.T) {
	v := mustPython(t, "3.12.4")
	tests := []struct {
		py, abi string
		want    bool
	}{
		{"py3", "none", true},
		{"py2.py3", "none", true},
		{"py38", "none", true},
		{"py313", "none", false},
		{"cp312", "cp312", true},
		{"cp311", "cp311", false},
		{"cp38", "abi3", true},
		{"cp313", "abi3", false},
		{"pp310", "pypy310_pp73", false},
		{"py2", "none", false},
	}
	for _, tt := range tests {
		if got := PythonTagCompatible(tt.py, tt.abi, v); got != tt.want {
			t.Errorf("PythonTagCompatible(%s, %s) = %v, want %v", tt.py, tt.abi, got, tt.want)
		}
	}
}
