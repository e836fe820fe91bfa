package resolver

import (
	"bufio"
	"bytes"
	"path"
	"runtime"
	"sort"
	"strings"

	"github.com/0xa1bed0/mkimage/internal/lockspec"
	"github.com/0xa1bed0/mkimage/internal/runtimepin"
	"github.com/0xa1bed0/mkimage/internal/stagefs"
	"github.com/0xa1bed0/mkimage/internal/versions"
)

// Verify checks an installed environment against the lock and the pin: the
// venv interpreter version matches the pin and the installed distributions
// are exactly the install set of the lock for this host and pin, at the
// locked versions.
func Verify(tree *stagefs.Tree, pin runtimepin.Pin, lock *lockspec.Spec) error {
	want, err := installSet(pin, lock)
	if err != nil {
		return err
	}

	cfg, err := tree.ReadFile(VenvDir + "/pyvenv.cfg")
	if err != nil {
		return mismatch("environment", "a virtual environment at "+VenvDir, "none")
	}
	got := pyvenvVersion(cfg)
	if !pinMatches(pin, got) {
		return mismatch("interpreter", pin.Raw, orNone(got))
	}

	installed := installedDists(tree)
	for _, pkg := range want {
		name := lockspec.NormalizeName(pkg.Name)
		v, ok := installed[name]
		if !ok {
			return mismatch("package "+pkg.Name, orNone(pkg.Version), "not installed")
		}
		// Local packages may carry a dynamic version the lock does not record.
		if pkg.Version != "" && !sameVersion(pkg.Version, v) {
			return mismatch("package "+pkg.Name, pkg.Version, v)
		}
		delete(installed, name)
	}

	if len(installed) > 0 {
		extra := make([]string, 0, len(installed))
		for name, v := range installed {
			extra = append(extra, name+"=="+v)
		}
		sort.Strings(extra)
		return mismatch("installed set", "only locked packages", strings.Join(extra, ", "))
	}
	return nil
}

// installSet is what a frozen non-dev sync installs from lock on this host
// for pin.
func installSet(pin runtimepin.Pin, lock *lockspec.Spec) ([]lockspec.Package, error) {
	return lock.InstallSet(lockspec.Target{GOOS: runtime.GOOS, GOARCH: runtime.GOARCH, Python: pin.Version})
}

func pyvenvVersion(cfg []byte) string {
	var version string
	sc := bufio.NewScanner(bytes.NewReader(cfg))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "version_info":
			return strings.TrimSpace(v)
		case "version":
			version = strings.TrimSpace(v)
		}
	}
	return version
}

func pinMatches(pin runtimepin.Pin, got string) bool {
	v, err := versions.ParsePython(got)
	if err != nil {
		return false
	}
	if pin.Exact() {
		return v.Equal(pin.Version)
	}
	return versions.MajorMinor(v) == pin.MajorMinor()
}

// installedDists maps normalized distribution names to versions, read from
// the *.dist-info directories of every site-packages in the venv.
func installedDists(tree *stagefs.Tree) map[string]string {
	out := map[string]string{}
	_ = tree.Walk(VenvDir, func(p string, n stagefs.Node) error {
		if n.Type != stagefs.TypeDir || !strings.HasSuffix(p, ".dist-info") {
			return nil
		}
		if path.Base(path.Dir(p)) != "site-packages" {
			return nil
		}
		base := strings.TrimSuffix(path.Base(p), ".dist-info")
		i := strings.LastIndex(base, "-")
		if i <= 0 {
			return nil
		}
		out[lockspec.NormalizeName(base[:i])] = base[i+1:]
		return nil
	})
	return out
}

func sameVersion(want, got string) bool {
	if want == got {
		return true
	}
	a, err := versions.ParsePython(want)
	if err != nil {
		return false
	}
	b, err := versions.ParsePython(got)
	if err != nil {
		return false
	}
	return a.Equal(b)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
