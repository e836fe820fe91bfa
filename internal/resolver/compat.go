package resolver

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/0xa1bed0/mkimage/internal/lockspec"
	"github.com/0xa1bed0/mkimage/internal/runtimepin"
	"github.com/0xa1bed0/mkimage/internal/versions"
)

// CheckCompatibility verifies that the pinned runtime can install the lock
// before anything is downloaded: requires-python must accept the pin and
// every wheel-only package must ship a wheel for it.
func CheckCompatibility(pin runtimepin.Pin, lock *lockspec.Spec) error {
	candidates := pinCandidates(pin)

	if rp := strings.TrimSpace(lock.RequiresPython()); rp != "" {
		spec, err := versions.ParseSpecifier(rp)
		if err != nil {
			return fmt.Errorf("lock requires-python: %w", err)
		}
		if !anyCandidate(candidates, spec.Check) {
			return mismatch("requires-python", spec.String(), pin.Raw)
		}
	}

	want, err := installSet(pin, lock)
	if err != nil {
		return err
	}
	for _, pkg := range want {
		if pkg.Source.Local() || pkg.Sdist != nil || len(pkg.Wheels) == 0 {
			continue
		}
		ok := false
		for _, w := range pkg.Wheels {
			tags, err := lockspec.ParseWheelFilename(w.Filename())
			if err != nil {
				continue
			}
			if anyCandidate(candidates, func(v *semver.Version) bool {
				return versions.PythonTagCompatible(tags.Python, tags.ABI, v)
			}) {
				ok = true
				break
			}
		}
		if !ok {
			return mismatch("wheels of "+pkg.Name+"=="+pkg.Version, "a wheel for python "+pin.MajorMinor(), "none")
		}
	}
	return nil
}

// pinCandidates lists the versions a pin may resolve to. A "3.12" pin lets
// the installer pick any 3.12 patch, so both ends are tried.
func pinCandidates(pin runtimepin.Pin) []*semver.Version {
	if pin.Exact() {
		return []*semver.Version{pin.Version}
	}
	latest := semver.New(pin.Version.Major(), pin.Version.Minor(), 999, "", "")
	return []*semver.Version{pin.Version, latest}
}

func anyCandidate(vs []*semver.Version, fn func(*semver.Version) bool) bool {
	for _, v := range vs {
		if fn(v) {
			return true
		}
	}
	return false
}
