package hostappconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPathsFollowHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv(EnvHome, home)

	for name, p := range map[string]string{
		"state":  StateDBFile(),
		"blobs":  BlobsDir(),
		"locks":  LocksDir(),
		"uv":     UVCacheDir(),
		"runlog": RunLogPath("tarot", "abc"),
	} {
		if !strings.HasPrefix(p, home+string(filepath.Separator)) {
			t.Errorf("%s path %s is outside %s", name, p, home)
		}
	}
	for _, dir := range []string{BlobsDir(), LocksDir(), UVCacheDir(), filepath.Dir(RunLogPath("tarot", "abc"))} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("%s was not created: %v", dir, err)
		}
	}
	if got := filepath.Base(RunLogPath("tarot", "abc")); got != "run-abc.log" {
		t.Errorf("run log name = %s", got)
	}
}
