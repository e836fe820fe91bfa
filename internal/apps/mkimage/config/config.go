package hostappconfig

import (
	"os"
	"path/filepath"
)

const (
	// EnvHome overrides the base directory of all host-side state.
	EnvHome = "MKIMAGE_HOME"

	// EnvNoUpdateCheck, when set to anything, stops builds from looking up
	// the latest release.
	EnvNoUpdateCheck = "MKIMAGE_NO_UPDATE_CHECK"
)

func UpdateCheckDisabled() bool {
	return os.Getenv(EnvNoUpdateCheck) != ""
}

func ensureFolder(path string) string {
	_ = os.MkdirAll(path, 0o755)
	return path
}

// ConfigBasePath is where mkimage keeps its state database, cache and logs:
// $MKIMAGE_HOME, or ~/.config/mkimage.
func ConfigBasePath() string {
	if p := os.Getenv(EnvHome); p != "" {
		return p
	}
	homedir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mkimage")
	}
	return filepath.Join(homedir, ".config", "mkimage")
}

func StateDBFile() string {
	return filepath.Join(ensureFolder(ConfigBasePath()), "state.db")
}

func cachePath() string {
	return filepath.Join(ConfigBasePath(), "cache")
}

// BlobsDir holds the content-addressed cache blobs.
func BlobsDir() string {
	return ensureFolder(filepath.Join(cachePath(), "blobs"))
}

// LocksDir holds the per-key writer locks of the cache.
func LocksDir() string {
	return ensureFolder(filepath.Join(cachePath(), "locks"))
}

// UVCacheDir is the download cache shared by every uv install.
func UVCacheDir() string {
	return ensureFolder(filepath.Join(cachePath(), "uv"))
}

func projectDataPath(projectName string) string {
	return filepath.Join(ConfigBasePath(), "projects", projectName)
}

// RunLogPath is the full log of one invocation for a project.
func RunLogPath(projectName, runID string) string {
	return filepath.Join(ensureFolder(filepath.Join(projectDataPath(projectName), "logs")), "run-"+runID+".log")
}
