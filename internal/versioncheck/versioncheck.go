// Package versioncheck looks up the latest mkimage release.
package versioncheck

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/state"
)

const (
	GitHubOwner = "0xa1bed0"
	GitHubRepo  = "mkimage"

	// CacheTTL is how long a looked up release is trusted.
	CacheTTL       = 24 * time.Hour
	RequestTimeout = 5 * time.Second

	namespace state.Namespace  = "versioncheck"
	cacheKey  state.KVStoreKey = "latest"
)

type InstallMethod int

const (
	InstallMethodUnknown InstallMethod = iota
	InstallMethodHomebrew
	InstallMethodGoInstall
	InstallMethodDownload
)

type githubRelease struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

type cacheData struct {
	Version string    `json:"version"`
	URL     string    `json:"url"`
	Fetched time.Time `json:"fetched"`
}

type Result struct {
	CurrentVersion  string
	LatestVersion   string
	UpdateURL       string
	UpdateAvailable bool
	InstallMethod   InstallMethod
}

// Checker compares the running version with the latest release. The
// last answer is kept in the state database for CacheTTL; a nil store
// always asks GitHub.
type Checker struct {
	kv      *state.KVStore
	client  *http.Client
	baseURL string
	now     func() time.Time
}

func NewChecker(kv *state.KVStore) *Checker {
	return &Checker{
		kv:      kv,
		client:  &http.Client{Timeout: RequestTimeout},
		baseURL: "https://api.github.com",
		now:     time.Now,
	}
}

// Check returns nil when current is not a release version or when the
// latest release can't be determined.
func (c *Checker) Check(ctx context.Context, current string) *Result {
	cur, err := semver.NewVersion(current)
	if err != nil {
		logs.Debugf("[versioncheck] %q is not a release, skipping", current)
		return nil
	}

	cached, age, found := c.load(ctx)
	if found && age < CacheTTL {
		return buildResult(current, cur, cached)
	}

	latest, err := c.fetchLatestRelease(ctx)
	if err != nil {
		logs.Debugf("[versioncheck] %v", err)
		if found {
			return buildResult(current, cur, cached)
		}
		return nil
	}
	c.save(ctx, latest)
	return buildResult(current, cur, latest)
}

func buildResult(current string, cur *semver.Version, latest cacheData) *Result {
	res := &Result{
		CurrentVersion: current,
		LatestVersion:  latest.Version,
		UpdateURL:      latest.URL,
		InstallMethod:  detectInstallMethod(),
	}
	if v, err := semver.NewVersion(latest.Version); err == nil {
		res.UpdateAvailable = v.GreaterThan(cur)
	}
	return res
}

func (c *Checker) fetchLatestRelease(ctx context.Context) (cacheData, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", c.baseURL, GitHubOwner, GitHubRepo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return cacheData{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return cacheData{}, fmt.Errorf("fetch latest release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return cacheData{}, fmt.Errorf("github API returned status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return cacheData{}, fmt.Errorf("decode release: %w", err)
	}
	return cacheData{Version: release.TagName, URL: release.HTMLURL, Fetched: c.now()}, nil
}

func (c *Checker) load(ctx context.Context) (cacheData, time.Duration, bool) {
	if c.kv == nil {
		return cacheData{}, 0, false
	}
	entry, found, err := c.kv.Get(ctx, namespace, cacheKey)
	if err != nil || !found {
		return cacheData{}, 0, false
	}
	var data cacheData
	if err := json.Unmarshal([]byte(entry.Value), &data); err != nil {
		return cacheData{}, 0, false
	}
	return data, c.now().Sub(data.Fetched), true
}

func (c *Checker) save(ctx context.Context, data cacheData) {
	if c.kv == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	if err := c.kv.Upsert(ctx, namespace, cacheKey, string(raw)); err != nil {
		logs.Debugf("[versioncheck] can't cache release: %v", err)
	}
}

func detectInstallMethod() InstallMethod {
	execPath, err := os.Executable()
	if err != nil {
		return InstallMethodUnknown
	}
	realPath, err := filepath.EvalSymlinks(execPath)
	if err != nil {
		realPath = execPath
	}

	switch {
	case strings.Contains(realPath, "/Cellar/"),
		strings.Contains(realPath, "/homebrew/"),
		strings.Contains(realPath, "/linuxbrew/"):
		return InstallMethodHomebrew
	case strings.Contains(realPath, filepath.Join("go", "bin")):
		return InstallMethodGoInstall
	default:
		return InstallMethodDownload
	}
}

// PrintUpdateBanner tells the user how to upgrade when a newer release exists.
func PrintUpdateBanner(w io.Writer, result *Result) {
	if result == nil || !result.UpdateAvailable {
		return
	}

	fmt.Fprintf(w, "\n  A new version of mkimage is available: %s -> %s\n", result.CurrentVersion, result.LatestVersion)
	switch result.InstallMethod {
	case InstallMethodHomebrew:
		fmt.Fprintf(w, "  Run: brew upgrade mkimage\n")
	case InstallMethodGoInstall:
		fmt.Fprintf(w, "  Run: go install github.com/%s/%s/cmd/mkimage@latest\n", GitHubOwner, GitHubRepo)
	default:
		fmt.Fprintf(w, "  Download: %s\n", result.UpdateURL)
	}
	fmt.Fprintln(w)
}
