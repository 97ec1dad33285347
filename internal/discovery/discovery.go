// Package discovery scans the runner directory for runner.toml manifests and
// selects an installed runner for a load request.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	toml "github.com/pelletier/go-toml/v2"

	"carton/pkg/types"
)

// EnvRunnerDir overrides the discovery root.
const EnvRunnerDir = "CARTON_RUNNER_DIR"

// DefaultRunnerDir is scanned when nothing else is configured.
const DefaultRunnerDir = "/usr/local/carton_runners"

// ManifestName is the per-directory manifest filename.
const ManifestName = "runner.toml"

// manifestVersion is the only manifest format we parse.
const manifestVersion = 1

// RunnerDir resolves the discovery root: explicit dir, then the environment,
// then the default.
func RunnerDir(dir string) string {
	if dir != "" {
		return dir
	}
	if v := os.Getenv(EnvRunnerDir); v != "" {
		return v
	}
	return DefaultRunnerDir
}

type manifestEntry struct {
	RunnerName             string `toml:"runner_name"`
	FrameworkVersion       string `toml:"framework_version"`
	RunnerCompatVersion    uint64 `toml:"runner_compat_version"`
	RunnerInterfaceVersion uint64 `toml:"runner_interface_version"`
	RunnerReleaseDate      string `toml:"runner_release_date"`
	RunnerPath             string `toml:"runner_path"`
	Platform               string `toml:"platform"`
}

type manifest struct {
	Version int             `toml:"version"`
	Runner  []manifestEntry `toml:"runner"`
}

// Discover walks dir and collects every descriptor. A directory holding a
// manifest is a leaf: the walk does not recurse below it. A missing root
// yields an empty catalogue. The result is sorted so a fixed tree always
// produces the same catalogue.
func Discover(dir string) ([]types.RunnerInfo, error) {
	root := RunnerDir(dir)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}
	infos, err := scan(root)
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool {
		a, b := infos[i], infos[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.FrameworkVersion != b.FrameworkVersion {
			return a.FrameworkVersion < b.FrameworkVersion
		}
		return a.ExecutablePath < b.ExecutablePath
	})
	return infos, nil
}

func scan(dir string) ([]types.RunnerInfo, error) {
	manifestPath := filepath.Join(dir, ManifestName)
	if _, err := os.Stat(manifestPath); err == nil {
		return parseManifest(manifestPath)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read runner dir %s: %w", dir, err)
	}
	var infos []types.RunnerInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub, err := scan(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		infos = append(infos, sub...)
	}
	return infos, nil
}

func parseManifest(path string) ([]types.RunnerInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := toml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("%s: unsupported manifest version %d", path, m.Version)
	}
	base := filepath.Dir(path)
	infos := make([]types.RunnerInfo, 0, len(m.Runner))
	for i, e := range m.Runner {
		if e.RunnerName == "" || e.RunnerPath == "" {
			return nil, fmt.Errorf("%s: entry %d is missing runner_name or runner_path", path, i)
		}
		date, err := time.Parse(time.RFC3339, e.RunnerReleaseDate)
		if err != nil {
			return nil, fmt.Errorf("%s: entry %d release date: %w", path, i, err)
		}
		exe := e.RunnerPath
		if !filepath.IsAbs(exe) {
			exe = filepath.Join(base, exe)
		}
		infos = append(infos, types.RunnerInfo{
			Name:             e.RunnerName,
			FrameworkVersion: e.FrameworkVersion,
			CompatVersion:    e.RunnerCompatVersion,
			InterfaceVersion: e.RunnerInterfaceVersion,
			ReleaseDate:      date,
			ExecutablePath:   exe,
			Platform:         e.Platform,
		})
	}
	return infos, nil
}

// Query narrows the catalogue to one runner.
type Query struct {
	Name         string
	VersionRange string // semver range; empty matches everything
	Platform     string // empty means the current platform
	// Supports reports whether the host speaks an interface major; nil
	// accepts all.
	Supports func(uint64) bool
}

// CurrentPlatform maps the running OS/arch to the target triples manifests
// use.
func CurrentPlatform() string {
	switch runtime.GOOS + "/" + runtime.GOARCH {
	case "linux/amd64":
		return "x86_64-unknown-linux-gnu"
	case "linux/arm64":
		return "aarch64-unknown-linux-gnu"
	case "darwin/amd64":
		return "x86_64-apple-darwin"
	case "darwin/arm64":
		return "aarch64-apple-darwin"
	case "windows/amd64":
		return "x86_64-pc-windows-msvc"
	default:
		return runtime.GOOS + "/" + runtime.GOARCH
	}
}

// Select picks the best descriptor: filter by name, platform, framework
// range, and supported interface major, then take the newest release date,
// breaking ties by the greater framework version.
func Select(catalogue []types.RunnerInfo, q Query) (types.RunnerInfo, error) {
	platform := q.Platform
	if platform == "" {
		platform = CurrentPlatform()
	}
	var rng *semver.Constraints
	if q.VersionRange != "" {
		c, err := semver.NewConstraint(q.VersionRange)
		if err != nil {
			return types.RunnerInfo{}, types.Errorf(types.ErrNoRunnerMatches, "bad framework version range %q: %v", q.VersionRange, err)
		}
		rng = c
	}

	var best *types.RunnerInfo
	var bestVer *semver.Version
	for i := range catalogue {
		c := catalogue[i]
		if c.Name != q.Name || c.Platform != platform {
			continue
		}
		ver, err := semver.NewVersion(c.FrameworkVersion)
		if err != nil {
			continue
		}
		if rng != nil && !rng.Check(ver) {
			continue
		}
		if q.Supports != nil && !q.Supports(c.InterfaceVersion) {
			continue
		}
		switch {
		case best == nil,
			c.ReleaseDate.After(best.ReleaseDate),
			c.ReleaseDate.Equal(best.ReleaseDate) && ver.GreaterThan(bestVer):
			best = &catalogue[i]
			bestVer = ver
		}
	}
	if best == nil {
		return types.RunnerInfo{}, types.Errorf(types.ErrNoRunnerMatches,
			"no installed runner matches name=%q range=%q platform=%q", q.Name, q.VersionRange, platform)
	}
	return *best, nil
}
