package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"carton/pkg/types"
)

func writeManifest(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

const manifestA = `
version = 1

[[runner]]
runner_name = "python"
framework_version = "3.10.9"
runner_compat_version = 1
runner_interface_version = 2
runner_release_date = "2023-01-01T00:00:00Z"
runner_path = "bin/python_runner"
platform = "x86_64-unknown-linux-gnu"
`

const manifestB = `
version = 1

[[runner]]
runner_name = "python"
framework_version = "3.11.0"
runner_compat_version = 1
runner_interface_version = 2
runner_release_date = "2023-06-01T00:00:00Z"
runner_path = "bin/python_runner"
platform = "x86_64-unknown-linux-gnu"

[[runner]]
runner_name = "torch"
framework_version = "2.0.1"
runner_compat_version = 3
runner_interface_version = 1
runner_release_date = "2023-05-01T00:00:00Z"
runner_path = "/opt/torch/runner"
platform = "aarch64-apple-darwin"
`

func TestDiscover_CatalogueAndRelativePaths(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "a"), manifestA)
	writeManifest(t, filepath.Join(root, "b"), manifestB)

	infos, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(infos))
	}
	for _, c := range infos {
		if c.Name == "python" && !filepath.IsAbs(c.ExecutablePath) {
			t.Fatalf("relative runner_path not resolved: %s", c.ExecutablePath)
		}
		if c.Name == "torch" && c.ExecutablePath != "/opt/torch/runner" {
			t.Fatalf("absolute runner_path mangled: %s", c.ExecutablePath)
		}
	}

	// determinism over a fixed tree
	again, err := Discover(root)
	if err != nil {
		t.Fatalf("second discover: %v", err)
	}
	for i := range infos {
		if infos[i] != again[i] {
			t.Fatalf("catalogue differs between scans at %d", i)
		}
	}
}

func TestDiscover_NoRecursionBelowManifest(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "a"), manifestA)
	// a nested manifest below an existing one must be ignored
	writeManifest(t, filepath.Join(root, "a", "nested"), manifestB)

	infos, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 descriptor (no recursion below a manifest), got %d", len(infos))
	}
}

func TestDiscover_MissingRootIsEmpty(t *testing.T) {
	infos, err := Discover(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected empty catalogue, got %d", len(infos))
	}
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func catalogue(t *testing.T) []types.RunnerInfo {
	t.Helper()
	return []types.RunnerInfo{
		{Name: "python", FrameworkVersion: "3.10.9", InterfaceVersion: 2, ReleaseDate: mustDate(t, "2023-01-01T00:00:00Z"), Platform: "x86_64-unknown-linux-gnu", ExecutablePath: "/r/a"},
		{Name: "python", FrameworkVersion: "3.11.0", InterfaceVersion: 2, ReleaseDate: mustDate(t, "2023-06-01T00:00:00Z"), Platform: "x86_64-unknown-linux-gnu", ExecutablePath: "/r/b"},
		{Name: "torch", FrameworkVersion: "2.0.1", InterfaceVersion: 2, ReleaseDate: mustDate(t, "2023-05-01T00:00:00Z"), Platform: "x86_64-unknown-linux-gnu", ExecutablePath: "/r/c"},
	}
}

func TestSelect_NewestReleaseWins(t *testing.T) {
	got, err := Select(catalogue(t), Query{Name: "python", VersionRange: "=3.*", Platform: "x86_64-unknown-linux-gnu"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.FrameworkVersion != "3.11.0" {
		t.Fatalf("expected 3.11.0, got %s", got.FrameworkVersion)
	}
}

func TestSelect_TieBrokenByFrameworkVersion(t *testing.T) {
	date := mustDate(t, "2023-06-01T00:00:00Z")
	cat := []types.RunnerInfo{
		{Name: "python", FrameworkVersion: "3.10.9", InterfaceVersion: 2, ReleaseDate: date, Platform: "p"},
		{Name: "python", FrameworkVersion: "3.11.0", InterfaceVersion: 2, ReleaseDate: date, Platform: "p"},
	}
	got, err := Select(cat, Query{Name: "python", Platform: "p"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.FrameworkVersion != "3.11.0" {
		t.Fatalf("tie-break picked %s", got.FrameworkVersion)
	}
}

func TestSelect_Filters(t *testing.T) {
	cat := catalogue(t)
	cases := []struct {
		name string
		q    Query
	}{
		{"wrong name", Query{Name: "xgboost", Platform: "x86_64-unknown-linux-gnu"}},
		{"wrong platform", Query{Name: "python", Platform: "aarch64-apple-darwin"}},
		{"range excludes all", Query{Name: "python", VersionRange: ">=4.0.0", Platform: "x86_64-unknown-linux-gnu"}},
		{"unsupported interface", Query{Name: "python", Platform: "x86_64-unknown-linux-gnu", Supports: func(uint64) bool { return false }}},
	}
	for _, tc := range cases {
		if _, err := Select(cat, tc.q); !types.IsNoRunnerMatches(err) {
			t.Fatalf("%s: expected NoRunnerMatches, got %v", tc.name, err)
		}
	}
}

func TestRunnerDir_Resolution(t *testing.T) {
	if got := RunnerDir("/explicit"); got != "/explicit" {
		t.Fatalf("explicit dir: %s", got)
	}
	t.Setenv(EnvRunnerDir, "/from-env")
	if got := RunnerDir(""); got != "/from-env" {
		t.Fatalf("env dir: %s", got)
	}
	t.Setenv(EnvRunnerDir, "")
	if got := RunnerDir(""); got != DefaultRunnerDir {
		t.Fatalf("default dir: %s", got)
	}
}
