package carton

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"carton/internal/fsproxy"
	"carton/pkg/types"
)

func TestReadPackageMeta(t *testing.T) {
	dir := t.TempDir()
	meta, err := readPackageMeta(dir)
	if err != nil {
		t.Fatalf("missing descriptor should be fine: %v", err)
	}
	if meta.RunnerName != "" {
		t.Fatalf("empty meta expected, got %+v", meta)
	}

	body := "runner_name = \"torch\"\nrequired_framework_version = \">=2.0.0\"\n"
	if err := os.WriteFile(filepath.Join(dir, "carton.toml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	meta, err = readPackageMeta(dir)
	if err != nil {
		t.Fatal(err)
	}
	if meta.RunnerName != "torch" || meta.RequiredFrameworkVersion != ">=2.0.0" {
		t.Fatalf("meta: %+v", meta)
	}

	if err := os.WriteFile(filepath.Join(dir, "carton.toml"), []byte("runner_name = ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readPackageMeta(dir); !types.IsDecodeError(err) {
		t.Fatalf("malformed descriptor: want DecodeError, got %v", err)
	}
}

func TestSpawnForRequiresRunnerName(t *testing.T) {
	mounts := fsproxy.NewRegistry(0, zerolog.Nop())
	_, err := spawnFor(context.Background(), "", "", mounts, Options{RunnerDir: t.TempDir()})
	if !types.IsNoRunnerMatches(err) {
		t.Fatalf("want NoRunnerMatches, got %v", err)
	}
}

func TestParseDevice(t *testing.T) {
	dev, err := ParseDevice("cpu")
	if err != nil || dev.Kind != types.DeviceCPU {
		t.Fatalf("cpu: %+v %v", dev, err)
	}
	dev, err = ParseDevice("GPU-9b8d3f55-8d9a-4c3b-bb73-9caf521dc0ff")
	if err != nil || dev.Kind != types.DeviceGPU {
		t.Fatalf("gpu uuid: %+v %v", dev, err)
	}
}
