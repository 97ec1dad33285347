package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"carton/internal/proc"
	"carton/internal/rpc"
	"carton/internal/wire"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_AllFormats(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"c.yaml", "runner_dir: /opt/runners\nrunner_spawn_timeout: 90s\nqueue_depth: 8\n"},
		{"c.json", `{"runner_dir":"/opt/runners","runner_spawn_timeout":"90s","queue_depth":8}`},
		{"c.toml", "runner_dir = \"/opt/runners\"\nrunner_spawn_timeout = \"90s\"\nqueue_depth = 8\n"},
	}
	for _, tc := range cases {
		cfg, err := Load(write(t, tc.name, tc.body))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if cfg.RunnerDir != "/opt/runners" || cfg.QueueDepth != 8 {
			t.Fatalf("%s: %+v", tc.name, cfg)
		}
		if got := cfg.EffectiveSpawnTimeout(); got != 90*time.Second {
			t.Fatalf("%s: spawn timeout %v", tc.name, got)
		}
	}
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	if _, err := Load(write(t, "c.ini", "x=1")); err == nil {
		t.Fatal("expected error for .ini")
	}
}

func TestDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.EffectiveSpawnTimeout(); got != proc.DefaultSpawnTimeout {
		t.Fatalf("spawn timeout default: %v", got)
	}
	if got := cfg.EffectiveShutdownTimeout(); got != proc.DefaultShutdownTimeout {
		t.Fatalf("shutdown timeout default: %v", got)
	}
	if got := cfg.EffectiveMaxFrameBytes(); got != wire.DefaultMaxFrameBytes {
		t.Fatalf("max frame default: %d", got)
	}
	if got := cfg.EffectiveQueueDepth(); got != rpc.DefaultQueueDepth {
		t.Fatalf("queue depth default: %d", got)
	}
	if got := cfg.EffectiveSpawnTimeout(); got <= 0 {
		t.Fatalf("non-positive timeout: %v", got)
	}
}

func TestBadDurationFallsBack(t *testing.T) {
	cfg := Config{RunnerSpawnTimeout: "soon"}
	if got := cfg.EffectiveSpawnTimeout(); got != proc.DefaultSpawnTimeout {
		t.Fatalf("bad duration should fall back, got %v", got)
	}
}
