package dealgrid

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/dealgrid/filelock"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{UnitID: "E001"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default, got %q", cfg.Listen)
	}
	if cfg.LockFile != filelock.DefaultPath() {
		t.Fatalf("expected lock file default, got %q", cfg.LockFile)
	}
	if cfg.LockWarnThreshold != DefaultLockWarnThreshold {
		t.Fatalf("expected warn threshold default, got %v", cfg.LockWarnThreshold)
	}
	if cfg.HeloPeriod != DefaultHeloPeriod {
		t.Fatalf("expected helo period default, got %v", cfg.HeloPeriod)
	}
	if cfg.InterlockTimeout != DefaultInterlockTimeout || cfg.InterlockAttempts != DefaultInterlockAttempts {
		t.Fatalf("expected interlock defaults, got %v/%d", cfg.InterlockTimeout, cfg.InterlockAttempts)
	}
	if cfg.DealSink != DealSinkBus {
		t.Fatalf("expected deal sink default %q, got %q", DealSinkBus, cfg.DealSink)
	}
	if cfg.KeepalivePeriod != 5*time.Second || cfg.KeepaliveTimeout != 5*time.Second {
		t.Fatalf("expected keepalive defaults, got %v/%v", cfg.KeepalivePeriod, cfg.KeepaliveTimeout)
	}
	if cfg.ShutdownTimeout <= 0 || cfg.DisposeInterval <= 0 || cfg.VersionCheckTimeout <= 0 {
		t.Fatal("expected timing defaults")
	}
}

func TestConfigValidateNormalizes(t *testing.T) {
	cfg := Config{
		UnitID:            " E001 ",
		Peers:             []string{"http://b:9451", " ", "http://b:9451", "https://c:9451"},
		DealSink:          " LOG ",
		LockWarnThreshold: -1,
		DisableFileLocks:  true,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.UnitID != "E001" {
		t.Fatalf("unit id not trimmed: %q", cfg.UnitID)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("expected deduplicated peers, got %v", cfg.Peers)
	}
	if cfg.DealSink != DealSinkLog {
		t.Fatalf("expected log sink, got %q", cfg.DealSink)
	}
	if cfg.LockWarnThreshold != -1 {
		t.Fatalf("negative warn threshold must stay disabled, got %v", cfg.LockWarnThreshold)
	}
	if cfg.LockFile != "" {
		t.Fatalf("lock file must stay empty when file locks are disabled, got %q", cfg.LockFile)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := map[string]Config{
		"missing unit":      {},
		"dotted unit":       {UnitID: "E.001"},
		"bad peer":          {UnitID: "E001", Peers: []string{"tcp://b:1"}},
		"bad lock template": {UnitID: "E001", LockFile: filepath.Join(os.TempDir(), "x.lock")},
		"double verb":       {UnitID: "E001", LockFile: "/tmp/%s.%s.lock"},
		"bad sink":          {UnitID: "E001", DealSink: "s3"},
		"negative attempts": {UnitID: "E001", InterlockAttempts: -1},
		"profiling":         {UnitID: "E001", EnableProfilingMetrics: true},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DEALGRID_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("default config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %q, got %q", dir, got)
	}
}
