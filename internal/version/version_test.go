package version

import (
	"runtime/debug"
	"testing"
)

func TestCurrentPrefersBuildVersion(t *testing.T) {
	prev := buildVersion
	t.Cleanup(func() { buildVersion = prev })

	buildVersion = "v1.2.3"
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("unexpected version %q", got)
	}
	if !Compatible("v1.2.3") || !Compatible("v1.2.3+dirty") {
		t.Fatal("expected matching versions to be compatible")
	}
	if Compatible("v1.2.4") {
		t.Fatal("expected different version to be incompatible")
	}
}

func TestPseudoFromBuildInfo(t *testing.T) {
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef"},
		{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		{Key: "vcs.modified", Value: "true"},
	}}
	got := pseudoFromBuildInfo(info)
	if got != "v0.0.0-20260102030405-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if pseudoFromBuildInfo(nil) != "" {
		t.Fatal("expected empty pseudo version for nil info")
	}
}

func TestMatch(t *testing.T) {
	if !Match(" v1.0.0+dirty", "v1.0.0") {
		t.Fatal("dirty marker must be ignored")
	}
	if Match("v1.0.0", "v1.0.1") {
		t.Fatal("different versions must not match")
	}
}
