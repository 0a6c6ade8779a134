package version

import (
	"strings"
	"testing"
)

func TestCurrentDefaults(t *testing.T) {
	build := Current()

	if build.Version != version {
		t.Errorf("unexpected version: %q", build.Version)
	}
	if build.Commit != commit {
		t.Errorf("unexpected commit: %q", build.Commit)
	}
	if build.Date != date {
		t.Errorf("unexpected date: %q", build.Date)
	}

	// Без -ldflags сборка должна представляться как dev, а не пустыми строками.
	if build.Version == "" || build.Commit == "" || build.Date == "" {
		t.Errorf("build fields must not be empty: %+v", build)
	}
}

func TestBuildString(t *testing.T) {
	build := Build{Version: "v1.4.0", Commit: "deadbeef", Date: "2026-08-30"}
	s := build.String()

	for _, part := range []string{"v1.4.0", "deadbeef", "2026-08-30"} {
		if !strings.Contains(s, part) {
			t.Errorf("String() = %q, want it to contain %q", s, part)
		}
	}
}
