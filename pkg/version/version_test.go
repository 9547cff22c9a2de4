package version

import (
	"strings"
	"testing"
)

func TestFull(t *testing.T) {
	oldV, oldC := Version, Commit
	defer func() { Version, Commit = oldV, oldC }()

	Version, Commit = "1.2.0", ""
	if got := Full(); got != "1.2.0" {
		t.Errorf("Expected 1.2.0, got %s", got)
	}

	Commit = "abc123"
	if got := Full(); got != "1.2.0+abc123" {
		t.Errorf("Expected 1.2.0+abc123, got %s", got)
	}
}

func TestGoVersion(t *testing.T) {
	if !strings.HasPrefix(GoVersion(), "go") {
		t.Errorf("Expected go version string, got %s", GoVersion())
	}
}
