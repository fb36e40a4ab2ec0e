package buildinfo

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func stamp(t *testing.T, version, commit, date string) {
	t.Helper()
	oldVersion, oldCommit, oldDate := Version, Commit, Date
	Version, Commit, Date = version, commit, date
	t.Cleanup(func() { Version, Commit, Date = oldVersion, oldCommit, oldDate })
}

func TestString(t *testing.T) {
	stamp(t, "1.2.3", "deadbeef", "2026-01-30")
	assert.Equal(t, "version=1.2.3 commit=deadbeef date=2026-01-30 go="+runtime.Version(), String())
}

func TestResolvedVersionPrefersStamp(t *testing.T) {
	stamp(t, "v0.4.0", "abc", "today")
	assert.Equal(t, "v0.4.0", ResolvedVersion())
}

func TestResolvedVersionUnstamped(t *testing.T) {
	stamp(t, "dev", "none", "unknown")
	// Test binaries carry no module version, so the default stays.
	assert.NotEmpty(t, ResolvedVersion())
}
