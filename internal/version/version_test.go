package version

import (
	"strings"
	"testing"
)

func TestUserAgent(t *testing.T) {
	oldV, oldSHA := Version, GitSHA
	t.Cleanup(func() { Version, GitSHA = oldV, oldSHA })

	Version, GitSHA = "1.2.3", "abc123"
	if got := UserAgent(); got != "fieldtrack/1.2.3 (abc123)" {
		t.Errorf("UserAgent() = %q", got)
	}
	if got := String(); !strings.Contains(got, "1.2.3") || !strings.Contains(got, "abc123") {
		t.Errorf("String() = %q", got)
	}
}
