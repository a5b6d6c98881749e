package version

import (
	"strings"
	"testing"
)

func withBuild(t *testing.T, v, c, d string) {
	t.Helper()
	prevV, prevC, prevD := version, commit, date
	version, commit, date = v, c, d
	t.Cleanup(func() { version, commit, date = prevV, prevC, prevD })
}

func TestCurrent_DefaultsToDevBuild(t *testing.T) {
	b := Current()
	if !b.Dev() {
		t.Fatalf("expected dev build by default, got %+v", b)
	}
	if b.Commit == "" || b.Date == "" {
		t.Fatalf("commit and date must not be empty: %+v", b)
	}
}

func TestCurrent_ReflectsLinkerValues(t *testing.T) {
	withBuild(t, "v1.4.0", "abc123", "2024-05-01")

	b := Current()
	if b.Dev() {
		t.Fatal("release build reported as dev")
	}
	if got := GetVersion(); got != "v1.4.0" {
		t.Fatalf("GetVersion = %q", got)
	}
	want := "canteen v1.4.0 (commit=abc123 date=2024-05-01)"
	if got := b.String(); got != want {
		t.Fatalf("String = %q, want %q", got, want)
	}
}

func TestUserAgent(t *testing.T) {
	withBuild(t, "v2.0.0", "def", "today")

	cases := map[string]string{
		"canteen-dashboard": "canteen-dashboard/v2.0.0",
		"":                  "canteen/v2.0.0",
	}
	for component, want := range cases {
		if got := Current().UserAgent(component); got != want {
			t.Errorf("UserAgent(%q) = %q, want %q", component, got, want)
		}
	}
}

func TestFields(t *testing.T) {
	withBuild(t, "v0.9.1", "feed", "yesterday")

	fields := Fields()
	if fields["version"] != "v0.9.1" || fields["commit"] != "feed" || fields["date"] != "yesterday" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if !strings.HasPrefix(Current().String(), Product) {
		t.Fatal("String must start with product name")
	}
}
