package telegram

import "testing"

func TestParseWatchdogCallback(t *testing.T) {
	cases := []struct {
		data      string
		wantRunID string
		wantKeep  bool
		wantOK    bool
	}{
		{"wd:run-123:keep", "run-123", true, true},
		{"wd:run-123:stop", "run-123", false, true},
		{"wd::keep", "", false, false},
		{"wd:run-123:maybe", "", false, false},
		{"hitl:run-123:approve", "", false, false},
		{"", "", false, false},
	}
	for _, c := range cases {
		runID, keep, ok := parseWatchdogCallback(c.data)
		if runID != c.wantRunID || keep != c.wantKeep || ok != c.wantOK {
			t.Errorf("parseWatchdogCallback(%q) = (%q, %v, %v), want (%q, %v, %v)",
				c.data, runID, keep, ok, c.wantRunID, c.wantKeep, c.wantOK)
		}
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	in := "Step 1.2: done! (ok)"
	got := escapeMarkdownV2(in)
	want := "Step 1\\.2: done\\! \\(ok\\)"
	if got != want {
		t.Errorf("escapeMarkdownV2(%q) = %q, want %q", in, got, want)
	}
}

func TestAllowedUserEmptyAllowlistPermitsAll(t *testing.T) {
	c := &Channel{}
	if !c.allowedUser(12345) {
		t.Error("empty allowlist should permit any user")
	}
}

func TestAllowedUserRestricted(t *testing.T) {
	c := &Channel{allowed: map[int64]struct{}{42: {}}}
	if !c.allowedUser(42) {
		t.Error("42 should be allowed")
	}
	if c.allowedUser(43) {
		t.Error("43 should not be allowed")
	}
}
