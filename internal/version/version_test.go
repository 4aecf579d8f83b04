package version

import "testing"

func TestCanonical(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"1.2.3", "v1.2.3", false},
		{"v1.2.3", "v1.2.3", false},
		{"1.2.3+build.5", "v1.2.3", false},
		{"1.2.3-rc.1", "v1.2.3-rc.1", false},
		{"1.2", "v1.2.0", false},
		{"not-a-version", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := Canonical(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Canonical(%q) expected error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Canonical(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Canonical(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCompareIgnoresBuildMetadata(t *testing.T) {
	if got := Compare("1.2.3+abc", "1.2.3+def"); got != 0 {
		t.Errorf("Compare with differing build metadata = %d, want 0", got)
	}
	if got := Compare("1.2.3", "1.2.4"); got >= 0 {
		t.Errorf("Compare(1.2.3, 1.2.4) = %d, want < 0", got)
	}
	if got := Compare("2.0.0", "1.9.9"); got <= 0 {
		t.Errorf("Compare(2.0.0, 1.9.9) = %d, want > 0", got)
	}
}

func TestParseConstraint(t *testing.T) {
	tests := []struct {
		expr    string
		version string
		want    bool
		wantErr bool
	}{
		{">=1.4.0", "1.4.0", true, false},
		{">=1.4.0", "1.5.2", true, false},
		{">=1.4.0", "1.3.9", false, false},
		{">1.0.0", "1.0.0", false, false},
		{">1.0.0", "1.0.1", true, false},
		{"<=2.0.0", "2.0.0", true, false},
		{"<2.0.0", "2.0.0", false, false},
		{"=1.2.3", "1.2.3", true, false},
		{"==1.2.3", "1.2.3", true, false},
		{"!=1.2.3", "1.2.3", false, false},
		{"!=1.2.3", "1.2.4", true, false},
		{"1.2.3", "1.2.3", true, false},
		{"1.2.3", "1.2.4", false, false},
		{" >= 1.4.0 ", "1.4.0", true, false},
		{">=banana", "", false, true},
		{"", "", false, true},
	}

	for _, tt := range tests {
		c, err := ParseConstraint(tt.expr)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseConstraint(%q) expected error", tt.expr)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseConstraint(%q) error = %v", tt.expr, err)
			continue
		}

		got, err := c.Check(tt.version)
		if err != nil {
			t.Errorf("Check(%q) against %q error = %v", tt.version, tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("constraint %q against %q = %v, want %v", tt.expr, tt.version, got, tt.want)
		}
	}
}

func TestCheckRejectsInvalidVersion(t *testing.T) {
	c, err := ParseConstraint(">=1.0.0")
	if err != nil {
		t.Fatalf("ParseConstraint() error = %v", err)
	}
	if _, err := c.Check("garbage"); err == nil {
		t.Error("expected error checking invalid version")
	}
}
