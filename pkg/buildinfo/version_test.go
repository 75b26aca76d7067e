package buildinfo

import (
	"strings"
	"testing"
)

func TestTemplate(t *testing.T) {
	tmpl := Template()
	if !strings.HasPrefix(tmpl, "{{.Name}} version "+Version) {
		t.Errorf("Template() = %q, should start with name and version", tmpl)
	}
	if !strings.Contains(tmpl, "commit: "+Commit) {
		t.Errorf("Template() = %q, should contain commit", tmpl)
	}
}

func TestString(t *testing.T) {
	s := String()
	for _, want := range []string{"version: " + Version, "commit: " + Commit, "built: " + Date} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}

func TestUserAgent(t *testing.T) {
	if got, want := UserAgent(), "polypkg/"+Version; got != want {
		t.Errorf("UserAgent() = %q, want %q", got, want)
	}
}
