package converge

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestRuntimeYAML(t *testing.T) {
	out, err := testSpec().RuntimeYAML(18789)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("rendered config is not valid yaml: %v", err)
	}
	if doc["provider"] != "openrouter" || doc["model"] != "openrouter/anthropic/claude-sonnet-4" {
		t.Errorf("unexpected top level: %v", doc)
	}

	text := string(out)
	for _, want := range []string{
		"bind: 0.0.0.0:18789",
		"token: gw-token",
		"dmPolicy: pairing",
		"botToken: 100:AAA",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("rendered config missing %q", want)
		}
	}
}

func TestAllowFromJSON_Wildcard(t *testing.T) {
	spec := testSpec()
	spec.AllowFrom = nil
	out, err := spec.AllowFromJSON()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(string(out), `"*"`) {
		t.Fatalf("empty allow list should render a wildcard, got %s", out)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a, b := testSpec(), testSpec()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical specs must share a fingerprint")
	}
	b.Model = "openrouter/openai/gpt-4o"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("different specs must not collide")
	}
}

func TestValidate(t *testing.T) {
	spec := testSpec()
	if err := spec.Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
	spec.DMPolicy = "everyone"
	if err := spec.Validate(); err == nil {
		t.Fatal("invalid dm policy accepted")
	}
}
