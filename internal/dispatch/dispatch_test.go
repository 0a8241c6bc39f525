package dispatch

import "testing"

func TestStaticResolver(t *testing.T) {
	r := StaticResolver{
		Numbers: map[string]string{"+15550100": "support"},
		Default: "reception",
	}

	if got, err := r.ResolveAgentForNumber("+15550100"); err != nil || got != "support" {
		t.Errorf("got %q, %v", got, err)
	}
	if got, err := r.ResolveAgentForNumber("+15550999"); err != nil || got != "reception" {
		t.Errorf("fallback: got %q, %v", got, err)
	}
}

func TestStaticResolverNoDefault(t *testing.T) {
	r := StaticResolver{Numbers: map[string]string{"+15550100": "support"}}
	if _, err := r.ResolveAgentForNumber("+15550999"); err == nil {
		t.Fatal("expected an error for an unmatched number")
	}
}
