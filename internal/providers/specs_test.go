package providers

import "testing"

func TestKnownProvidersHavePinnedDomains(t *testing.T) {
	for name, spec := range Known {
		if spec.Domain == "" {
			t.Fatalf("provider %q has no pinned domain", name)
		}
		if err := ValidateAuthStyle(spec.AuthStyle); err != nil {
			t.Fatalf("provider %q: %v", name, err)
		}
	}
}

func TestDefaultEnvVarDerivation(t *testing.T) {
	cases := map[Name]string{
		"stripe":       "STRIPE_API_KEY",
		"google-places": "GOOGLE_PLACES_API_KEY",
	}
	for name, want := range cases {
		if got := DefaultEnvVar(name); got != want {
			t.Fatalf("DefaultEnvVar(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestValidateNameRejectsUppercaseAndUnderscore(t *testing.T) {
	for _, bad := range []Name{"Stripe", "stripe_co", "1stripe", ""} {
		if err := ValidateName(bad); err == nil {
			t.Fatalf("expected ValidateName(%q) to fail", bad)
		}
	}
}
