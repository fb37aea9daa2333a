// Package providers holds the fixed, process-wide table of known upstream
// APIs: their pinned domain, auth style, and default env-var names. It is
// the single source of truth the manifest validator and the proxy consult
// so a known provider's domain can never be overridden by a manifest (see
// SPEC_FULL.md §3, §9 "Known-provider table").
package providers

import (
	"fmt"
	"regexp"
)

// AuthStyle is either AuthBearer (the reserved "Authorization: Bearer
// <key>" meaning) or a custom header name matching nameRE.
type AuthStyle string

// AuthBearer is the reserved auth_style token meaning "Authorization:
// Bearer <key>", per spec.md §3.
const AuthBearer AuthStyle = "bearer"

// Name is a provider identifier: lowercase, hyphenless-safe for env-var
// derivation, matching ^[a-z][a-z0-9-]*$.
type Name string

const (
	Cloudflare   Name = "cloudflare"
	GitHub       Name = "github"
	GooglePlaces Name = "google-places"
	YouTube      Name = "youtube"
)

// Spec is the provider descriptor from spec.md §3.
type Spec struct {
	Name       Name
	Domain     string
	AuthStyle  AuthStyle
	EnvVar     string
	BaseURLEnv string
}

var nameRE = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Known is the immutable, process-wide table of known providers. It is
// initialized once at package load and never mutated at runtime, per
// SPEC_FULL.md §9. Manifest-declared domains for a name present here are
// discarded — the pinned Domain below is authoritative.
var Known = map[Name]Spec{
	Cloudflare: {
		Name:       Cloudflare,
		Domain:     "api.cloudflare.com",
		AuthStyle:  AuthBearer,
		EnvVar:     "CLOUDFLARE_API_KEY",
		BaseURLEnv: "CLOUDFLARE_BASE_URL",
	},
	GitHub: {
		Name:       GitHub,
		Domain:     "api.github.com",
		AuthStyle:  AuthBearer,
		EnvVar:     "GITHUB_API_KEY",
		BaseURLEnv: "GITHUB_BASE_URL",
	},
	GooglePlaces: {
		Name:       GooglePlaces,
		Domain:     "places.googleapis.com",
		AuthStyle:  "x-goog-api-key",
		EnvVar:     "GOOGLE_PLACES_API_KEY",
		BaseURLEnv: "GOOGLE_PLACES_BASE_URL",
	},
	YouTube: {
		Name:       YouTube,
		Domain:     "www.googleapis.com",
		AuthStyle:  "x-goog-api-key",
		EnvVar:     "YOUTUBE_API_KEY",
		BaseURLEnv: "YOUTUBE_BASE_URL",
	},
}

// Lookup returns the known spec for name, if any.
func Lookup(name Name) (Spec, bool) {
	spec, ok := Known[name]
	return spec, ok
}

// DefaultEnvVar derives "<NAME>_API_KEY" from a provider name, matching
// spec.md §3's default for unknown providers.
func DefaultEnvVar(name Name) string {
	return upperSnake(string(name)) + "_API_KEY"
}

// DefaultBaseURLEnv derives "<NAME>_BASE_URL" from a provider name.
func DefaultBaseURLEnv(name Name) string {
	return upperSnake(string(name)) + "_BASE_URL"
}

func upperSnake(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r == '-' {
			out = append(out, '_')
			continue
		}
		if r >= 'a' && r <= 'z' {
			out = append(out, r-('a'-'A'))
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// ValidateAuthStyle accepts AuthBearer or a custom header name matching
// ^[a-z][a-z0-9-]*$.
func ValidateAuthStyle(style AuthStyle) error {
	if style == AuthBearer {
		return nil
	}
	if !nameRE.MatchString(string(style)) {
		return fmt.Errorf("invalid auth_style %q: must be %q or match %s", style, AuthBearer, nameRE.String())
	}
	return nil
}

// ValidateName checks the provider-name regex from spec.md §3 (distinct
// from the manifest's own 3-40 char name rule in §4.1).
func ValidateName(name Name) error {
	if !nameRE.MatchString(string(name)) {
		return fmt.Errorf("invalid provider name %q: must match %s", name, nameRE.String())
	}
	return nil
}
