// Package manifest parses and strictly validates an agent's manifest: its
// declared providers, allowed domains, filesystem policy, and resource
// limits. See SPEC_FULL.md §4.1.
package manifest

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/primordial-run/coreos/internal/providers"
	"gopkg.in/yaml.v3"
)

// Workspace is the filesystem access level for the agent's home directory.
type Workspace string

const (
	WorkspaceNone      Workspace = "none"
	WorkspaceReadonly  Workspace = "readonly"
	WorkspaceReadwrite Workspace = "readwrite"
)

// ProviderDecl is one provider entry inside a manifest's providers[] list.
type ProviderDecl struct {
	Name       providers.Name      `yaml:"name"`
	Domain     string              `yaml:"domain,omitempty"`
	AuthStyle  providers.AuthStyle `yaml:"auth_style,omitempty"`
	EnvVar     string              `yaml:"env_var,omitempty"`
	BaseURLEnv string              `yaml:"base_url_env,omitempty"`
}

// AllowedDomain is one entry in allowed_domains[], with a free-text reason
// an author records for audit purposes. The reason is never interpreted.
type AllowedDomain struct {
	Domain string `yaml:"domain"`
	Reason string `yaml:"reason,omitempty"`
}

// Filesystem is the manifest's filesystem policy block.
type Filesystem struct {
	Workspace Workspace `yaml:"workspace"`
}

// Delegation declares whether this agent may spawn delegated agents, and
// which opaque identifiers it may delegate to. AllowedAgents is never
// interpreted by this package.
type Delegation struct {
	Enabled       bool     `yaml:"enabled"`
	AllowedAgents []string `yaml:"allowed_agents,omitempty"`
}

// ResourceLimits are advisory per SPEC_FULL.md §9 Open Question 1.
type ResourceLimits struct {
	MemoryMB  int `yaml:"memory_mb,omitempty"`
	CPUShares int `yaml:"cpu_shares,omitempty"`
}

// Manifest is one agent's validated declaration.
type Manifest struct {
	Name           string          `yaml:"name"`
	Version        string          `yaml:"version"`
	RunCommand     string          `yaml:"run_command"`
	SetupCommand   string          `yaml:"setup_command,omitempty"`
	Dependencies   string          `yaml:"dependencies,omitempty"`
	Providers      []ProviderDecl  `yaml:"providers,omitempty"`
	AllowedDomains []AllowedDomain `yaml:"allowed_domains,omitempty"`
	Filesystem     Filesystem      `yaml:"filesystem"`
	Delegation     Delegation      `yaml:"delegation,omitempty"`
	Resources      ResourceLimits  `yaml:"resources,omitempty"`

	// NetworkUnrestricted, if true, disables the egress allowlist entirely
	// (requires prior user consent at the CLI layer per spec.md §4.4 step 2).
	NetworkUnrestricted bool `yaml:"network_unrestricted,omitempty"`
}

// DeclaredProviders implements vault.ManifestProviders.
func (m *Manifest) DeclaredProviders() []string {
	out := make([]string, 0, len(m.Providers))
	for _, p := range m.Providers {
		out = append(out, string(p.Name))
	}
	return out
}

var nameRE = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
var domainRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)
var envVarRE = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// protectedEnvVars is the compile-time constant set from spec.md §3, widened
// automatically by every known provider's EnvVar/BaseURLEnv (see protectedSet).
var protectedEnvVars = map[string]struct{}{
	"PATH": {}, "HOME": {}, "SHELL": {}, "LANG": {}, "LD_PRELOAD": {},
	"LD_LIBRARY_PATH": {}, "PYTHONPATH": {}, "NODE_PATH": {}, "TERM": {}, "TZ": {},
}

func isDyldVar(name string) bool {
	return strings.HasPrefix(name, "DYLD_")
}

// Parse decodes raw YAML bytes into a Manifest without validating it.
// Unknown top-level fields are ignored per spec.md §6; use Validate for the
// full field-level and collision checks.
func Parse(raw []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(false) // top-level unknown fields ignored, per §6
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// innerFieldsStrict decodes raw as a generic document and reports any key
// inside providers[] entries that isn't in allowedProviderFields, even though
// unknown top-level fields are ignored. The top-level permissions map is
// decoded but its keys are not checked.
func innerFieldsStrict(raw []byte) ([]ValidationError, error) {
	var doc struct {
		Providers   []map[string]yaml.Node `yaml:"providers"`
		Permissions map[string]yaml.Node   `yaml:"permissions"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	allowedProviderFields := map[string]struct{}{
		"name": {}, "domain": {}, "auth_style": {}, "env_var": {}, "base_url_env": {},
	}
	var errs []ValidationError
	for i, p := range doc.Providers {
		for key := range p {
			if _, ok := allowedProviderFields[key]; !ok {
				errs = append(errs, ValidationError{
					Field:  fmt.Sprintf("providers[%d].%s", i, key),
					Reason: "unknown field",
				})
			}
		}
	}
	return errs, nil
}
