package manifest

import (
	"fmt"

	"github.com/primordial-run/coreos/internal/providers"
)

// ValidationError names one rejected field and why, per spec.md §4.1's
// contract: validate(raw_manifest) -> Manifest | ValidationError{field, reason}.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Errors is a batch of ValidationError — spec.md §4.1 requires every
// violation to be reported in one pass, not first-wins.
type Errors []ValidationError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	s := fmt.Sprintf("%d validation error(s):", len(e))
	for _, ve := range e {
		s += "\n  - " + ve.Error()
	}
	return s
}

// Validate parses and strictly validates raw manifest bytes, returning a
// *Manifest only when it collects zero ValidationErrors.
func Validate(raw []byte) (*Manifest, error) {
	m, err := Parse(raw)
	if err != nil {
		return nil, Errors{{Field: "<document>", Reason: err.Error()}}
	}

	var errs Errors

	if innerErrs, err := innerFieldsStrict(raw); err != nil {
		return nil, Errors{{Field: "<document>", Reason: err.Error()}}
	} else {
		errs = append(errs, innerErrs...)
	}

	if len(m.Name) < 3 || len(m.Name) > 40 || !nameRE.MatchString(m.Name) {
		errs = append(errs, ValidationError{Field: "name", Reason: "must be 3-40 chars matching ^[a-z][a-z0-9-]*$"})
	}
	if m.RunCommand == "" {
		errs = append(errs, ValidationError{Field: "run_command", Reason: "required"})
	}
	switch m.Filesystem.Workspace {
	case WorkspaceNone, WorkspaceReadonly, WorkspaceReadwrite, "":
	default:
		errs = append(errs, ValidationError{Field: "filesystem.workspace", Reason: "must be none, readonly, or readwrite"})
	}

	protected := protectedSet()

	envVars := map[string][]string{}      // env_var -> providers declaring it
	baseURLEnvs := map[string][]string{}   // base_url_env -> providers declaring it
	providerNames := map[string][]int{}    // provider name -> indices (for duplicate declarations)

	for i, p := range m.Providers {
		field := fmt.Sprintf("providers[%d]", i)

		if err := providers.ValidateName(p.Name); err != nil {
			errs = append(errs, ValidationError{Field: field + ".name", Reason: err.Error()})
		} else {
			providerNames[string(p.Name)] = append(providerNames[string(p.Name)], i)
		}

		known, isKnown := providers.Lookup(p.Name)

		domain := p.Domain
		if isKnown {
			// Known providers' domains are pinned; manifest overrides are
			// discarded, per spec.md §3 and §9 ("defeat redirection attacks").
			domain = known.Domain
		}
		if domain == "" {
			errs = append(errs, ValidationError{Field: field + ".domain", Reason: "required for unknown providers"})
		} else if err := validateDomain(domain); err != nil && !isKnown {
			errs = append(errs, ValidationError{Field: field + ".domain", Reason: err.Error()})
		}

		authStyle := p.AuthStyle
		if isKnown {
			authStyle = known.AuthStyle
		}
		if err := providers.ValidateAuthStyle(authStyle); err != nil {
			errs = append(errs, ValidationError{Field: field + ".auth_style", Reason: err.Error()})
		}

		envVar := p.EnvVar
		if envVar == "" {
			envVar = providers.DefaultEnvVar(p.Name)
		}
		if err := validateEnvVarName(envVar); err != nil {
			errs = append(errs, ValidationError{Field: field + ".env_var", Reason: err.Error()})
		} else if reason, bad := checkProtected(envVar, p.Name, protected); bad {
			errs = append(errs, ValidationError{Field: field + ".env_var", Reason: reason})
		} else {
			envVars[envVar] = append(envVars[envVar], string(p.Name))
		}

		baseURLEnv := p.BaseURLEnv
		if baseURLEnv == "" {
			baseURLEnv = providers.DefaultBaseURLEnv(p.Name)
		}
		if err := validateEnvVarName(baseURLEnv); err != nil {
			errs = append(errs, ValidationError{Field: field + ".base_url_env", Reason: err.Error()})
		} else if reason, bad := checkProtected(baseURLEnv, p.Name, protected); bad {
			errs = append(errs, ValidationError{Field: field + ".base_url_env", Reason: reason})
		} else {
			baseURLEnvs[baseURLEnv] = append(baseURLEnvs[baseURLEnv], string(p.Name))
		}
	}

	for name, indices := range providerNames {
		if len(indices) > 1 {
			errs = append(errs, ValidationError{
				Field:  "providers[*].name",
				Reason: fmt.Sprintf("duplicate provider %q declared at indices %v", name, indices),
			})
		}
	}

	for envVar, owners := range envVars {
		if len(owners) > 1 {
			errs = append(errs, ValidationError{
				Field:  "providers[*].env_var",
				Reason: fmt.Sprintf("duplicate env_var %q declared by providers %v", envVar, owners),
			})
		}
	}
	for envVar, owners := range baseURLEnvs {
		if len(owners) > 1 {
			errs = append(errs, ValidationError{
				Field:  "providers[*].base_url_env",
				Reason: fmt.Sprintf("duplicate base_url_env %q declared by providers %v", envVar, owners),
			})
		}
	}

	for i, d := range m.AllowedDomains {
		if err := validateDomain(d.Domain); err != nil {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("allowed_domains[%d].domain", i), Reason: err.Error()})
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return m, nil
}

// protectedSet is the compile-time constant set plus every known provider's
// env_var and base_url_env, per spec.md §9 ("Changing the known-provider
// table therefore widens the protected set automatically").
func protectedSet() map[string]struct{} {
	set := map[string]struct{}{}
	for k := range protectedEnvVars {
		set[k] = struct{}{}
	}
	for _, spec := range providers.Known {
		set[spec.EnvVar] = struct{}{}
		set[spec.BaseURLEnv] = struct{}{}
	}
	return set
}

// checkProtected reports whether name is in the protected set and, if so,
// whether the declaring provider is exempt (a known provider declaring its
// own canonical env vars is not a violation).
func checkProtected(name string, declaring providers.Name, protected map[string]struct{}) (string, bool) {
	if isDyldVar(name) {
		return fmt.Sprintf("%q is a protected host-critical variable", name), true
	}
	if _, ok := protected[name]; !ok {
		return "", false
	}
	known, isKnown := providers.Lookup(declaring)
	if isKnown && (known.EnvVar == name || known.BaseURLEnv == name) {
		return "", false
	}
	return fmt.Sprintf("%q is reserved (host-critical or another known provider's variable)", name), true
}

func validateDomain(domain string) error {
	if !domainRE.MatchString(domain) {
		return fmt.Errorf("invalid domain %q: must be a fully qualified host with a dot and a letter, no IP literals or single-label hosts", domain)
	}
	hasLetter := false
	for _, r := range domain {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			hasLetter = true
			break
		}
	}
	if !hasLetter {
		return fmt.Errorf("invalid domain %q: must contain at least one letter (rejects IP literals)", domain)
	}
	return nil
}

func validateEnvVarName(name string) error {
	if !envVarRE.MatchString(name) {
		return fmt.Errorf("invalid env var %q: must match ^[A-Z][A-Z0-9_]*$", name)
	}
	return nil
}
