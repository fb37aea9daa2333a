package sandbox

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the orchestrator's own operational defaults — timeouts and
// the registry auto-allow flag — loaded from a TOML file the way the
// teacher's `si` CLI loads its own configuration (see SPEC_FULL.md §2
// Ambient Stack).
type Config struct {
	Timeouts struct {
		VMCreateSeconds      int `toml:"vm_create_seconds"`
		UploadSeconds        int `toml:"upload_seconds"`
		ProxyReadySeconds    int `toml:"proxy_ready_seconds"`
		SetupSeconds         int `toml:"setup_seconds"`
		ProxyRequestSeconds  int `toml:"proxy_request_seconds"`
	} `toml:"timeouts"`

	// AllowRegistryAutoAllow resolves SPEC_FULL.md §9 Open Question 3: a
	// config flag independent of setup_command's presence. Default true
	// preserves spec.md's literal "auto-allowed ... only if setup_command
	// is present" behavior.
	AllowRegistryAutoAllow bool `toml:"allow_registry_auto_allow"`

	// PackageRegistryDomains is the set auto-allowed when setup_command is
	// present and AllowRegistryAutoAllow is true.
	PackageRegistryDomains []string `toml:"package_registry_domains"`

	// EnvAllowlist is the fixed set of benign host env vars that cross the
	// VM boundary, per spec.md §4.4 step 1.
	EnvAllowlist []string `toml:"env_allowlist"`
}

// DefaultConfig matches the timeout defaults named in spec.md §5.
func DefaultConfig() Config {
	var c Config
	c.Timeouts.VMCreateSeconds = 120
	c.Timeouts.UploadSeconds = 60
	c.Timeouts.ProxyReadySeconds = 10
	c.Timeouts.SetupSeconds = 600
	c.Timeouts.ProxyRequestSeconds = 60
	c.AllowRegistryAutoAllow = true
	c.PackageRegistryDomains = []string{"registry.npmjs.org", "pypi.org", "files.pythonhosted.org", "proxy.golang.org"}
	c.EnvAllowlist = []string{"PATH", "HOME", "LANG", "LC_ALL", "TZ", "TERM"}
	return c
}

// LoadConfig reads and merges a TOML config file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read sandbox config: %w", err)
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse sandbox config: %w", err)
	}
	return cfg, nil
}

func (c Config) vmCreateTimeout() time.Duration     { return time.Duration(c.Timeouts.VMCreateSeconds) * time.Second }
func (c Config) uploadTimeout() time.Duration       { return time.Duration(c.Timeouts.UploadSeconds) * time.Second }
func (c Config) proxyReadyTimeout() time.Duration   { return time.Duration(c.Timeouts.ProxyReadySeconds) * time.Second }
func (c Config) setupTimeout() time.Duration        { return time.Duration(c.Timeouts.SetupSeconds) * time.Second }
