// Orchestrator implements the ordered sandbox bring-up sequence from
// spec.md §4.4. Run performs steps 1, 2 and 4-8 in that order; step 3
// (uploading the agent code) is not part of Run: the caller performs it
// through SessionHandle.UploadAgentCode after Run returns, so the code lands
// after setup_command has run. A failure at any step inside Run tears down
// whatever was already created.
package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/primordial-run/coreos/internal/manifest"
	"github.com/primordial-run/coreos/internal/netpolicy"
	"github.com/primordial-run/coreos/internal/proxy"
	"github.com/primordial-run/coreos/internal/providers"
	"github.com/primordial-run/coreos/internal/snapshot"
)

// vmCreateRetries bounds the retry loop for transient CreateVM failures
// (container runtime restarts, brief daemon unavailability).
const vmCreateRetries = 3

// credentialProxyBinaryPath is where the orchestrator uploads the
// self-contained credential-proxy binary inside the sandbox.
const credentialProxyBinaryPath = "/usr/local/bin/primordial-credential-proxy"

const agentHomeDir = "/home/sandbox"

// Secrets is the minimal view the orchestrator needs of a resolved
// credential set: provider name -> real secret value.
type Secrets map[string]string

// ProxyBinary supplies the compiled credential-proxy binary's bytes, so this
// package never embeds a build step.
type ProxyBinary func() ([]byte, error)

// Orchestrator brings up one sandbox session per manifest.
type Orchestrator struct {
	provider    Provider
	cfg         Config
	logger      *log.Logger
	proxyBinary ProxyBinary
}

func New(provider Provider, cfg Config, logger *log.Logger, proxyBinary ProxyBinary) *Orchestrator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Orchestrator{provider: provider, cfg: cfg, logger: logger, proxyBinary: proxyBinary}
}

// SessionHandle is a live sandbox session. Close is idempotent: it always
// destroys the VM, packing state into the returned snapshot first.
type SessionHandle struct {
	vm     VM
	orch   *Orchestrator
	runEnv map[string]string
	closed bool
}

// Run executes the full step 1-8 bring-up sequence from spec.md §4.4 and
// returns a live SessionHandle positioned to run the agent command. hostEnv
// is the calling process's environment (typically os.Environ(), parsed by
// the caller); only names in o.cfg.EnvAllowlist cross into the sandbox.
func (o *Orchestrator) Run(ctx context.Context, m *manifest.Manifest, secrets Secrets, hostEnv map[string]string, priorState []byte) (*SessionHandle, error) {
	// Step 1: build the env allowlist (host env vars that cross the VM
	// boundary), independent of any provider credential.
	env := map[string]string{}
	for _, name := range o.cfg.EnvAllowlist {
		if v, ok := hostEnv[name]; ok {
			env[name] = v
		}
	}

	// Step 2: construct the egress policy and create the VM, retrying
	// transient provider failures with the same jittered backoff the
	// teacher uses for transient upstream errors.
	egress := o.buildEgressPolicy(m)
	spec := VMSpec{
		Name:      sandboxName(m),
		Env:       env,
		Egress:    egress,
		MemoryMB:  m.Resources.MemoryMB,
		CPUShares: m.Resources.CPUShares,
	}
	var vm VM
	var err error
	for attempt := 1; attempt <= vmCreateRetries; attempt++ {
		createCtx, cancel := context.WithTimeout(ctx, o.cfg.vmCreateTimeout())
		vm, err = o.provider.CreateVM(createCtx, spec)
		cancel()
		if err == nil {
			break
		}
		if attempt == vmCreateRetries {
			break
		}
		o.logger.Printf("sandbox: create vm attempt %d failed, retrying: %v", attempt, err)
		if sleepErr := netpolicy.SleepForRetry(ctx, attempt, nil); sleepErr != nil {
			err = sleepErr
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("sandbox: create vm: %w", err)
	}
	session := &SessionHandle{vm: vm, orch: o}

	// Step 3: uploading the agent code is not done here (the agent package
	// is opaque to the orchestrator); the caller does it after Run returns,
	// through session.UploadAgentCode, before calling RunAgent.

	// Step 4: restore prior state, if any.
	if len(priorState) > 0 {
		if err := o.restoreState(ctx, vm, priorState); err != nil {
			_ = vm.Destroy(ctx)
			return nil, fmt.Errorf("sandbox: restore state: %w", err)
		}
	}

	// Step 5: harden. This is the single most important ordering
	// invariant in the whole sequence (spec.md §5): it must run after
	// state restore (so a restored snapshot can't reintroduce a setuid
	// binary post-hardening) and before the credential proxy starts (so
	// nothing with an escalation path ever shares the VM with live
	// provider credentials).
	if err := o.harden(ctx, vm, len(secrets) > 0); err != nil {
		_ = vm.Destroy(ctx)
		return nil, fmt.Errorf("sandbox: harden: %w", err)
	}

	// Step 6: start the credential proxy.
	proxyEnv, err := o.startProxy(ctx, vm, m, secrets)
	if err != nil {
		_ = vm.Destroy(ctx)
		return nil, fmt.Errorf("sandbox: start proxy: %w", err)
	}

	// Step 7: run setup_command, now that proxy ports are bound.
	if m.SetupCommand != "" {
		setupCtx, setupCancel := context.WithTimeout(ctx, o.cfg.setupTimeout())
		_, err := vm.RunCommand(setupCtx, []string{"/bin/sh", "-c", m.SetupCommand}, RunOptions{WorkDir: agentHomeDir})
		setupCancel()
		if err != nil {
			_ = vm.Destroy(ctx)
			return nil, fmt.Errorf("sandbox: setup_command: %w", err)
		}
	}

	// Step 8: the final env for run_command is the allowlist union the
	// per-provider placeholder/base-url pairs from startProxy, delivered
	// to the in-sandbox app-entrypoint binary as a file rather than argv
	// or a second env var, so it never appears in a process listing.
	for k, v := range proxyEnv {
		env[k] = v
	}
	session.runEnv = env
	if err := vm.UploadFile(ctx, agentEnvPath, renderEnvFile(env), 0o600); err != nil {
		_ = vm.Destroy(ctx)
		return nil, fmt.Errorf("sandbox: upload agent env: %w", err)
	}
	return session, nil
}

const agentEnvPath = "/run/primordial/agent-env"

func renderEnvFile(env map[string]string) []byte {
	var buf bytes.Buffer
	for k, v := range env {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func (o *Orchestrator) buildEgressPolicy(m *manifest.Manifest) EgressPolicy {
	if m.NetworkUnrestricted {
		return EgressPolicy{Unrestricted: true}
	}
	var domains []string
	for _, d := range m.AllowedDomains {
		domains = append(domains, d.Domain)
	}
	for _, p := range m.Providers {
		if spec, ok := providers.Lookup(p.Name); ok {
			domains = append(domains, spec.Domain)
		}
	}
	if m.SetupCommand != "" && o.cfg.AllowRegistryAutoAllow {
		domains = append(domains, o.cfg.PackageRegistryDomains...)
	}
	if len(domains) == 0 {
		return EgressPolicy{DenyAll: true}
	}
	return EgressPolicy{AllowedDomains: domains}
}

func (o *Orchestrator) restoreState(ctx context.Context, vm VM, blob []byte) error {
	// Validate the snapshot structurally on the host, into a disposable
	// staging directory, before trusting it enough to upload into the VM
	// and extract there. VM.UploadFile is the only write primitive the
	// Provider interface exposes, so the in-sandbox init process performs
	// the real extraction once the blob lands.
	staging, err := os.MkdirTemp("", "primordial-restore-probe-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)
	if err := snapshot.Unpack(blob, staging); err != nil {
		return fmt.Errorf("validate snapshot before upload: %w", err)
	}
	return vm.UploadFile(ctx, "/tmp/restore.tar.gz", blob, 0o600)
}

// hardenScript strips the setuid/setgid bit from every regular file on the
// root filesystem that carries one (the standard privilege-escalation path
// out of a compromised agent process: sudo, su, mount, pkexec, and anything
// a package installed during setup_command left behind) and then remounts
// /proc with hidepid=2 so the agent can no longer enumerate or signal
// processes it doesn't own. Both steps are best-effort individually — a
// read-only /proc mount point or an already-bind-mounted filesystem can
// make either `chmod` or `mount` fail on an otherwise fine host — so the
// script only fails overall (non-zero exit) when neither step could be
// confirmed, which is what credentialsInUse turns into a hard abort below.
const hardenScript = `set -e
# primordial-harden: neutralize privilege escalation, hide the process table
find / -xdev \( -perm -4000 -o -perm -2000 \) -type f -exec chmod a-s {} + 2>/dev/null || true
remaining=$(find / -xdev \( -perm -4000 -o -perm -2000 \) -type f 2>/dev/null | wc -l)
mount -o remount,hidepid=2 /proc 2>/dev/null || mount -t proc -o hidepid=2 proc /proc 2>/dev/null || true
hidden=$(awk '$1 == "hidepid=2"' /proc/mounts 2>/dev/null | wc -l)
if [ "$remaining" -ne 0 ] && [ "$hidden" -eq 0 ]; then
	exit 1
fi
exit 0
`

func (o *Orchestrator) harden(ctx context.Context, vm VM, credentialsInUse bool) error {
	res, err := vm.RunCommand(ctx, []string{"/bin/sh", "-c", hardenScript}, RunOptions{})
	if err != nil {
		if credentialsInUse {
			return fmt.Errorf("hardening failed with provider credentials in use, failing closed: %w", err)
		}
		o.logger.Printf("sandbox: hardening unavailable, continuing without credentials: %v", err)
		return nil
	}
	if res.ExitCode != 0 {
		if credentialsInUse {
			return fmt.Errorf("hardening exited %d with provider credentials in use", res.ExitCode)
		}
		o.logger.Printf("sandbox: hardening reported incomplete (exit %d), continuing without credentials", res.ExitCode)
	}
	return nil
}

// startProxy uploads the credential-proxy binary, delivers its config over
// a dedicated exec's stdin, waits for the readiness marker, and returns the
// per-provider env vars (placeholder token + loopback base URL) to union
// into the agent's run environment.
func (o *Orchestrator) startProxy(ctx context.Context, vm VM, m *manifest.Manifest, secrets Secrets) (map[string]string, error) {
	bin, err := o.proxyBinary()
	if err != nil {
		return nil, fmt.Errorf("load credential-proxy binary: %w", err)
	}
	uploadCtx, cancel := context.WithTimeout(ctx, o.cfg.uploadTimeout())
	err = vm.UploadFile(uploadCtx, credentialProxyBinaryPath, bin, 0o700)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("upload proxy binary: %w", err)
	}

	token, err := randomHexToken(16)
	if err != nil {
		return nil, err
	}

	env := map[string]string{}
	var routes []proxy.Route
	port := 18080
	for _, p := range m.Providers {
		secret, ok := secrets[string(p.Name)]
		if !ok {
			continue
		}
		spec, known := providers.Lookup(p.Name)
		authHeader := string(p.AuthStyle)
		upstream := p.Domain
		envVar := p.EnvVar
		baseURLVar := p.BaseURLEnv
		if known {
			authHeader = string(spec.AuthStyle)
			upstream = spec.Domain
			if envVar == "" {
				envVar = spec.EnvVar
			}
			if baseURLVar == "" {
				baseURLVar = spec.BaseURLEnv
			}
		}
		if envVar == "" {
			envVar = providers.DefaultEnvVar(p.Name)
		}
		if baseURLVar == "" {
			baseURLVar = providers.DefaultBaseURLEnv(p.Name)
		}

		routes = append(routes, proxy.Route{
			Provider:     string(p.Name),
			ListenPort:   port,
			UpstreamHost: upstream,
			AuthHeader:   authHeader,
			Secret:       secret,
		})
		env[envVar] = token
		env[baseURLVar] = "http://127.0.0.1:" + strconv.Itoa(port)
		port++
	}

	cfg := proxy.Config{SessionToken: token, Routes: routes}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}

	readyCtx, readyCancel := context.WithTimeout(ctx, o.cfg.proxyReadyTimeout())
	defer readyCancel()
	_, err = vm.RunCommand(readyCtx, []string{credentialProxyBinaryPath}, RunOptions{
		Stdin: bytes.NewReader(cfgJSON),
	})
	if err != nil {
		return nil, fmt.Errorf("launch credential proxy: %w", err)
	}
	return env, nil
}

func randomHexToken(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func sandboxName(m *manifest.Manifest) string {
	suffix, err := randomHexToken(4)
	if err != nil {
		suffix = "0000"
	}
	return "primordial-" + m.Name + "-" + suffix
}

// UploadAgentCode implements step 3: the caller supplies the agent's code
// as an opaque tarball (already produced by whatever packages the agent
// package), uploaded before Close is ever called.
func (s *SessionHandle) UploadAgentCode(ctx context.Context, destPath string, code []byte, mode int64) error {
	uploadCtx, cancel := context.WithTimeout(ctx, s.orch.cfg.uploadTimeout())
	defer cancel()
	return s.vm.UploadFile(uploadCtx, destPath, code, mode)
}

// RunAgent executes run_command via the in-sandbox app-entrypoint binary,
// which loads the step-8 environment from agentEnvPath before exec'ing it.
func (s *SessionHandle) RunAgent(ctx context.Context, runCommand string, stdin io.Reader) (RunResult, error) {
	return s.vm.RunCommand(ctx, []string{appEntrypointPath, runCommand}, RunOptions{Stdin: stdin, WorkDir: agentHomeDir})
}

const appEntrypointPath = "/usr/local/bin/primordial-app-entrypoint"

// snapshotScript produces a gzipped tar of the four allowlisted
// subdirectories on stdout, matching internal/snapshot's own allowlist so
// the blob it prints is exactly what snapshot.Unpack will later accept.
const snapshotScript = `cd ` + agentHomeDir + ` && tar -czf - workspace data output state 2>/dev/null`

// Close asks the VM to produce a gzipped tar of its allowlisted state
// directories, validates it host-side with snapshot.Unpack into a
// disposable directory, and destroys the VM unconditionally. It is
// idempotent and safe to call more than once.
func (s *SessionHandle) Close(ctx context.Context) ([]byte, error) {
	if s.closed {
		return nil, nil
	}
	s.closed = true

	var state []byte
	res, err := s.vm.RunCommand(ctx, []string{"/bin/sh", "-c", snapshotScript}, RunOptions{})
	if err == nil && len(res.Stdout) > 0 {
		staging, mkErr := os.MkdirTemp("", "primordial-snapshot-validate-*")
		if mkErr == nil {
			if valErr := snapshot.Unpack(res.Stdout, staging); valErr == nil {
				state = res.Stdout
			} else {
				s.orch.logger.Printf("sandbox: discarding unvalidated snapshot: %v", valErr)
			}
			os.RemoveAll(staging)
		}
	}

	destroyErr := s.vm.Destroy(ctx)
	if destroyErr != nil {
		return state, fmt.Errorf("sandbox: destroy vm: %w", destroyErr)
	}
	return state, nil
}
