package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/primordial-run/coreos/internal/manifest"
)

type fakeVM struct {
	mu         sync.Mutex
	id         string
	uploads    map[string][]byte
	commands   [][]string
	runResult  RunResult
	runErr     error
	failMatch  string // when set, runErr only applies to commands whose argv contains this substring
	destroyed  bool
}

func cmdContains(cmd []string, substr string) bool {
	for _, arg := range cmd {
		if strings.Contains(arg, substr) {
			return true
		}
	}
	return false
}

func newFakeVM(id string) *fakeVM {
	return &fakeVM{id: id, uploads: map[string][]byte{}}
}

func (v *fakeVM) ID() string { return v.id }

func (v *fakeVM) UploadFile(_ context.Context, destPath string, data []byte, _ int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.uploads[destPath] = append([]byte(nil), data...)
	return nil
}

func (v *fakeVM) RunCommand(_ context.Context, cmd []string, _ RunOptions) (RunResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.commands = append(v.commands, cmd)
	if v.runErr != nil && (v.failMatch == "" || cmdContains(cmd, v.failMatch)) {
		return RunResult{}, v.runErr
	}
	return v.runResult, nil
}

func (v *fakeVM) Destroy(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.destroyed = true
	return nil
}

type fakeProvider struct {
	vm        *fakeVM
	failTimes int
	calls     int
}

func (p *fakeProvider) CreateVM(ctx context.Context, spec VMSpec) (VM, error) {
	p.calls++
	if p.calls <= p.failTimes {
		return nil, errors.New("transient create failure")
	}
	return p.vm, nil
}

func baseTestManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Name:       "demo-agent",
		Version:    "1",
		RunCommand: "python main.py",
		Filesystem: manifest.Filesystem{Workspace: manifest.WorkspaceReadwrite},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeouts.VMCreateSeconds = 1
	cfg.Timeouts.UploadSeconds = 1
	cfg.Timeouts.ProxyReadySeconds = 1
	cfg.Timeouts.SetupSeconds = 1
	return cfg
}

func noopProxyBinary() ([]byte, error) { return []byte("fake-binary"), nil }

func TestRunUploadsProxyBinaryAndEnvFile(t *testing.T) {
	vm := newFakeVM("vm-1")
	provider := &fakeProvider{vm: vm}
	orch := New(provider, testConfig(), nil, noopProxyBinary)

	m := baseTestManifest()
	session, err := orch.Run(context.Background(), m, Secrets{}, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session == nil {
		t.Fatalf("expected non-nil session")
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if _, ok := vm.uploads[credentialProxyBinaryPath]; !ok {
		t.Fatalf("expected proxy binary uploaded to %s", credentialProxyBinaryPath)
	}
	if _, ok := vm.uploads[agentEnvPath]; !ok {
		t.Fatalf("expected agent env uploaded to %s", agentEnvPath)
	}
}

func TestRunRetriesTransientCreateVMFailures(t *testing.T) {
	vm := newFakeVM("vm-2")
	provider := &fakeProvider{vm: vm, failTimes: 2}
	orch := New(provider, testConfig(), nil, noopProxyBinary)

	_, err := orch.Run(context.Background(), baseTestManifest(), Secrets{}, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.calls != 3 {
		t.Fatalf("expected 3 CreateVM attempts, got %d", provider.calls)
	}
}

func TestRunFailsClosedWhenHardeningFailsWithCredentialsInUse(t *testing.T) {
	vm := newFakeVM("vm-3")
	vm.runErr = errors.New("harden script missing")
	provider := &fakeProvider{vm: vm}
	orch := New(provider, testConfig(), nil, noopProxyBinary)

	_, err := orch.Run(context.Background(), baseTestManifest(), Secrets{"github": "sk-real"}, nil, nil)
	if err == nil {
		t.Fatalf("expected failure when hardening fails with credentials in use")
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if !vm.destroyed {
		t.Fatalf("expected VM to be destroyed on hardening failure")
	}
}

func TestRunSucceedsWithoutCredentialsWhenHardeningScriptMissing(t *testing.T) {
	vm := newFakeVM("vm-4")
	vm.runErr = errors.New("harden script missing")
	vm.failMatch = "primordial-harden"
	provider := &fakeProvider{vm: vm}
	orch := New(provider, testConfig(), nil, noopProxyBinary)

	_, err := orch.Run(context.Background(), baseTestManifest(), Secrets{}, nil, nil)
	if err != nil {
		t.Fatalf("expected success without credentials even if hardening is unavailable: %v", err)
	}
}

func TestBuildEgressPolicyPinsKnownProviderDomain(t *testing.T) {
	orch := New(&fakeProvider{}, DefaultConfig(), nil, noopProxyBinary)
	m := baseTestManifest()
	m.Providers = []manifest.ProviderDecl{{Name: "github", Domain: "evil.example.com"}}

	policy := orch.buildEgressPolicy(m)
	if len(policy.AllowedDomains) != 1 || policy.AllowedDomains[0] != "api.github.com" {
		t.Fatalf("expected pinned github domain, got %+v", policy.AllowedDomains)
	}
}

func TestBuildEgressPolicyUnrestrictedOverridesEverything(t *testing.T) {
	orch := New(&fakeProvider{}, DefaultConfig(), nil, noopProxyBinary)
	m := baseTestManifest()
	m.NetworkUnrestricted = true
	policy := orch.buildEgressPolicy(m)
	if !policy.Unrestricted {
		t.Fatalf("expected unrestricted egress policy")
	}
}

func TestCloseIsIdempotentAndDestroysVM(t *testing.T) {
	vm := newFakeVM("vm-5")
	vm.runResult = RunResult{Stdout: nil}
	orch := New(&fakeProvider{vm: vm}, DefaultConfig(), nil, noopProxyBinary)
	session := &SessionHandle{vm: vm, orch: orch}

	if _, err := session.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := session.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.commands) != 1 {
		t.Fatalf("expected snapshot command to run exactly once, ran %d times", len(vm.commands))
	}
	if !vm.destroyed {
		t.Fatalf("expected VM destroyed")
	}
}

func TestRunAgentUsesAppEntrypoint(t *testing.T) {
	vm := newFakeVM("vm-6")
	session := &SessionHandle{vm: vm, orch: New(&fakeProvider{vm: vm}, DefaultConfig(), nil, noopProxyBinary)}

	var stdin io.Reader = bytes.NewReader(nil)
	if _, err := session.RunAgent(context.Background(), "python main.py", stdin); err != nil {
		t.Fatalf("RunAgent: %v", err)
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.commands) != 1 || vm.commands[0][0] != appEntrypointPath {
		t.Fatalf("expected command to invoke app-entrypoint, got %+v", vm.commands)
	}
}
