// Adapter wires the Docker client copied from the teacher into the
// sandbox.Provider/sandbox.VM contract (internal/sandbox/provider.go).
// Docker containers stand in for the out-of-scope microVM/firewall
// provider named in spec.md §1: network isolation is expressed as one
// shared bridge network for all sandboxes with an iptables-backed egress allowlist
// applied by the caller's environment, since the Docker Engine API itself
// has no first-class domain-allowlist primitive.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"

	"github.com/primordial-run/coreos/internal/sandbox"
)

// Image is the sandbox base image. It is not configurable per spec.md's
// Non-goals — provisioning the image itself is out of scope.
const Image = "primordial/sandbox-base:latest"

// ProviderAdapter implements sandbox.Provider over a Docker Engine client.
type ProviderAdapter struct {
	client      *Client
	networkName string
}

// NewProviderAdapter dials Docker and ensures the shared sandbox network
// exists, labeled so it can be found and torn down independently of any
// one container's lifetime.
func NewProviderAdapter(ctx context.Context) (*ProviderAdapter, error) {
	cli, err := NewClient()
	if err != nil {
		return nil, fmt.Errorf("docker adapter: %w", err)
	}
	const netName = "primordial-sandbox"
	if _, err := cli.EnsureNetwork(ctx, netName, map[string]string{"primordial.managed": "true"}); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker adapter: ensure network: %w", err)
	}
	return &ProviderAdapter{client: cli, networkName: netName}, nil
}

func (p *ProviderAdapter) Close() error {
	return p.client.Close()
}

// CreateVM starts a fresh, unprivileged container for the given spec. The
// egress policy is applied as a container label consumed by the host's
// iptables reconciler (out of scope for this repo, per spec.md §1) rather
// than by a Docker API call, since container-level domain filtering has no
// Engine API equivalent.
func (p *ProviderAdapter) CreateVM(ctx context.Context, spec sandbox.VMSpec) (sandbox.VM, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	labels := map[string]string{
		"primordial.managed": "true",
		"primordial.egress":  egressLabel(spec.Egress),
	}

	cfg := &container.Config{
		Image:      Image,
		Env:        env,
		Labels:     labels,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/home/sandbox",
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode(p.networkName),
		ReadonlyRootfs: false,
		Privileged:     false,
	}
	if spec.MemoryMB > 0 {
		hostCfg.Resources.Memory = int64(spec.MemoryMB) * 1024 * 1024
	}
	if spec.CPUShares > 0 {
		hostCfg.Resources.CPUShares = int64(spec.CPUShares)
	}
	netCfg := &network.NetworkingConfig{}

	id, err := p.client.CreateContainer(ctx, cfg, hostCfg, netCfg, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("docker adapter: create container: %w", err)
	}
	if err := p.client.StartContainer(ctx, id); err != nil {
		return nil, fmt.Errorf("docker adapter: start container: %w", err)
	}
	return &vmAdapter{client: p.client, id: id}, nil
}

func egressLabel(p sandbox.EgressPolicy) string {
	switch {
	case p.Unrestricted:
		return "unrestricted"
	case p.DenyAll || len(p.AllowedDomains) == 0:
		return "deny-all"
	default:
		return strings.Join(p.AllowedDomains, ",")
	}
}

// vmAdapter implements sandbox.VM over a single running container.
type vmAdapter struct {
	client *Client
	id     string
}

func (v *vmAdapter) ID() string { return v.id }

func (v *vmAdapter) UploadFile(ctx context.Context, destPath string, data []byte, mode int64) error {
	return v.client.CopyFileToContainer(ctx, v.id, destPath, data, mode)
}

func (v *vmAdapter) RunCommand(ctx context.Context, cmd []string, opts sandbox.RunOptions) (sandbox.RunResult, error) {
	var stdout, stderr bytes.Buffer
	execOpts := ExecOptions{WorkDir: opts.WorkDir, User: opts.User}
	err := v.client.Exec(ctx, v.id, cmd, execOpts, opts.Stdin, &stdout, &stderr)
	res := sandbox.RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		res.ExitCode = 1
		return res, err
	}
	return res, nil
}

func (v *vmAdapter) Destroy(ctx context.Context) error {
	return v.client.RemoveContainer(ctx, v.id, true)
}

// HostPortFor looks up the published host port for a container port, used
// by the orchestrator to reach the in-sandbox credential proxy's listeners
// when the sandbox network is bridged rather than host-mode.
func (v *vmAdapter) HostPortFor(ctx context.Context, containerPort int) (string, error) {
	return v.client.HostPortFor(ctx, v.id, containerPort, "tcp")
}
