// Package sandbox implements the sandbox orchestrator: the ordered,
// security-critical bring-up sequence from spec.md §4.4. The microVM/
// firewall provider itself is out of scope per spec.md §1 and is expressed
// here only as the Provider interface; internal/sandbox/docker supplies a
// concrete container-based adapter.
package sandbox

import (
	"context"
	"io"
)

// EgressPolicy describes which domains a VM may reach, per spec.md §4.4
// step 2.
type EgressPolicy struct {
	// DenyAll, when true with AllowedDomains empty, blocks all egress.
	DenyAll bool
	// Unrestricted allows all egress (requires prior user consent at the
	// CLI layer, out of scope here).
	Unrestricted bool
	// AllowedDomains is the union of declared domains, auto-allowed
	// package registries, and pinned known-provider domains.
	AllowedDomains []string
}

// VMSpec is what CreateVM needs to bring up an empty sandbox.
type VMSpec struct {
	Name   string
	Env    map[string]string
	Egress EgressPolicy
	// MemoryMB/CPUShares are advisory resource limits (SPEC_FULL.md §9
	// Open Question 1) — a Provider may apply them or ignore them.
	MemoryMB  int
	CPUShares int
}

// RunOptions configures one RunCommand invocation.
type RunOptions struct {
	Stdin   io.Reader
	User    string
	WorkDir string
}

// RunResult is the outcome of RunCommand: captured stdout/stderr and exit
// code, per spec.md §1's named contract for the external collaborator.
type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// VM is a single running sandbox instance.
type VM interface {
	ID() string
	UploadFile(ctx context.Context, destPath string, data []byte, mode int64) error
	RunCommand(ctx context.Context, cmd []string, opts RunOptions) (RunResult, error)
	Destroy(ctx context.Context) error
}

// Provider is the out-of-scope microVM/firewall provider's named contract
// from spec.md §1: create VM, set egress policy, upload file, run command.
// SetEgressPolicy is folded into CreateVM's VMSpec since every concrete
// provider observed in the examples (Docker) only supports configuring
// network policy at container-creation time, not after.
type Provider interface {
	CreateVM(ctx context.Context, spec VMSpec) (VM, error)
}
