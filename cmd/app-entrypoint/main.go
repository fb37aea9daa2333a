// Command app-entrypoint runs inside the sandbox as the process that
// finally execs run_command. It loads the step-8 environment the
// orchestrator wrote to a file (env allowlist plus per-provider placeholder
// token and loopback base URL) and execs the agent's run_command with that
// environment, never with real secrets.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"
)

const agentEnvPath = "/run/primordial/agent-env"

func main() {
	loadEnvFile(agentEnvPath)
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "app-entrypoint requires a command")
		os.Exit(2)
	}
	cmd := "/bin/sh"
	args := []string{"/bin/sh", "-c", strings.Join(os.Args[1:], " ")}
	if err := syscall.Exec(cmd, args, os.Environ()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func loadEnvFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
