// Command vaultctl is the operator CLI for the credential vault: put, get,
// list, and remove entries. Secret values are read from a non-echoing
// terminal prompt when --value is omitted, never accepted as a bare flag
// value logged in shell history unless the caller opts in explicitly.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/primordial-run/coreos/internal/vault"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "init":
		cmdInit(os.Args[2:])
	case "put":
		cmdPut(os.Args[2:])
	case "get":
		cmdGet(os.Args[2:])
	case "list":
		cmdList(os.Args[2:])
	case "remove":
		cmdRemove(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "vaultctl: unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: vaultctl <init|put|get|list|remove> [flags]

  init   --path <file>
  put    --path <file> --provider <name> [--key-id <id>] [--value <secret>]
  get    --path <file> --provider <name> [--key-id <id>]
  list   --path <file>
  remove --path <file> --provider <name> [--key-id <id>]`)
}

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", "", "vault file path")
	_ = fs.Parse(args)
	requirePath(*path)
	if _, err := vault.Create(vault.Config{Path: *path}); err != nil {
		fatalf("init: %v", err)
	}
	fmt.Printf("vault created at %s\n", *path)
}

func cmdPut(args []string) {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	path := fs.String("path", "", "vault file path")
	provider := fs.String("provider", "", "provider name")
	keyID := fs.String("key-id", "default", "key id")
	value := fs.String("value", "", "secret value (omit to be prompted)")
	_ = fs.Parse(args)
	requirePath(*path)
	if strings.TrimSpace(*provider) == "" {
		fatalf("put: --provider required")
	}
	if err := vault.ValidateKeyName(*keyID); err != nil {
		fatalf("put: %v", err)
	}

	secret := *value
	if secret == "" {
		var err error
		secret, err = readSecretFromTerminal("secret: ")
		if err != nil {
			fatalf("put: %v", err)
		}
	}

	v := openVault(*path)
	if err := v.Put(*provider, *keyID, secret); err != nil {
		fatalf("put: %v", err)
	}
	fmt.Printf("stored %s/%s\n", *provider, *keyID)
}

func cmdGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	path := fs.String("path", "", "vault file path")
	provider := fs.String("provider", "", "provider name")
	keyID := fs.String("key-id", "default", "key id")
	_ = fs.Parse(args)
	requirePath(*path)
	if strings.TrimSpace(*provider) == "" {
		fatalf("get: --provider required")
	}

	v := openVault(*path)
	secret, err := v.Get(*provider, *keyID)
	if err != nil {
		fatalf("get: %v", err)
	}
	fmt.Println(secret)
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	path := fs.String("path", "", "vault file path")
	_ = fs.Parse(args)
	requirePath(*path)

	v := openVault(*path)
	entries := v.List()
	if len(entries) == 0 {
		fmt.Println("(empty)")
		return
	}
	providerCol := columnWidth(entries, func(e vault.ListedEntry) string { return e.Provider })
	for _, e := range entries {
		pad := providerCol - runewidth.StringWidth(e.Provider)
		if pad < 0 {
			pad = 0
		}
		fmt.Printf("%s%s  %-12s  %s\n", e.Provider, strings.Repeat(" ", pad), e.KeyID, e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
}

func columnWidth(entries []vault.ListedEntry, field func(vault.ListedEntry) string) int {
	width := 0
	for _, e := range entries {
		if w := runewidth.StringWidth(field(e)); w > width {
			width = w
		}
	}
	return width
}

func cmdRemove(args []string) {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	path := fs.String("path", "", "vault file path")
	provider := fs.String("provider", "", "provider name")
	keyID := fs.String("key-id", "default", "key id")
	_ = fs.Parse(args)
	requirePath(*path)
	if strings.TrimSpace(*provider) == "" {
		fatalf("remove: --provider required")
	}

	v := openVault(*path)
	removed, err := v.Remove(*provider, *keyID)
	if err != nil {
		fatalf("remove: %v", err)
	}
	if !removed {
		fmt.Printf("no entry for %s/%s\n", *provider, *keyID)
		return
	}
	fmt.Printf("removed %s/%s\n", *provider, *keyID)
}

func openVault(path string) *vault.Vault {
	v, err := vault.Open(vault.Config{Path: path})
	if err != nil {
		fatalf("open vault: %v", err)
	}
	return v
}

func requirePath(path string) {
	if strings.TrimSpace(path) == "" {
		fatalf("--path is required")
	}
}

func readSecretFromTerminal(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bytes)), nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "vaultctl: "+format+"\n", args...)
	os.Exit(1)
}
