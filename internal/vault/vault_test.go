package vault

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestVault(t *testing.T) (*Vault, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.json")
	cfg := Config{Path: path, Keys: KeyConfig{Backend: "file", KeyFile: filepath.Join(dir, "identity.key")}}
	v, err := Create(cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return v, path
}

func TestPutGetRoundTrip(t *testing.T) {
	v, path := newTestVault(t)
	if err := v.Put("github", "default", "sk-REAL"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	dir := filepath.Dir(path)
	reopened, err := Open(Config{Path: path, Keys: KeyConfig{Backend: "file", KeyFile: filepath.Join(dir, "identity.key")}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := reopened.Get("github", "default")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "sk-REAL" {
		t.Fatalf("got %q want sk-REAL", got)
	}
}

func TestPutIsIdempotentByProviderAndKeyID(t *testing.T) {
	v, _ := newTestVault(t)
	if err := v.Put("github", "default", "sk-old"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := v.Put("github", "default", "sk-new"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := v.Get("github", "default")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "sk-new" {
		t.Fatalf("got %q want sk-new (last write wins)", got)
	}
	list := v.List()
	if len(list) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(list))
	}
}

func TestListNeverRevealsSecrets(t *testing.T) {
	v, _ := newTestVault(t)
	if err := v.Put("github", "default", "sk-REAL"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	raw, err := json.Marshal(v.List())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got := string(raw); contains(got, "sk-REAL") {
		t.Fatalf("List() output leaked secret bytes: %s", got)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

func TestGetMissingKeyReturnsMissingKey(t *testing.T) {
	v, _ := newTestVault(t)
	if _, err := v.Get("github", "default"); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	v, _ := newTestVault(t)
	if err := v.Put("github", "default", "sk-REAL"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := v.Remove("github", "default")
	if err != nil || !ok {
		t.Fatalf("Remove: ok=%v err=%v", ok, err)
	}
	ok, err = v.Remove("github", "default")
	if err != nil || ok {
		t.Fatalf("second Remove should report not-found: ok=%v err=%v", ok, err)
	}
}

type fakeManifest struct{ providers []string }

func (f fakeManifest) DeclaredProviders() []string { return f.providers }

func TestResolveForOnlyReturnsDeclaredProviders(t *testing.T) {
	v, _ := newTestVault(t)
	if err := v.Put("github", "default", "sk-github"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := v.Put("cloudflare", "default", "sk-cloudflare"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	resolved, err := v.ResolveFor(fakeManifest{providers: []string{"github"}})
	if err != nil {
		t.Fatalf("ResolveFor: %v", err)
	}
	if len(resolved) != 1 || resolved["github"] != "sk-github" {
		t.Fatalf("unexpected resolved set: %+v", resolved)
	}
	if _, ok := resolved["cloudflare"]; ok {
		t.Fatalf("ResolveFor must not leak undeclared providers")
	}
}

func TestResolveForMissingRequiredProvider(t *testing.T) {
	v, _ := newTestVault(t)
	if _, err := v.ResolveFor(fakeManifest{providers: []string{"github"}}); err == nil {
		t.Fatalf("expected MissingKey for undeclared-in-vault provider")
	}
}

func TestOpenRejectsWorldReadableVaultFile(t *testing.T) {
	_, path := newTestVault(t)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	dir := filepath.Dir(path)
	_, err := Open(Config{Path: path, Keys: KeyConfig{Backend: "file", KeyFile: filepath.Join(dir, "identity.key")}})
	if err == nil {
		t.Fatalf("expected Open to fail closed on wide file permissions")
	}
}

func TestOpenRejectsWrongMachineFactor(t *testing.T) {
	_, path := newTestVault(t)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ff.MachineIDHash = "0000000000000000000000000000000000000000000000000000000000000000"
	out, err := json.Marshal(ff)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	dir := filepath.Dir(path)
	_, err = Open(Config{Path: path, Keys: KeyConfig{Backend: "file", KeyFile: filepath.Join(dir, "identity.key")}})
	if err == nil {
		t.Fatalf("expected WrongMachine error")
	}
}
