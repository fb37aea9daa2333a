// Package vault implements the credential vault: an at-rest encrypted
// key-value store of (provider, key_id) -> secret, bound to the machine it
// was created on. See SPEC_FULL.md §4.2 for the full contract.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	vaultMagic          = "primordial-vault-pbkdf2"
	vaultFormatVersion  = 1
	vaultFilePerm       = 0o600
	vaultParentDirPerm  = 0o700
	installSecretEnvVar = "PRIMORDIAL_VAULT_PASSPHRASE"
)

// Entry is one vault record. The zero value of KeyID means "default".
type Entry struct {
	Provider  string    `json:"provider"`
	KeyID     string    `json:"key_id"`
	Secret    string    `json:"secret"`
	CreatedAt time.Time `json:"created_at"`
}

func entryKey(provider, keyID string) string {
	if strings.TrimSpace(keyID) == "" {
		keyID = "default"
	}
	return provider + "/" + keyID
}

// fileFormat is the on-disk shape: a short fixed header plus the
// authenticated ciphertext of a serialized entries map. encoding/json
// base64-encodes []byte fields automatically, giving us the "magic +
// version + salt + KDF params + machine-factor tag + ciphertext" layout
// spec.md §6 describes without inventing a bespoke binary format.
type fileFormat struct {
	Magic         string `json:"magic"`
	Version       int    `json:"version"`
	Salt          []byte `json:"salt"`
	Iterations    int    `json:"iterations"`
	MachineFactor string `json:"machine_factor"`
	MachineIDHash string `json:"machine_id_hash"`
	Ciphertext    []byte `json:"ciphertext"`
}

// Vault is an opened credential store backed by a single file on disk.
type Vault struct {
	path    string
	entries map[string]Entry
	key     []byte
}

// Config selects where the vault file lives and how its install-secret
// factor (spec §4.2 factor 2) is stored.
type Config struct {
	Path string
	Keys KeyConfig
}

// Open loads and decrypts an existing vault file, or Create makes a fresh
// empty one. Both enforce the file-safety rules in spec.md §4.2 before
// touching ciphertext.
func Open(cfg Config) (*Vault, error) {
	path, err := CleanAbs(cfg.Path)
	if err != nil {
		return nil, err
	}
	if err := checkVaultFileSafety(path); err != nil {
		return nil, err
	}
	raw, err := readFileScoped(path)
	if err != nil {
		return nil, fmt.Errorf("read vault: %w", err)
	}
	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if ff.Magic != vaultMagic || ff.Version != vaultFormatVersion {
		return nil, fmt.Errorf("%w: unrecognized vault format", ErrCorrupt)
	}

	machineID, factor, err := currentMachineIdentifier()
	if err != nil {
		return nil, err
	}
	if string(factor) != ff.MachineFactor || fingerprintMachineID(machineID) != ff.MachineIDHash {
		return nil, ErrWrongMachine
	}

	installSecret, err := loadInstallSecret(cfg.Keys)
	if err != nil {
		return nil, err
	}
	key := deriveMasterKey(machineID, installSecret, os.Getenv(installSecretEnvVar), ff.Salt)

	plaintext, err := openBlob(key, ff.Ciphertext)
	if err != nil {
		return nil, err
	}
	entries := map[string]Entry{}
	if len(plaintext) > 0 {
		if err := json.Unmarshal(plaintext, &entries); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	return &Vault{path: path, entries: entries, key: key}, nil
}

// Create initializes a brand-new empty vault file at cfg.Path, generating the
// install-secret identity if one does not already exist.
func Create(cfg Config) (*Vault, error) {
	path, err := CleanAbs(cfg.Path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("vault already exists at %s", path)
	}

	machineID, factor, err := currentMachineIdentifier()
	if err != nil {
		return nil, err
	}
	installSecret, _, err := EnsureIdentity(cfg.Keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeychainUnavailable, err)
	}

	v := &Vault{path: path, entries: map[string]Entry{}}
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	v.key = deriveMasterKey(machineID, strings.TrimSpace(installSecret.Identity.String()), os.Getenv(installSecretEnvVar), salt)
	if err := v.writeLocked(salt, string(factor), machineID); err != nil {
		return nil, err
	}
	return v, nil
}

func loadInstallSecret(cfg KeyConfig) (string, error) {
	info, err := LoadIdentity(cfg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeychainUnavailable, err)
	}
	return strings.TrimSpace(info.Identity.String()), nil
}

func fingerprintMachineID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// Put replaces any existing (provider, key_id) entry and writes atomically.
func (v *Vault) Put(provider, keyID, secret string) error {
	if strings.TrimSpace(provider) == "" {
		return fmt.Errorf("provider required")
	}
	if keyID == "" {
		keyID = "default"
	}
	v.entries[entryKey(provider, keyID)] = Entry{
		Provider:  provider,
		KeyID:     keyID,
		Secret:    secret,
		CreatedAt: time.Now().UTC(),
	}
	return v.persist()
}

// Get returns the secret for (provider, key_id), or ErrMissingKey.
func (v *Vault) Get(provider, keyID string) (string, error) {
	if keyID == "" {
		keyID = "default"
	}
	e, ok := v.entries[entryKey(provider, keyID)]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrMissingKey, provider, keyID)
	}
	return e.Secret, nil
}

// ListedEntry is the metadata-only view returned by List — it never carries
// secret bytes.
type ListedEntry struct {
	Provider  string    `json:"provider"`
	KeyID     string    `json:"key_id"`
	CreatedAt time.Time `json:"created_at"`
}

// List returns metadata for every stored entry, sorted for stable output.
func (v *Vault) List() []ListedEntry {
	out := make([]ListedEntry, 0, len(v.entries))
	for _, e := range v.entries {
		out = append(out, ListedEntry{Provider: e.Provider, KeyID: e.KeyID, CreatedAt: e.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].KeyID < out[j].KeyID
	})
	return out
}

// Remove deletes (provider, key_id) if present, reporting whether it existed.
func (v *Vault) Remove(provider, keyID string) (bool, error) {
	if keyID == "" {
		keyID = "default"
	}
	k := entryKey(provider, keyID)
	if _, ok := v.entries[k]; !ok {
		return false, nil
	}
	delete(v.entries, k)
	if err := v.persist(); err != nil {
		return false, err
	}
	return true, nil
}

// ManifestProviders is the minimal view resolveFor needs from a manifest:
// the set of provider names the agent declared.
type ManifestProviders interface {
	DeclaredProviders() []string
}

// ResolveFor returns only the secrets whose provider appears in the
// manifest's declared providers, using the "default" key_id for each. A
// declared provider with no vault entry is a MissingKey error naming that
// provider; providers not declared by the manifest are never returned even
// if a caller later asks for them by name.
func (v *Vault) ResolveFor(m ManifestProviders) (map[string]string, error) {
	out := make(map[string]string, len(m.DeclaredProviders()))
	for _, provider := range m.DeclaredProviders() {
		secret, err := v.Get(provider, "default")
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingKey, provider)
		}
		out[provider] = secret
	}
	return out, nil
}

func (v *Vault) persist() error {
	raw, err := readFileScoped(v.path)
	if err != nil {
		return fmt.Errorf("read vault for re-encrypt: %w", err)
	}
	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return v.writeLocked(ff.Salt, ff.MachineFactor, "")
}

// writeLocked serializes v.entries, seals it under v.key, and writes the
// vault file atomically: temp file in the same directory at 0600, fsync,
// rename over the target — the same pattern the teacher uses for its
// identity file (keys.go saveIdentityToFile).
func (v *Vault) writeLocked(salt []byte, factor string, machineIDForNewFile string) error {
	plaintext, err := json.Marshal(v.entries)
	if err != nil {
		return err
	}
	ciphertext, err := sealBlob(v.key, plaintext)
	if err != nil {
		return err
	}

	machineIDHash := ""
	if machineIDForNewFile != "" {
		machineIDHash = fingerprintMachineID(machineIDForNewFile)
	} else {
		id, _, err := currentMachineIdentifier()
		if err != nil {
			return err
		}
		machineIDHash = fingerprintMachineID(id)
	}

	ff := fileFormat{
		Magic:         vaultMagic,
		Version:       vaultFormatVersion,
		Salt:          salt,
		Iterations:    pbkdf2Iterations,
		MachineFactor: factor,
		MachineIDHash: machineIDHash,
		Ciphertext:    ciphertext,
	}
	out, err := json.Marshal(ff)
	if err != nil {
		return err
	}

	dir := filepath.Dir(v.path)
	if err := os.MkdirAll(dir, vaultParentDirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".vault-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(vaultFilePerm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), vaultFilePerm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), v.path)
}

// checkVaultFileSafety fails closed: refuses a vault file wider than 0600 or
// a parent directory wider than 0700.
func checkVaultFileSafety(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: vault file must not be a symlink", ErrPermissionTooOpen)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("%w: expected 0600, got %04o", ErrPermissionTooOpen, info.Mode().Perm())
	}
	parent, err := os.Stat(filepath.Dir(path))
	if err != nil {
		return err
	}
	if parent.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("%w: parent directory expected 0700, got %04o", ErrPermissionTooOpen, parent.Mode().Perm())
	}
	return nil
}
