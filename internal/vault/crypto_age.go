package vault

import "filippo.io/age"

// GenerateIdentity creates a fresh X25519 identity. Its secret-key string
// becomes the per-install secret factor consumed by deriveMasterKey (see
// crypto.go) — the identity itself never encrypts a vault value directly.
func GenerateIdentity() (*age.X25519Identity, error) {
	return age.GenerateX25519Identity()
}
