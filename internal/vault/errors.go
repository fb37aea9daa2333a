package vault

import "errors"

// Error taxonomy per spec §4.2/§7. Messages are fixed strings; callers wrap
// with the offending provider/key_id via fmt.Errorf("%w", ...) — never with
// secret bytes or ciphertext.
var (
	ErrMissingKey          = errors.New("missing key")
	ErrCorrupt             = errors.New("vault corrupt")
	ErrWrongMachine        = errors.New("vault bound to a different machine")
	ErrPermissionTooOpen   = errors.New("vault file permissions too open")
	ErrKeychainUnavailable = errors.New("OS keychain unavailable")
)
