// Package keychain provides the secrets injected into the backend sidecar's
// environment, backed by macOS Keychain.
//
// Secrets are stored as generic passwords with:
//   - Service: "com.talkingdata" (all talkingdata secrets share this service)
//   - Account: the secret key (e.g. "backend/deepgram-api-key")
//   - Label: "talkingdata: <key>" (for Keychain Access.app visibility)
package keychain

import (
	"errors"
	"fmt"
	"sort"
	"unicode"
)

var (
	// ErrNotFound is returned when a secret does not exist in the store.
	ErrNotFound = errors.New("secret not found")
	// ErrReadOnly is returned by stores that cannot be written from here.
	ErrReadOnly = errors.New("secret store is read-only")
)

const maxKeyLen = 128

// ValidateKey checks that key can name a secret, e.g. "backend/deepgram-api-key".
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("secret key must not be empty")
	}
	if len(key) > maxKeyLen {
		return fmt.Errorf("secret key %q is longer than %d bytes", key, maxKeyLen)
	}
	for _, r := range key {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("secret key %q contains whitespace or control characters", key)
		}
	}
	return nil
}

// Store is the interface for secret storage operations.
type Store interface {
	Set(key, value string) error
	Get(key string) (string, error)
	Delete(key string) error
}

// Env looks up each secret reference and returns the resolved environment
// variables. refs maps an environment variable name to a secret key.
// Missing secrets are reported in missing rather than failing the lookup;
// any other store error aborts.
func Env(s Store, refs map[string]string) (env map[string]string, missing []string, err error) {
	env = make(map[string]string, len(refs))
	if s == nil {
		for name := range refs {
			missing = append(missing, name)
		}
		sort.Strings(missing)
		return env, missing, nil
	}

	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		val, err := s.Get(refs[name])
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				missing = append(missing, name)
				continue
			}
			return nil, nil, fmt.Errorf("reading secret for %s: %w", name, err)
		}
		env[name] = val
	}
	return env, missing, nil
}
