//go:build !darwin

package keychain

import (
	"fmt"
	"os"
	"strings"
)

// EnvPrefix starts the environment variable that carries a secret on
// platforms without a Keychain.
const EnvPrefix = "TALKINGDATA_SECRET_"

// EnvStore reads secrets from the host environment. The key
// "backend/deepgram-api-key" is read from
// TALKINGDATA_SECRET_BACKEND_DEEPGRAM_API_KEY.
type EnvStore struct {
	lookup func(string) (string, bool)
}

func NewSystemStore() Store {
	return &EnvStore{lookup: os.LookupEnv}
}

// EnvName returns the variable that holds key.
func EnvName(key string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (s *EnvStore) Get(key string) (string, error) {
	if v, ok := s.lookup(EnvName(key)); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (s *EnvStore) Set(key, value string) error {
	return fmt.Errorf("%w: export %s instead", ErrReadOnly, EnvName(key))
}

func (s *EnvStore) Delete(key string) error {
	return fmt.Errorf("%w: unset %s instead", ErrReadOnly, EnvName(key))
}
