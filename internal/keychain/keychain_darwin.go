//go:build darwin

package keychain

import (
	"errors"
	"fmt"

	gokeychain "github.com/keybase/go-keychain"
)

// ServiceName is the Keychain service attribute shared by every secret the
// sidecar reads.
const ServiceName = "com.talkingdata"

// SystemStore keeps secrets as generic passwords in the login Keychain,
// one item per key, never synced to iCloud.
type SystemStore struct {
	service string
}

func NewSystemStore() Store {
	return &SystemStore{service: ServiceName}
}

func (s *SystemStore) item(key string) gokeychain.Item {
	it := gokeychain.NewItem()
	it.SetSecClass(gokeychain.SecClassGenericPassword)
	it.SetService(s.service)
	it.SetAccount(key)
	return it
}

// Set updates the item for key in place, adding it on first use.
func (s *SystemStore) Set(key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	update := gokeychain.NewItem()
	update.SetData([]byte(value))
	err := gokeychain.UpdateItem(s.item(key), update)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gokeychain.ErrorItemNotFound) {
		return fmt.Errorf("keychain update %q: %w", key, err)
	}

	add := s.item(key)
	add.SetLabel("talkingdata: " + key)
	add.SetData([]byte(value))
	add.SetSynchronizable(gokeychain.SynchronizableNo)
	add.SetAccessible(gokeychain.AccessibleWhenUnlockedThisDeviceOnly)
	if err := gokeychain.AddItem(add); err != nil {
		return fmt.Errorf("keychain add %q: %w", key, err)
	}
	return nil
}

func (s *SystemStore) Get(key string) (string, error) {
	q := s.item(key)
	q.SetMatchLimit(gokeychain.MatchLimitOne)
	q.SetReturnData(true)

	results, err := gokeychain.QueryItem(q)
	switch {
	case errors.Is(err, gokeychain.ErrorItemNotFound):
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	case err != nil:
		return "", fmt.Errorf("keychain get %q: %w", key, err)
	case len(results) == 0 || len(results[0].Data) == 0:
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return string(results[0].Data), nil
}

func (s *SystemStore) Delete(key string) error {
	err := gokeychain.DeleteItem(s.item(key))
	if err != nil && !errors.Is(err, gokeychain.ErrorItemNotFound) {
		return fmt.Errorf("keychain delete %q: %w", key, err)
	}
	return nil
}
