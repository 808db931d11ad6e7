// Package keyring stores the cluster SSH password in the OS keyring so it
// never has to live in the config file.
package keyring

import (
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

const serviceName = "slurmgate-cluster"

var (
	ring     keyring.Keyring
	ringOnce sync.Once
	ringErr  error
)

func initKeyring() (keyring.Keyring, error) {
	ringOnce.Do(func() {
		ring, ringErr = keyring.Open(keyring.Config{
			ServiceName: serviceName,
			AllowedBackends: []keyring.BackendType{
				keyring.KeychainBackend,      // macOS Keychain
				keyring.SecretServiceBackend, // Linux Secret Service
				keyring.WinCredBackend,       // Windows Credential Manager
				keyring.PassBackend,          // pass(1)
			},
		})
	})
	return ring, ringErr
}

// SetPassword stores the password for the given cluster host
func SetPassword(host, password string) error {
	kr, err := initKeyring()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}
	return kr.Set(keyring.Item{Key: host, Data: []byte(password)})
}

// GetPassword retrieves the password for the given cluster host.
// Returns empty string if nothing is stored.
func GetPassword(host string) (string, error) {
	kr, err := initKeyring()
	if err != nil {
		return "", fmt.Errorf("failed to open keyring: %w", err)
	}
	item, err := kr.Get(host)
	if err == keyring.ErrKeyNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve password: %w", err)
	}
	return string(item.Data), nil
}

// DeletePassword removes a stored password
func DeletePassword(host string) error {
	kr, err := initKeyring()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}
	err = kr.Remove(host)
	if err == keyring.ErrKeyNotFound {
		return fmt.Errorf("no password stored for %q", host)
	}
	return err
}
