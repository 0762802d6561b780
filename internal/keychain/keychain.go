// Package keychain stores the API key in the operating system's credential
// facility. There is exactly one secret, addressed by a fixed service and
// account pair.
package keychain

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/99designs/keyring"
)

// Fixed identity of the stored secret.
const (
	ServiceName = "com.examparse.desktop"
	Account     = "openai_api_key"
)

// ErrNotFound is returned by Load when no credential has been stored.
var ErrNotFound = errors.New("credential not found in keychain")

// ErrEmptySecret is returned by Save for blank secrets.
var ErrEmptySecret = errors.New("credential is empty")

// CredentialError reports a failure of the credential backend itself.
type CredentialError struct {
	Op  string
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("keychain %s: %v", e.Op, e.Err)
}

// Unwrap returns the backend error.
func (e *CredentialError) Unwrap() error {
	return e.Err
}

// Keychain provides secure storage for the API key.
//
//go:generate go run github.com/matryer/moq@latest -pkg mocks -out mocks/keychain.go . Keychain
type Keychain interface {
	// Save stores the secret, replacing any previous value.
	Save(secret string) error

	// Load retrieves the secret.
	// Returns ErrNotFound if no secret has been stored.
	Load() (string, error)

	// Delete removes the secret.
	// Returns nil if no secret exists.
	Delete() error

	// Configured reports whether a secret exists. Absence is not an error.
	Configured() (bool, error)
}

type keychain struct {
	ring keyring.Keyring
	mu   sync.Mutex
}

// NewWithKeyring wraps an already opened keyring.
func NewWithKeyring(ring keyring.Keyring) Keychain {
	return &keychain{ring: ring}
}

func (k *keychain) Save(secret string) error {
	if strings.TrimSpace(secret) == "" {
		return ErrEmptySecret
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	err := k.ring.Set(keyring.Item{
		Key:         Account,
		Data:        []byte(secret),
		Label:       "ExamParse - API key",
		Description: "API key used by the ExamParse worker",
	})
	if err != nil {
		return &CredentialError{Op: "save", Err: err}
	}
	return nil
}

func (k *keychain) Load() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	item, err := k.ring.Get(Account)
	if isNotFound(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", &CredentialError{Op: "load", Err: err}
	}
	return string(item.Data), nil
}

func (k *keychain) Delete() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	err := k.ring.Remove(Account)
	if err == nil || isNotFound(err) {
		return nil
	}
	return &CredentialError{Op: "delete", Err: err}
}

func (k *keychain) Configured() (bool, error) {
	_, err := k.Load()
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// isNotFound covers backends that report a missing item as a missing file.
func isNotFound(err error) bool {
	return errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, fs.ErrNotExist)
}
