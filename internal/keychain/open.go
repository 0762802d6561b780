package keychain

import (
	"fmt"
	"os"

	"github.com/99designs/keyring"
)

// PasswordEnv supplies the passphrase for the encrypted file backend
// without prompting.
const PasswordEnv = "EXAMPARSE_KEYRING_PASSWORD"

// Config selects and configures keyring backends.
type Config struct {
	// Backends restricts the allowed backends (e.g. "keychain", "wincred",
	// "secret-service", "kwallet", "pass", "file"). Empty allows all
	// available backends in the library's preference order.
	Backends []string

	// FileDir is where the encrypted file backend stores its data.
	FileDir string
}

// New opens the platform credential facility.
func New(cfg Config) (Keychain, error) {
	var allowed []keyring.BackendType
	for _, b := range cfg.Backends {
		allowed = append(allowed, keyring.BackendType(b))
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:                    ServiceName,
		AllowedBackends:                allowed,
		KeychainName:                   "login",
		KeychainTrustApplication:       true,
		KeychainSynchronizable:         false,
		KeychainAccessibleWhenUnlocked: true,
		LibSecretCollectionName:        "login",
		KWalletAppID:                   "examparse",
		KWalletFolder:                  "examparse",
		WinCredPrefix:                  "examparse",
		FileDir:                        cfg.FileDir,
		FilePasswordFunc:               filePassword,
	})
	if err != nil {
		return nil, &CredentialError{Op: "open", Err: fmt.Errorf("credential storage unavailable: %w", err)}
	}

	return NewWithKeyring(ring), nil
}

func filePassword(prompt string) (string, error) {
	if pw := os.Getenv(PasswordEnv); pw != "" {
		return pw, nil
	}
	return keyring.TerminalPrompt(prompt)
}
