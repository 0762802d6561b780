// Package settings persists the user-facing application settings as a single
// JSON record in the per-user configuration directory.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

// Default values for a fresh installation.
const (
	DefaultModelName = "gpt-4o"
	DefaultBaseURL   = "https://api.openai.com/v1"
)

// AppDir is the application directory name under the user config directory.
const AppDir = "examparse"

// FileName is the settings file name inside AppDir.
const FileName = "settings.json"

// Sentinel errors for settings operations.
var (
	// ErrStorage wraps I/O failures reading or writing the settings file.
	ErrStorage = errors.New("settings storage error")

	// ErrParse is returned when the settings file exists but is not a valid record.
	ErrParse = errors.New("settings file is malformed")

	// ErrInvalid is returned by Save for records that fail validation.
	ErrInvalid = errors.New("invalid settings")
)

var validate = validator.New()

// AppSettings is the persisted settings record. It is always read and
// written whole.
type AppSettings struct {
	ModelName   string `json:"model_name" yaml:"model_name" validate:"required"`
	BaseURL     string `json:"base_url" yaml:"base_url" validate:"required,http_url"`
	OCREnabled  bool   `json:"ocr_enabled" yaml:"ocr_enabled"`
	FirstLaunch bool   `json:"first_launch" yaml:"first_launch"`
}

// Defaults returns the record used when no settings file exists.
func Defaults() AppSettings {
	return AppSettings{
		ModelName:   DefaultModelName,
		BaseURL:     DefaultBaseURL,
		OCREnabled:  false,
		FirstLaunch: true,
	}
}

// Validate checks the record using struct tags.
func (s AppSettings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// DefaultPath returns <user config dir>/examparse/settings.json.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get user config directory: %w", err)
	}
	return filepath.Join(dir, AppDir, FileName), nil
}
