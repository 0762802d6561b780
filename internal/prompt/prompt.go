// Package prompt provides user interaction primitives using charmbracelet/huh.
package prompt

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/jmgilman/examparse/internal/settings"
)

// ErrCanceled is returned when the user cancels a prompt.
var ErrCanceled = errors.New("canceled by user")

// Prompter abstracts user interaction for testability.
//
//go:generate go run github.com/matryer/moq@latest -pkg mocks -out mocks/prompter.go . Prompter
type Prompter interface {
	// Print outputs text to the user.
	Print(message string)

	// Confirm prompts for yes/no confirmation.
	Confirm(title, description string) (bool, error)

	// Secret prompts for secret input (no echo).
	Secret(prompt string) (string, error)

	// EditSettings shows the settings form pre-filled with current and
	// returns the edited record.
	EditSettings(current settings.AppSettings) (settings.AppSettings, error)
}

// HuhPrompter implements Prompter using charmbracelet/huh for interactive forms.
type HuhPrompter struct {
	out io.Writer
}

// New creates a new HuhPrompter that prints to out. A nil out prints to stdout.
func New(out io.Writer) *HuhPrompter {
	if out == nil {
		out = os.Stdout
	}
	return &HuhPrompter{out: out}
}

// Print outputs text to the user.
func (p *HuhPrompter) Print(message string) {
	fmt.Fprintln(p.out, message)
}

// Confirm prompts for yes/no confirmation.
func (p *HuhPrompter) Confirm(title, description string) (bool, error) {
	var confirmed bool

	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&confirmed).
		Run()

	if err != nil {
		return false, wrap("confirm prompt", err)
	}

	return confirmed, nil
}

// Secret prompts for secret input with masked display.
func (p *HuhPrompter) Secret(prompt string) (string, error) {
	var value string

	err := huh.NewInput().
		Title(prompt).
		EchoMode(huh.EchoModePassword).
		Validate(NotBlank).
		Value(&value).
		Run()

	if err != nil {
		return "", wrap("secret prompt", err)
	}

	return strings.TrimSpace(value), nil
}

// EditSettings runs the settings form. FirstLaunch is cleared on success.
func (p *HuhPrompter) EditSettings(current settings.AppSettings) (settings.AppSettings, error) {
	edited := current

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Model").
				Description("Model name sent to the API").
				Validate(NotBlank).
				Value(&edited.ModelName),
			huh.NewInput().
				Title("Base URL").
				Description("OpenAI-compatible API endpoint").
				Validate(HTTPURL).
				Value(&edited.BaseURL),
			huh.NewConfirm().
				Title("Enable OCR?").
				Description("Run OCR on scanned pages before extraction").
				Value(&edited.OCREnabled),
		),
	)

	if err := form.Run(); err != nil {
		return current, wrap("settings form", err)
	}

	edited.ModelName = strings.TrimSpace(edited.ModelName)
	edited.BaseURL = strings.TrimSpace(edited.BaseURL)
	edited.FirstLaunch = false
	return edited, nil
}

// NotBlank rejects empty or whitespace-only input.
func NotBlank(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("value is required")
	}
	return nil
}

// HTTPURL accepts absolute http and https URLs.
func HTTPURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("must be an http(s) URL")
	}
	return nil
}

func wrap(what string, err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		return ErrCanceled
	}
	return fmt.Errorf("%s: %w", what, err)
}
