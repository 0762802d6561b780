package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/jmgilman/examparse/internal/prompt"
	"github.com/jmgilman/examparse/internal/settings"
)

// errUnknownSetting is returned for keys that are not part of AppSettings.
var errUnknownSetting = errors.New("unknown setting")

// settingKeys lists the keys accepted by 'settings set'.
var settingKeys = []string{"model_name", "base_url", "ocr_enabled", "first_launch"}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "View and modify user settings",
	Long: `View and modify the settings passed to the extraction worker.

Settings are stored as a single JSON record in the user config directory and
are replaced atomically on every change. The API key is not a setting; use
'examparse auth' for it.`,
	Example: `  # Show current settings
  examparse settings

  # Change the model
  examparse settings set model_name gpt-4o-mini

  # Edit interactively
  examparse settings edit

  # Restore defaults
  examparse settings reset`,
	Args: cobra.NoArgs,
	RunE: runSettingsShow,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current settings",
	Args:  cobra.NoArgs,
	RunE:  runSettingsShow,
}

var settingsSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Set one setting",
	Args:      cobra.ExactArgs(2),
	ValidArgs: settingKeys,
	RunE:      runSettingsSet,
}

var settingsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore default settings",
	Args:  cobra.NoArgs,
	RunE:  runSettingsReset,
}

var settingsEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit settings in an interactive form",
	Args:  cobra.NoArgs,
	RunE:  runSettingsEdit,
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd, settingsResetCmd, settingsEditCmd)
}

func runSettingsShow(cmd *cobra.Command, _ []string) error {
	cfg, err := requireConfig(cmd.Context())
	if err != nil {
		return err
	}

	s, err := settingsStore(cfg).Load()
	if err != nil {
		return err
	}
	return printSettings(cmd.OutOrStdout(), s)
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	cfg, err := requireConfig(cmd.Context())
	if err != nil {
		return err
	}

	store := settingsStore(cfg)
	s, err := store.Load()
	if err != nil {
		return err
	}

	if err := applySetting(&s, args[0], args[1]); err != nil {
		return err
	}
	if err := store.Save(s); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
	return nil
}

func runSettingsReset(cmd *cobra.Command, _ []string) error {
	cfg, err := requireConfig(cmd.Context())
	if err != nil {
		return err
	}

	if err := settingsStore(cfg).Save(settings.Defaults()); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Settings restored to defaults")
	return nil
}

func runSettingsEdit(cmd *cobra.Command, _ []string) error {
	cfg, err := requireConfig(cmd.Context())
	if err != nil {
		return err
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("settings edit requires a terminal; use 'examparse settings set' instead")
	}

	store := settingsStore(cfg)
	current, err := store.Load()
	if err != nil {
		return err
	}

	edited, err := prompt.New(cmd.OutOrStdout()).EditSettings(current)
	if err != nil {
		return err
	}
	if err := store.Save(edited); err != nil {
		return err
	}

	return printSettings(cmd.OutOrStdout(), edited)
}

// applySetting sets one field of s from its string form.
func applySetting(s *settings.AppSettings, key, value string) error {
	switch key {
	case "model_name":
		s.ModelName = strings.TrimSpace(value)
	case "base_url":
		s.BaseURL = strings.TrimSpace(value)
	case "ocr_enabled", "first_launch":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if key == "ocr_enabled" {
			s.OCREnabled = b
		} else {
			s.FirstLaunch = b
		}
	default:
		return fmt.Errorf("%w: %s (valid: %s)", errUnknownSetting, key, strings.Join(settingKeys, ", "))
	}
	return nil
}

func printSettings(out io.Writer, s settings.AppSettings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = out.Write(data)
	return err
}
