package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmgilman/examparse/internal/keychain"
	"github.com/jmgilman/examparse/internal/prompt"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Configure the API key",
	Long: `Store the API key used by the extraction worker in the system credential store.

The key is never written to the settings file. Without flags the key is read
from an interactive prompt; use --stdin in scripts.`,
	Example: `  # Store the API key interactively
  examparse auth

  # Store the API key from a secret manager
  op read op://vault/openai/key | examparse auth --stdin

  # Check whether a key is stored
  examparse auth --status

  # Remove the stored key
  examparse auth --delete`,
	Args: cobra.NoArgs,
	RunE: runAuthCmd,
}

var (
	authStatusFlag bool
	authDeleteFlag bool
	authStdinFlag  bool
)

func init() {
	rootCmd.AddCommand(authCmd)

	authCmd.Flags().BoolVar(&authStatusFlag, "status", false, "show whether an API key is stored")
	authCmd.Flags().BoolVar(&authDeleteFlag, "delete", false, "remove the stored API key")
	authCmd.Flags().BoolVar(&authStdinFlag, "stdin", false, "read the API key from standard input")
	authCmd.MarkFlagsMutuallyExclusive("status", "delete", "stdin")
}

func runAuthCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := requireConfig(cmd.Context())
	if err != nil {
		return err
	}

	kc, err := openKeychain(cfg)
	if err != nil {
		return fmt.Errorf("initialize credential storage: %w", err)
	}

	out := cmd.OutOrStdout()

	switch {
	case authStatusFlag:
		return showAuthStatus(out, kc)
	case authDeleteFlag:
		if err := kc.Delete(); err != nil {
			return fmt.Errorf("delete API key: %w", err)
		}
		fmt.Fprintln(out, "API key removed")
		return nil
	case authStdinFlag:
		secret, err := readSecret(cmd.InOrStdin())
		if err != nil {
			return err
		}
		return saveSecret(out, kc, secret)
	default:
		return runAuthFlow(out, kc)
	}
}

// showAuthStatus reports whether a key is stored. Absence is not an error.
func showAuthStatus(out io.Writer, kc keychain.Keychain) error {
	ok, err := kc.Configured()
	if err != nil {
		return fmt.Errorf("check API key: %w", err)
	}
	if ok {
		fmt.Fprintln(out, "API key: configured")
	} else {
		fmt.Fprintln(out, "API key: not configured")
	}
	return nil
}

// runAuthFlow prompts for the key, confirming before replacing a stored one.
func runAuthFlow(out io.Writer, kc keychain.Keychain) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("interactive auth requires a terminal; use --stdin instead")
	}

	prompter := prompt.New(out)

	configured, err := kc.Configured()
	if err != nil {
		return fmt.Errorf("check API key: %w", err)
	}
	if configured {
		replace, err := prompter.Confirm("An API key is already stored", "Replace it?")
		if err != nil {
			return err
		}
		if !replace {
			prompter.Print("Keeping the existing API key")
			return nil
		}
	}

	secret, err := prompter.Secret("API key:")
	if err != nil {
		return err
	}
	return saveSecret(out, kc, secret)
}

func saveSecret(out io.Writer, kc keychain.Keychain, secret string) error {
	if err := kc.Save(secret); err != nil {
		return fmt.Errorf("store API key: %w", err)
	}
	fmt.Fprintln(out, "API key stored")
	return nil
}

// readSecret returns the first line of r without surrounding whitespace.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read API key: %w", err)
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", keychain.ErrEmptySecret
	}
	return secret, nil
}
