package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mtzanidakis/playwarden/internal/config"
	"github.com/mtzanidakis/playwarden/internal/store"
	"github.com/mtzanidakis/playwarden/internal/vault"
)

func runSecret(args []string) error {
	if len(args) == 0 {
		printSecretUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("PLAYWARDEN_VAULT_PASSPHRASE environment variable is required")
	}
	v := vault.New(cfg.Vault.Passphrase)

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	switch args[0] {
	case "set-console-password":
		return secretSetConsolePassword(db, v, args[1:])
	case "delete-console-password":
		if err := db.DeleteSecret(consoleSecretName); err != nil {
			return err
		}
		fmt.Println("Console password deleted")
		return nil
	default:
		printSecretUsage()
		return fmt.Errorf("unknown secret command: %s", args[0])
	}
}

func printSecretUsage() {
	fmt.Fprintf(os.Stderr, `Usage: playwarden secret <command>

Commands:
  set-console-password [password]   Seal and store the remote console password
                                    (reads from stdin when omitted)
  delete-console-password           Remove the stored console password

Environment:
  PLAYWARDEN_VAULT_PASSPHRASE       Required. Encryption passphrase.
`)
}

func secretSetConsolePassword(db *store.Store, v *vault.Vault, args []string) error {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		fmt.Fprint(os.Stderr, "Console password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}

	ciphertext, nonce, err := v.Seal([]byte(password))
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}

	if err := db.SaveSecret(&store.Secret{
		Name:  consoleSecretName,
		Value: ciphertext,
		Nonce: nonce,
	}); err != nil {
		return err
	}
	fmt.Println("Console password sealed and stored")
	return nil
}
