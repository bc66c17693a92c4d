package apkdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tobischo/gokeepasslib/v3"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// Credential is a repository username/password pair.
type Credential struct {
	Username string
	Password string
}

const keyringService = "apk-repository"

// CredentialSource resolves a credential for a repository URL. The chain
// used by ResolveCredential tries, in order: the OS keyring, an encrypted
// kdbx vault (for USERMODE installs with no keyring session), then an
// interactive terminal prompt.
type CredentialSource interface {
	Credential(repoURL string) (Credential, bool, error)
}

// ResolveCredential walks the credential chain for repoURL, returning
// ok=false if no source produced one and interactive is false (so a
// non-interactive CI invocation fails cleanly instead of hanging on a
// prompt).
func ResolveCredential(repoURL string, vaultPath string, interactive bool) (Credential, bool, error) {
	if cred, ok, err := keyringCredential(repoURL); err != nil {
		return Credential{}, false, err
	} else if ok {
		return cred, true, nil
	}

	if vaultPath != "" {
		if cred, ok, err := kdbxCredential(vaultPath, repoURL); err != nil {
			return Credential{}, false, err
		} else if ok {
			return cred, true, nil
		}
	}

	if !interactive {
		return Credential{}, false, nil
	}
	return promptCredential(repoURL)
}

// keyringCredential looks up a stored (user, password) pair in the OS
// keyring under a per-repository account name.
func keyringCredential(repoURL string) (Credential, bool, error) {
	user, err := keyring.Get(keyringService, repoURL+"#user")
	if errors.Is(err, keyring.ErrNotFound) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("reading keyring user for %s: %w", repoURL, err)
	}
	pass, err := keyring.Get(keyringService, repoURL+"#pass")
	if err != nil {
		return Credential{}, false, fmt.Errorf("reading keyring password for %s: %w", repoURL, err)
	}
	return Credential{Username: user, Password: pass}, true, nil
}

// StoreCredential persists cred in the OS keyring for repoURL.
func StoreCredential(repoURL string, cred Credential) error {
	if err := keyring.Set(keyringService, repoURL+"#user", cred.Username); err != nil {
		return fmt.Errorf("storing keyring user for %s: %w", repoURL, err)
	}
	if err := keyring.Set(keyringService, repoURL+"#pass", cred.Password); err != nil {
		return fmt.Errorf("storing keyring password for %s: %w", repoURL, err)
	}
	return nil
}

// kdbxCredential opens the vault at path (passphrase from
// APK_VAULT_PASSPHRASE, or prompted) and returns the entry whose title
// matches repoURL, if any.
func kdbxCredential(path, repoURL string) (Credential, bool, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Credential{}, false, nil
	}

	passphrase := os.Getenv("APK_VAULT_PASSPHRASE")
	if passphrase == "" {
		var err error
		passphrase, err = readPassword(fmt.Sprintf("passphrase for %s: ", filepath.Base(path)))
		if err != nil {
			return Credential{}, false, fmt.Errorf("reading vault passphrase: %w", err)
		}
	}

	fh, err := os.Open(path)
	if err != nil {
		return Credential{}, false, fmt.Errorf("opening vault %s: %w", path, err)
	}
	defer fh.Close()

	db := gokeepasslib.NewDatabase()
	db.Credentials = gokeepasslib.NewPasswordCredentials(passphrase)
	if err := gokeepasslib.NewDecoder(fh).Decode(db); err != nil {
		return Credential{}, false, fmt.Errorf("decoding vault %s: %w", path, err)
	}
	if err := db.UnlockProtectedEntries(); err != nil {
		return Credential{}, false, fmt.Errorf("unlocking vault %s: %w", path, err)
	}

	for _, group := range db.Content.Root.Groups {
		if cred, ok := findVaultEntry(group, repoURL); ok {
			return cred, true, nil
		}
	}
	return Credential{}, false, nil
}

func findVaultEntry(group gokeepasslib.Group, repoURL string) (Credential, bool) {
	for _, entry := range group.Entries {
		if entry.GetTitle() == repoURL {
			return Credential{
				Username: entry.GetContent("UserName"),
				Password: entry.GetPassword(),
			}, true
		}
	}
	for _, sub := range group.Groups {
		if cred, ok := findVaultEntry(sub, repoURL); ok {
			return cred, true
		}
	}
	return Credential{}, false
}

// promptCredential reads a username/password from the controlling
// terminal, used as the last link in the chain when neither the keyring
// nor a vault has a credential for repoURL.
func promptCredential(repoURL string) (Credential, bool, error) {
	fmt.Fprintf(os.Stderr, "username for %s: ", repoURL)
	var user string
	if _, err := fmt.Scanln(&user); err != nil {
		return Credential{}, false, fmt.Errorf("reading username: %w", err)
	}
	pass, err := readPassword(fmt.Sprintf("password for %s@%s: ", user, repoURL))
	if err != nil {
		return Credential{}, false, err
	}
	return Credential{Username: user, Password: pass}, true, nil
}

// readPassword prompts prompt to stderr and reads a password from the
// controlling terminal without echo.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}
