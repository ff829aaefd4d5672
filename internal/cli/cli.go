// Package cli implements the peerfs command handlers. Each command is a
// RunX function that takes its arguments and an output writer, so tests
// drive them without a terminal.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/term"

	"github.com/iudanet/peerfs/internal/crypto"
	"github.com/iudanet/peerfs/internal/keystore"
	"github.com/iudanet/peerfs/internal/workspace"
)

const (
	dbFileName       = "peerfs.db"
	identityFileName = "identity.key"

	passphraseEnv = "PEERFS_PASSPHRASE"
)

// PrintUsage writes the command reference.
func PrintUsage() {
	fmt.Println("Usage: peerfs [-dir <workspace>] <command> [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init                             create a new workspace")
	fmt.Println("  info                             show workspace identity and roster role")
	fmt.Println("  write [-nomerge] <path> [file]   store a file (stdin when no file given)")
	fmt.Println("  read <path> [change]             print file content")
	fmt.Println("  ls [prefix]                      list files")
	fmt.Println("  stat <path>                      show file details and conflicts")
	fmt.Println("  rm <path>                        delete a file")
	fmt.Println("  cp <src> <dst>                   copy a file")
	fmt.Println("  mv <src> <dst>                   move a file")
	fmt.Println("  history [glob]                   list file changes, oldest first")
	fmt.Println("  writers                          list the writer roster")
	fmt.Println("  putwriter <hexkey> [flags]       add or update a writer")
	fmt.Println("  invite                           mint a single-use writer invite")
}

// RunInit generates an identity, stores it encrypted and declares a fresh
// workspace in dir.
func RunInit(out io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	identityPath := filepath.Join(dir, identityFileName)
	if _, err := os.Stat(identityPath); err == nil {
		return fmt.Errorf("workspace already initialized in %s", dir)
	}

	passphrase, err := readNewPassphrase()
	if err != nil {
		return err
	}
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := keystore.Save(identityPath, keys, passphrase); err != nil {
		return err
	}

	ws, err := workspace.Create(filepath.Join(dir, dbFileName), keys, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	fmt.Fprintf(out, "Initialized workspace in %s\n", dir)
	fmt.Fprintf(out, "Writer key: %s\n", crypto.ToHex(keys.Public))
	return nil
}

// RunInfo reports workspace identity and this writer's roster standing.
func RunInfo(out io.Writer, ws *workspace.Workspace) error {
	fmt.Fprintf(out, "Owner:  %s\n", crypto.ToHex(ws.Owner()))
	fmt.Fprintf(out, "Writer: %s\n", crypto.ToHex(ws.Key()))

	role := "not in roster"
	for _, rw := range ws.ListWriters() {
		if crypto.ToHex(rw.Key) != crypto.ToHex(ws.Key()) {
			continue
		}
		switch {
		case rw.Frozen:
			role = "frozen"
		case rw.Admin:
			role = "admin"
		default:
			role = "writer"
		}
	}
	fmt.Fprintf(out, "Role:   %s\n", role)

	files, err := ws.List("")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Files:  %d\n", len(files))
	return nil
}

// OpenWorkspace unlocks the identity in dir and loads its workspace.
func OpenWorkspace(dir string) (*workspace.Workspace, error) {
	passphrase, err := readPassphrase("Passphrase: ")
	if err != nil {
		return nil, err
	}
	keys, err := keystore.Load(filepath.Join(dir, identityFileName), passphrase)
	if err != nil {
		return nil, err
	}
	return workspace.Load(filepath.Join(dir, dbFileName), keys, nil)
}

// readPassphrase prefers the environment so scripts can run unattended,
// falling back to a hidden terminal prompt.
func readPassphrase(prompt string) (string, error) {
	if p := os.Getenv(passphraseEnv); p != "" {
		return p, nil
	}
	fmt.Print(prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}

func readNewPassphrase() (string, error) {
	if p := os.Getenv(passphraseEnv); p != "" {
		return p, nil
	}
	first, err := readPassphrase("New passphrase: ")
	if err != nil {
		return "", err
	}
	second, err := readPassphrase("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passphrases do not match")
	}
	return first, nil
}
