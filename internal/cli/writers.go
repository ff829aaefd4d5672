package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/iudanet/peerfs/internal/crypto"
	"github.com/iudanet/peerfs/internal/models"
	"github.com/iudanet/peerfs/internal/workspace"
)

func RunWriters(out io.Writer, ws *workspace.Workspace) error {
	writers := ws.ListWriters()
	if len(writers) == 0 {
		fmt.Fprintln(out, "No roster yet.")
		return nil
	}
	ownerHex := crypto.ToHex(ws.Owner())
	for _, rw := range writers {
		hexKey := crypto.ToHex(rw.Key)
		flags := ""
		if hexKey == ownerHex {
			flags += " owner"
		}
		if rw.Admin {
			flags += " admin"
		}
		if rw.Frozen {
			flags += " frozen"
		}
		name := rw.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(out, "%s  %-20s%s\n", hexKey, name, flags)
	}
	return nil
}

// RunPutWriter parses "putwriter <hexkey> [-name <n>] [-admin <bool>]
// [-frozen <bool>]". Omitted flags leave the roster fields untouched.
func RunPutWriter(out io.Writer, ws *workspace.Workspace, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing writer key. Usage: peerfs putwriter <hexkey> [-name <n>] [-admin <bool>] [-frozen <bool>]")
	}
	key, err := crypto.FromHex(args[0])
	if err != nil || len(key) != models.WriterKeyLength {
		return fmt.Errorf("invalid writer key: %s", args[0])
	}

	var name *string
	var admin, frozen *bool
	rest := args[1:]
	for len(rest) > 0 {
		if len(rest) < 2 {
			return fmt.Errorf("flag %s needs a value", rest[0])
		}
		flagName, value := rest[0], rest[1]
		switch flagName {
		case "-name":
			v := value
			name = &v
		case "-admin":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid -admin value: %s", value)
			}
			admin = &b
		case "-frozen":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid -frozen value: %s", value)
			}
			frozen = &b
		default:
			return fmt.Errorf("unknown flag: %s", flagName)
		}
		rest = rest[2:]
	}

	if err := ws.PutWriter(key, name, admin, frozen); err != nil {
		return err
	}
	fmt.Fprintf(out, "Updated writer %s\n", args[0])
	return nil
}

func RunInvite(out io.Writer, ws *workspace.Workspace) error {
	invite, err := ws.CreateInvite()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, invite)
	fmt.Fprintln(out, "The invite is valid for this process only and can be used once.")
	return nil
}
