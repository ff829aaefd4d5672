package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/iudanet/peerfs/internal/crypto"
	"github.com/iudanet/peerfs/internal/models"
	"github.com/iudanet/peerfs/internal/workspace"
)

func RunWrite(out io.Writer, ws *workspace.Workspace, args []string) error {
	noMerge := false
	if len(args) > 0 && args[0] == "-nomerge" {
		noMerge = true
		args = args[1:]
	}
	if len(args) == 0 {
		return fmt.Errorf("missing path. Usage: peerfs write [-nomerge] <path> [file]")
	}
	path := args[0]

	var data []byte
	var err error
	if len(args) > 1 {
		data, err = os.ReadFile(args[1])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	if err := ws.WriteFile(path, data, noMerge); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %s (%d bytes)\n", path, len(data))
	return nil
}

func RunRead(out io.Writer, ws *workspace.Workspace, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing path. Usage: peerfs read <path> [change]")
	}
	var data []byte
	var err error
	if len(args) > 1 {
		data, err = ws.ReadFileAt(args[0], args[1])
	} else {
		data, err = ws.ReadFile(args[0])
	}
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func RunList(out io.Writer, ws *workspace.Workspace, args []string) error {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	files, err := ws.List(prefix)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintln(out, "No files.")
		return nil
	}
	for _, f := range files {
		marker := " "
		if f.Conflict {
			marker = "!"
		}
		fmt.Fprintf(out, "%s %8d  %s\n", marker, f.Bytes, f.Path)
	}
	return nil
}

func RunStat(out io.Writer, ws *workspace.Workspace, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing path. Usage: peerfs stat <path>")
	}
	info, err := ws.Stat(args[0])
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("stat %s: %w", args[0], workspace.ErrFileNotFound)
	}

	fmt.Fprintf(out, "Path:     %s\n", info.Path)
	fmt.Fprintf(out, "Bytes:    %d\n", info.Bytes)
	fmt.Fprintf(out, "Modified: %s\n", formatMillis(info.Timestamp))
	fmt.Fprintf(out, "Writer:   %s\n", crypto.ToHex(info.Writer))
	fmt.Fprintf(out, "Change:   %s\n", info.Change)
	if info.NoMerge {
		fmt.Fprintln(out, "NoMerge:  yes")
	}
	if len(info.OtherChanges) > 0 {
		if info.Conflict {
			fmt.Fprintf(out, "Conflicts (%d):\n", len(info.OtherChanges))
		} else {
			fmt.Fprintf(out, "Other branches (%d):\n", len(info.OtherChanges))
		}
		for _, oc := range info.OtherChanges {
			fmt.Fprintf(out, "  %s  %8d bytes  by %s\n", oc.Change, oc.Bytes, crypto.ToHex(oc.Writer))
		}
	}
	return nil
}

func RunRemove(out io.Writer, ws *workspace.Workspace, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing path. Usage: peerfs rm <path>")
	}
	if err := ws.DeleteFile(args[0]); err != nil {
		if errors.Is(err, workspace.ErrFileNotFound) {
			return fmt.Errorf("no such file: %s", args[0])
		}
		return err
	}
	fmt.Fprintf(out, "Removed %s\n", args[0])
	return nil
}

func RunCopy(out io.Writer, ws *workspace.Workspace, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: peerfs cp <src> <dst>")
	}
	if err := ws.CopyFile(args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(out, "Copied %s to %s\n", args[0], args[1])
	return nil
}

func RunMove(out io.Writer, ws *workspace.Workspace, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: peerfs mv <src> <dst>")
	}
	if err := ws.MoveFile(args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(out, "Moved %s to %s\n", args[0], args[1])
	return nil
}

func RunHistory(out io.Writer, ws *workspace.Workspace, args []string) error {
	pattern := ""
	if len(args) > 0 {
		pattern = args[0]
	}
	changes, err := ws.History(pattern)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		fmt.Fprintln(out, "No history.")
		return nil
	}
	for _, ch := range changes {
		fmt.Fprintf(out, "%s  %-6s  %-30s  %s  by %s\n",
			formatMillis(ch.Timestamp),
			actionName(ch.Details),
			models.DetailsPath(ch.Details),
			ch.ID,
			crypto.ToHex(ch.Writer))
	}
	return nil
}

func actionName(d models.Details) string {
	switch d.(type) {
	case models.Put:
		return "put"
	case models.Copy:
		return "copy"
	case models.Delete:
		return "delete"
	case models.PutWriter:
		return "writer"
	default:
		return "?"
	}
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
