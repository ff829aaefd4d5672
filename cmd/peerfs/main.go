package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/iudanet/peerfs/internal/cli"
	"github.com/iudanet/peerfs/internal/workspace"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	dir := flag.String("dir", ".", "Workspace directory")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		cli.PrintUsage()
		os.Exit(1)
	}
	command := args[0]

	if command == "init" {
		if err := cli.RunInit(os.Stdout, *dir); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ws, err := cli.OpenWorkspace(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open workspace: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := ws.Close(); err != nil {
			slog.Error("failed to close workspace", "error", err)
		}
	}()

	if err := run(command, args[1:], ws); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string, ws *workspace.Workspace) error {
	switch command {
	case "info":
		return cli.RunInfo(os.Stdout, ws)
	case "write":
		return cli.RunWrite(os.Stdout, ws, args)
	case "read":
		return cli.RunRead(os.Stdout, ws, args)
	case "ls":
		return cli.RunList(os.Stdout, ws, args)
	case "stat":
		return cli.RunStat(os.Stdout, ws, args)
	case "rm":
		return cli.RunRemove(os.Stdout, ws, args)
	case "cp":
		return cli.RunCopy(os.Stdout, ws, args)
	case "mv":
		return cli.RunMove(os.Stdout, ws, args)
	case "history":
		return cli.RunHistory(os.Stdout, ws, args)
	case "writers":
		return cli.RunWriters(os.Stdout, ws)
	case "putwriter":
		return cli.RunPutWriter(os.Stdout, ws, args)
	case "invite":
		return cli.RunInvite(os.Stdout, ws)
	default:
		cli.PrintUsage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printVersion() {
	fmt.Printf("peerfs\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
