package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loadDotEnv(".env")

	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "enroll":
		return runEnroll(ctx, args[1:])
	case "list":
		return runList(ctx, args[1:])
	case "auth":
		return runAuth(ctx, args[1:])
	case "services":
		return runServices(ctx, args[1:])
	case "session":
		return runSession(ctx, args[1:])
	case "key":
		return runKey(ctx, args[1:])
	case "remove":
		return runRemove(ctx, args[1:])
	case "dns-watch":
		return runDNSWatch(ctx, args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", args[0])
		printUsage()
		return 2
	}
}
