package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Println(`edgetun - zero-trust overlay tunnel client

Enroll device identities with an edge controller, keep their sessions and
service lists current, and watch DNS traffic on a TUN device.

Usage:
  edgetun enroll <jwt-file>             Register and enroll an identity from its enrollment token
  edgetun list                          List identities with enrollment status and reachability
  edgetun auth <id>                     Authenticate an identity and print controller reachability
  edgetun services <id>                 Fetch the services visible to an identity
  edgetun session <id> <service-id>     Request a network session for a service
  edgetun key <id>                      Print the identity's private key and certificate (debug)
  edgetun remove <id>                   Remove an identity with its key pair and certificate
  edgetun dns-watch [--tun NAME]        Log DNS questions read from a TUN device
  edgetun version                       Print version
  edgetun help                          Show this help

Common flags (all identity commands):
  --db PATH            SQLite database path (default: ./edgetun.db)
  --master-key PATH    Key sealing file (default: database path with .key)
  --log-level LEVEL    debug|info|warn|error (default: info)
  --timeout DURATION   Controller request timeout (default: 30s)
  --debug-addr ADDR    dns-watch status and pprof endpoint (default: off)

Environment Variables:
  EDGETUN_DB_PATH            SQLite database path
  EDGETUN_MASTER_KEY_FILE    Key sealing file
  EDGETUN_LOG_LEVEL          Log level
  EDGETUN_TIMEOUT            Controller request timeout
  EDGETUN_HIGH_WATER         Relay pending bytes that pause overlay reads
  EDGETUN_LOW_WATER          Relay pending bytes that resume overlay reads
  EDGETUN_TUN                TUN device name for dns-watch
  EDGETUN_DEBUG_ADDR         dns-watch status and pprof listen address

A .env file in the working directory is loaded first; variables already set
in the environment win.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Println("edgetun", Version)
}
