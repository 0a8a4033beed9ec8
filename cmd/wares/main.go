// Wares is a marketplace client for installable tool-server apps.
//
// It talks to a wares marketplace over HTTP: browsing and searching
// apps, downloading and publishing packages, and adding apps to the
// caller's account. Installed apps are recorded locally, and the serve
// daemon watches their tool servers' health, exposes Prometheus
// metrics, and optionally announces everything to Home Assistant over
// MQTT. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	wares list                   List marketplace apps
//	wares search <query>         Search apps by text
//	wares info <id>              Show app details and manifest
//	wares install <id>           Add an app to the account and record it
//	wares serve                  Run the health and announce daemon
//	wares version                Print version and build information
//	wares -o json version        Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/wares/internal/buildinfo"
	"github.com/nugget/wares/internal/config"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the wares command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the daemon and background goroutines.
//   - stdout and stderr receive all program output. Command output goes
//     to stdout; logs from one-shot commands go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on success and a non-nil error for any failure. The
// caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Global flags are recognized only before
	// the command so subcommands can define their own (download uses -o
	// for the output file).
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		if command != "" {
			cmdArgs = append(cmdArgs, args[i])
			continue
		}
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "list":
		return runList(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "search":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: wares search <query> [--category <name>]")
		}
		return runSearch(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "info":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: wares info <id> | wares info --package <file.zip>")
		}
		return runInfo(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "download":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: wares download <id> [--version <v>] [-o <file>]")
		}
		return runDownload(ctx, stdout, stderr, configPath, cmdArgs)
	case "upload":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: wares upload <file.zip> [--visibility private|global]")
		}
		return runUpload(ctx, stdout, stderr, configPath, cmdArgs)
	case "publish":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: wares publish <owner/repo> [--tag <tag>] [--visibility private|global]")
		}
		return runPublish(ctx, stdout, stderr, configPath, cmdArgs)
	case "delete":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: wares delete <id>")
		}
		return runDelete(ctx, stdout, stderr, configPath, cmdArgs[0])
	case "install":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: wares install <id>")
		}
		return runInstall(ctx, stdout, stderr, configPath, cmdArgs[0])
	case "upgrade":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: wares upgrade <id>")
		}
		return runUpgrade(ctx, stdout, stderr, configPath, cmdArgs[0])
	case "uninstall":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: wares uninstall <id>")
		}
		return runUninstall(ctx, stdout, stderr, configPath, cmdArgs[0])
	case "installed":
		return runInstalled(ctx, stdout, stderr, configPath, outputFmt)
	case "health":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: wares health <id>")
		}
		return runHealth(ctx, stdout, stderr, configPath, cmdArgs[0])
	case "share":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: wares share <id> [--png <file>]")
		}
		return runShare(ctx, stdout, stderr, configPath, cmdArgs)
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// wares is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Wares - Marketplace Client for Tool-Server Apps")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: wares [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Marketplace commands:")
	fmt.Fprintln(w, "  list          List apps (--category, --visibility)")
	fmt.Fprintln(w, "  search        Search apps by text (--category)")
	fmt.Fprintln(w, "  info          Show app details, manifest, and readme (--package file)")
	fmt.Fprintln(w, "  download      Download an app package (--version, -o file)")
	fmt.Fprintln(w, "  upload        Publish a package file (--visibility)")
	fmt.Fprintln(w, "  publish       Publish from a GitHub release (--tag, --visibility)")
	fmt.Fprintln(w, "  delete        Remove an app you own")
	fmt.Fprintln(w, "  share         Print an app link as a QR code (--png file)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Local commands:")
	fmt.Fprintln(w, "  install       Add an app to the account and record it locally")
	fmt.Fprintln(w, "  upgrade       Refresh an installed app to the marketplace version")
	fmt.Fprintln(w, "  uninstall     Remove an app from the local registry")
	fmt.Fprintln(w, "  installed     List locally installed apps")
	fmt.Fprintln(w, "  health        Check one app's tool server health")
	fmt.Fprintln(w, "  serve         Run the health/announce daemon")
	fmt.Fprintln(w, "  init [dir]    Initialize a working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version       Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/wares/config.yaml, /etc/wares/config.yaml")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level. level may be a fixed slog.Level or a *slog.LevelVar when the
// caller wants to adjust verbosity at runtime (the serve daemon does,
// on config reload). All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations; when
// nothing is found, built-in defaults are used so the CLI works against
// a local marketplace with zero setup. Returns the config, the path
// that was loaded ("" for defaults), and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
