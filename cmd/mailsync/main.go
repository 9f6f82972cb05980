// Mailsync keeps local mail threads and their tags in step with one or
// more IMAP accounts.
//
// Server flags and labels become thread tags on every pass, and tag or
// archive edits made locally are written back to the server. An
// optional HTTP API exposes threads and sync status, and an optional
// MQTT publisher reports pass results. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	mailsync serve                          Run the sync loop, API and MQTT publisher
//	mailsync sync [account]                 Run one pass over every synced mailbox
//	mailsync reset <account> <mailbox>      Forget a mailbox's sync position
//	mailsync credential set <key>           Store a password read from stdin
//	mailsync credential delete <key>        Remove a stored password
//	mailsync version                        Print version and build information
//	mailsync -o json version                Output version information as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/mailsync/internal/buildinfo"
	"github.com/nugget/mailsync/internal/config"
	"github.com/nugget/mailsync/internal/credential"
	"github.com/nugget/mailsync/internal/mailsync"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the mailsync command. The serve
// command logs to stdout; one-shot commands keep stdout for their
// output and log to stderr. args is os.Args[1:].
// Arguments are parsed by hand to keep the flag package's global state
// out of tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
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
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "sync":
		if len(cmdArgs) > 1 {
			return fmt.Errorf("usage: mailsync sync [account]")
		}
		account := ""
		if len(cmdArgs) == 1 {
			account = cmdArgs[0]
		}
		return runSync(ctx, stdout, stderr, configPath, outputFmt, account)
	case "reset":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: mailsync reset <account> <mailbox>")
		}
		return runReset(ctx, stdout, configPath, cmdArgs[0], cmdArgs[1])
	case "credential":
		if len(cmdArgs) != 2 || (cmdArgs[0] != "set" && cmdArgs[0] != "delete") {
			return fmt.Errorf("usage: mailsync credential set|delete <key>")
		}
		return runCredential(stdin, stdout, configPath, cmdArgs[0], cmdArgs[1])
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Mailsync - IMAP tag and archive sync")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mailsync [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                       Run the sync loop, API and MQTT publisher")
	fmt.Fprintln(w, "  sync [account]              Run one pass over every synced mailbox")
	fmt.Fprintln(w, "  reset <account> <mailbox>   Forget a mailbox's sync position")
	fmt.Fprintln(w, "  credential set <key>        Store a password read from stdin")
	fmt.Fprintln(w, "  credential delete <key>     Remove a stored password")
	fmt.Fprintln(w, "  version                     Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mailsync/config.yaml, /etc/mailsync/config.yaml")
	return nil
}

// runServe runs every account's sync loop until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mailsync", "version", buildinfo.Version, "config", cfgPath)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.serve(ctx); err != nil {
		return err
	}
	logger.Info("mailsync stopped")
	return nil
}

// runSync runs one cycle for every account, or for the named one, and
// prints each pass result. It fails if any pass did not complete.
func runSync(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, account string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if account != "" {
		if _, ok := cfg.Account(account); !ok {
			return fmt.Errorf("unknown account %q", account)
		}
	}
	// Pass results go to stdout; only warnings are logged, to stderr.
	logger := config.NewLogger(stderr, "warn", cfg.LogFormat)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var results []*mailsync.Result
	if account != "" {
		results, err = a.runner.SyncAccount(ctx, account)
	} else {
		results, err = a.runner.SyncOnce(ctx)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(results); encErr != nil {
			return encErr
		}
	} else {
		printResults(stdout, results)
	}

	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	for _, res := range results {
		if !res.Complete() {
			return fmt.Errorf("sync of %s/%s stopped at %s", res.Account, res.Mailbox, res.State)
		}
	}
	return nil
}

func printResults(w io.Writer, results []*mailsync.Result) {
	for _, res := range results {
		fmt.Fprintf(w, "%s/%s: %s uidvalidity=%d last_seen=%d refreshed=%d ingested=%d pushed=%d stores=%d (%s)\n",
			res.Account, res.Mailbox, res.State, res.UIDValidity, res.LastSeenUID,
			res.Refreshed, res.Ingested, res.Pushed, res.StoreCommands,
			res.Duration.Round(time.Millisecond))
		if res.Resync {
			fmt.Fprintln(w, "  uidvalidity changed, mailbox resynced from scratch")
		}
		for _, f := range res.Failures {
			fmt.Fprintf(w, "  uid %d failed: %v\n", f.UID, f.Err)
		}
		for _, uid := range res.Skipped {
			fmt.Fprintf(w, "  uid %d skipped after repeated failures\n", uid)
		}
	}
}

// runReset forgets a mailbox's UIDVALIDITY and watermark so the next
// pass starts from scratch. Threads and tags are kept.
func runReset(ctx context.Context, stdout io.Writer, configPath, account, mailboxName string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if _, ok := cfg.Account(account); !ok {
		return fmt.Errorf("unknown account %q", account)
	}

	state, err := openState(cfg.DataDir)
	if err != nil {
		return err
	}
	defer state.Close()

	if err := state.ResetMailbox(ctx, account, mailboxName); err != nil {
		return fmt.Errorf("reset %s/%s: %w", account, mailboxName, err)
	}
	fmt.Fprintf(stdout, "reset %s/%s; the next pass will resync it\n", account, mailboxName)
	return nil
}

// runCredential stores or removes a keyring entry. The value for set
// is the first line read from stdin.
func runCredential(stdin io.Reader, stdout io.Writer, configPath, action, key string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := credential.Open(cfg.DataDir)
	if err != nil {
		return err
	}

	switch action {
	case "set":
		value, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read credential: %w", err)
		}
		value = strings.TrimRight(value, "\r\n")
		if value == "" {
			return fmt.Errorf("empty credential for %q", key)
		}
		if err := store.Set(key, value); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "stored credential %q\n", key)
	case "delete":
		if err := store.Delete(key); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "deleted credential %q\n", key)
	}
	return nil
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
