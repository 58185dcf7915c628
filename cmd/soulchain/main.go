// Package main provides the soulchain command line tool: append to, read,
// query, verify and repair hash-linked journal chains on local disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/entrhq/soulchain/pkg/chainstore"
	"github.com/entrhq/soulchain/pkg/config"
	"github.com/entrhq/soulchain/pkg/logging"
)

const version = "0.1.0"

const (
	exitOK      = 0
	exitError   = 1
	exitInvalid = 2 // verify or revise found an inconsistent chain
)

// EnvPassphrase supplies the vault passphrase non-interactively.
const EnvPassphrase = "SOULCHAIN_PASSPHRASE"

// app carries everything a subcommand needs.
type app struct {
	cfg    *config.Config
	store  *chainstore.FileStore
	logger *logging.Logger

	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader
	now    func() time.Time
}

type command struct {
	name    string
	summary string
	run     func(a *app, ctx context.Context, args []string) int
}

var commands = []command{
	{"append", "append an entry to a chain", (*app).cmdAppend},
	{"read", "print every block of a chain", (*app).cmdRead},
	{"tail", "print the last blocks of a chain", (*app).cmdTail},
	{"list", "list chains with block counts", (*app).cmdList},
	{"stats", "summarise one chain", (*app).cmdStats},
	{"query", "search a chain by keyword, tag, type and time", (*app).cmdQuery},
	{"verify", "check hash links and SOUL rules", (*app).cmdVerify},
	{"revise", "quarantine corrupted chain suffixes", (*app).cmdRevise},
	{"vault-put", "seal a secret into a vault entry", (*app).cmdVaultPut},
	{"vault-get", "open a vault entry", (*app).cmdVaultGet},
}

func main() {
	// Create context with signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()

	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.Stdin)
	cancel()
	os.Exit(code)
}

// run parses global flags, wires the store and dispatches to a subcommand.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, stdin io.Reader) int {
	fs := flag.NewFlagSet("soulchain", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to configuration file (default: ~/.soulchain/config.yaml)")
	root := fs.String("root", "", "Chain store directory (overrides config and "+config.EnvRoot+")")
	verbosity := fs.String("log-level", "", "Log verbosity: quiet, normal, verbose, debug")
	showVersion := fs.Bool("version", false, "Show version and exit")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "soulchain - tamper-evident personal chains\n\n")
		fmt.Fprintf(stderr, "Usage: soulchain [options] <command> [command options]\n\n")
		fmt.Fprintf(stderr, "Commands:\n")
		for _, c := range commands {
			fmt.Fprintf(stderr, "  %-10s %s\n", c.name, c.summary)
		}
		fmt.Fprintf(stderr, "\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(stderr, "  %-22s chain store directory\n", config.EnvRoot)
		fmt.Fprintf(stderr, "  %-22s log verbosity\n", config.EnvLogLevel)
		fmt.Fprintf(stderr, "  %-22s vault passphrase\n", EnvPassphrase)
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  soulchain append -chain journal -tags work,idea \"Shipped the importer\"\n")
		fmt.Fprintf(stderr, "  soulchain query -chain journal -tags work -since 168h\n")
		fmt.Fprintf(stderr, "  soulchain verify\n")
		fmt.Fprintf(stderr, "  soulchain revise -dry-run -chain journal\n")
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return exitOK
		}
		return exitError
	}
	if *showVersion {
		fmt.Fprintf(stdout, "soulchain v%s\n", version)
		return exitOK
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitError
	}

	name, rest := fs.Arg(0), fs.Args()[1:]
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		fs.Usage()
		return exitError
	}

	a, err := newApp(*configPath, *root, *verbosity, stdout, stderr, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return exitError
	}
	defer a.logger.Close()

	a.logger.Debugf("running %s %v", name, rest)
	return cmd.run(a, ctx, rest)
}

func newApp(configPath, root, verbosity string, stdout, stderr io.Writer, stdin io.Reader) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if root != "" {
		cfg.StoreRoot = root
	}
	if verbosity != "" {
		cfg.Logging.Verbosity = verbosity
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, err := logging.ParseVerbosity(cfg.Logging.Verbosity)
	if err != nil {
		return nil, err
	}

	logger, logErr := logging.NewLogger("soulchain")
	if logErr != nil && cfg.Logging.Verbosity == "debug" {
		fmt.Fprintf(stderr, "Warning: file logging unavailable: %v\n", logErr)
	}
	logger.SetLevel(level)

	store, err := chainstore.NewFileStore(cfg.StoreRoot,
		chainstore.WithLogger(logger.Slog()),
		chainstore.WithLockTTL(cfg.Lock.TTL),
		chainstore.WithLockWait(cfg.Lock.Wait),
		chainstore.WithAppendRetries(cfg.Append.MaxRetries),
	)
	if err != nil {
		logger.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		store:  store,
		logger: logger,
		stdout: stdout,
		stderr: stderr,
		stdin:  stdin,
		now:    time.Now,
	}, nil
}
