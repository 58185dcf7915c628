package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/entrhq/soulchain/pkg/chain"
	"github.com/entrhq/soulchain/pkg/chainstore"
	"github.com/entrhq/soulchain/pkg/query"
	"github.com/entrhq/soulchain/pkg/report"
	"github.com/entrhq/soulchain/pkg/revise"
	"github.com/entrhq/soulchain/pkg/vault"
)

// newFlagSet returns a flag set for a subcommand with the shared -json flag.
func (a *app) newFlagSet(name string) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	asJSON := fs.Bool("json", false, "Print JSON instead of text")
	return fs, asJSON
}

func (a *app) parse(fs *flag.FlagSet, args []string) bool {
	return fs.Parse(args) == nil
}

// fail reports err and returns the generic error exit code.
func (a *app) fail(err error) int {
	var verr *chain.ValidationError
	if errors.As(err, &verr) {
		fmt.Fprintln(a.stderr, "Error: entry rejected by SOUL rules:")
		for _, v := range verr.Violations {
			fmt.Fprintf(a.stderr, "  %s\n", v)
		}
		return exitError
	}
	var lockErr *chainstore.LockError
	if errors.As(err, &lockErr) {
		a.logger.Warnf("lock contention on %s: %v", lockErr.Chain, err)
		fmt.Fprintf(a.stderr, "Error: %v (retry later)\n", err)
		return exitError
	}
	a.logger.Errorf("%v", err)
	fmt.Fprintf(a.stderr, "Error: %v\n", err)
	return exitError
}

func (a *app) usageError(fs *flag.FlagSet, format string, v ...interface{}) int {
	fmt.Fprintf(a.stderr, format+"\n", v...)
	fs.Usage()
	return exitError
}

func (a *app) printJSON(v interface{}) int {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return a.fail(err)
	}
	return exitOK
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (a *app) cmdAppend(ctx context.Context, args []string) int {
	fs, asJSON := a.newFlagSet("append")
	chainName := fs.String("chain", "journal", "Chain to append to")
	typ := fs.String("type", string(chain.TypeJournal), "Block type: "+typeNames())
	tags := fs.String("tags", "", "Comma separated tags")
	schema := fs.String("schema", "", "Credential schema (type credential)")
	issuer := fs.String("issuer", "", "Credential issuer (type credential)")
	holder := fs.String("holder", "", "Credential holder (type credential)")
	if !a.parse(fs, args) {
		return exitError
	}

	content := strings.Join(fs.Args(), " ")
	if content == "-" {
		raw, err := io.ReadAll(a.stdin)
		if err != nil {
			return a.fail(fmt.Errorf("read content: %w", err))
		}
		content = strings.TrimRight(string(raw), "\n")
	}
	if strings.TrimSpace(content) == "" {
		return a.usageError(fs, "append: content is required (pass it as arguments or \"-\" for stdin)")
	}

	bt := chain.BlockType(*typ)
	var data chain.BlockData
	switch bt {
	case chain.TypeVault:
		return a.usageError(fs, "append: use vault-put to store secrets")
	case chain.TypeCredential:
		data = chain.Credential(content, chain.CredentialPayload{Schema: *schema, Issuer: *issuer, Holder: *holder}, splitList(*tags)...)
	default:
		data = chain.NewData(bt, content, splitList(*tags)...)
	}

	b, err := a.store.Append(ctx, *chainName, data)
	if err != nil {
		return a.fail(err)
	}
	a.logger.Infof("appended %s", b)
	if *asJSON {
		return a.printJSON(b)
	}
	fmt.Fprint(a.stdout, report.RenderBlocks([]chain.Block{*b}))
	return exitOK
}

func typeNames() string {
	names := make([]string, len(chain.BlockTypes))
	for i, t := range chain.BlockTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func (a *app) printBlocks(blocks []chain.Block, asJSON bool) int {
	if asJSON {
		return a.printJSON(blocks)
	}
	fmt.Fprint(a.stdout, report.RenderBlocks(blocks))
	return exitOK
}

func (a *app) cmdRead(_ context.Context, args []string) int {
	fs, asJSON := a.newFlagSet("read")
	chainName := fs.String("chain", "journal", "Chain to read")
	if !a.parse(fs, args) {
		return exitError
	}
	blocks, err := a.store.ReadChain(*chainName)
	if err != nil {
		return a.fail(err)
	}
	return a.printBlocks(blocks, *asJSON)
}

func (a *app) cmdTail(_ context.Context, args []string) int {
	fs, asJSON := a.newFlagSet("tail")
	chainName := fs.String("chain", "journal", "Chain to read")
	n := fs.Int("n", 10, "Number of blocks")
	if !a.parse(fs, args) {
		return exitError
	}
	if *n <= 0 {
		return a.usageError(fs, "tail: -n must be positive")
	}
	blocks, err := a.store.Tail(*chainName, *n)
	if err != nil {
		return a.fail(err)
	}
	return a.printBlocks(blocks, *asJSON)
}

func (a *app) cmdList(_ context.Context, args []string) int {
	fs, asJSON := a.newFlagSet("list")
	if !a.parse(fs, args) {
		return exitError
	}
	names, err := a.store.ListChains()
	if err != nil {
		return a.fail(err)
	}
	stats := make([]chainstore.Stats, 0, len(names))
	for _, name := range names {
		st, err := a.store.Stats(name)
		if err != nil {
			return a.fail(err)
		}
		stats = append(stats, st)
	}
	if *asJSON {
		return a.printJSON(stats)
	}
	fmt.Fprint(a.stdout, report.RenderStats(stats))
	return exitOK
}

func (a *app) cmdStats(_ context.Context, args []string) int {
	fs, asJSON := a.newFlagSet("stats")
	chainName := fs.String("chain", "journal", "Chain to summarise")
	if !a.parse(fs, args) {
		return exitError
	}
	st, err := a.store.Stats(*chainName)
	if err != nil {
		return a.fail(err)
	}
	if *asJSON {
		return a.printJSON(st)
	}
	fmt.Fprint(a.stdout, report.RenderStats([]chainstore.Stats{st}))
	return exitOK
}

// parseSince accepts an RFC 3339 instant or a duration back from now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid -since %q: want RFC 3339 time or positive duration", s)
	}
	return now.Add(-d), nil
}

func (a *app) cmdQuery(_ context.Context, args []string) int {
	fs, asJSON := a.newFlagSet("query")
	chainName := fs.String("chain", "journal", "Chain to search")
	keyword := fs.String("q", "", "Keyword or glob pattern matched against content")
	tags := fs.String("tags", "", "Comma separated tag patterns; all must match")
	types := fs.String("types", "", "Comma separated block types")
	since := fs.String("since", "", "Only blocks at or after this RFC 3339 time or duration ago (e.g. 72h)")
	limit := fs.Int("limit", 0, "Maximum results (0 for all)")
	if !a.parse(fs, args) {
		return exitError
	}

	from, err := parseSince(*since, a.now())
	if err != nil {
		return a.usageError(fs, "query: %v", err)
	}
	q := query.Query{Keyword: *keyword, Tags: splitList(*tags), Since: from, Limit: *limit}
	for _, t := range splitList(*types) {
		q.Types = append(q.Types, chain.BlockType(t))
	}

	blocks, err := query.Search(a.store, *chainName, q)
	if err != nil {
		return a.fail(err)
	}
	return a.printBlocks(blocks, *asJSON)
}

// targetChains returns the named chain, or every chain when name is empty.
func (a *app) targetChains(name string) ([]string, error) {
	if name != "" {
		if err := chainstore.ValidateChainName(name); err != nil {
			return nil, err
		}
		return []string{name}, nil
	}
	return a.store.ListChains()
}

func (a *app) writeArtifacts(dir string, summary *report.Summary) {
	if dir == "" {
		return
	}
	runDir := report.RunDir(dir, summary)
	if err := report.NewArtifactWriter(runDir).WriteAll(summary); err != nil {
		a.logger.Warnf("report artifacts not written: %v", err)
		fmt.Fprintf(a.stderr, "Warning: %v\n", err)
		return
	}
	a.logger.Infof("report artifacts written to %s", runDir)
}

func (a *app) cmdVerify(_ context.Context, args []string) int {
	fs, asJSON := a.newFlagSet("verify")
	chainName := fs.String("chain", "", "Chain to verify (default: all chains)")
	reportDir := fs.String("report-dir", a.cfg.Reports.OutputDir, "Directory for JSON/Markdown reports (empty disables)")
	if !a.parse(fs, args) {
		return exitError
	}

	start := a.now()
	names, err := a.targetChains(*chainName)
	if err != nil {
		return a.fail(err)
	}
	summary := &report.Summary{Command: "verify", OK: true, StartTime: start, Verified: []report.ChainVerification{}}
	for _, name := range names {
		rep, n, err := a.store.Verify(name)
		if err != nil {
			return a.fail(err)
		}
		if !rep.Valid {
			summary.OK = false
			a.logger.Warnf("chain %s failed verification: %d soul errors", name, len(rep.SoulErrors))
		}
		summary.Verified = append(summary.Verified, report.ChainVerification{Chain: name, Blocks: n, Report: rep})
	}
	summary.EndTime = a.now()
	summary.Duration = summary.EndTime.Sub(start)
	a.writeArtifacts(*reportDir, summary)

	code := exitOK
	if *asJSON {
		code = a.printJSON(summary)
	} else {
		fmt.Fprint(a.stdout, report.RenderVerification(summary.Verified))
	}
	if code == exitOK && !summary.OK {
		return exitInvalid
	}
	return code
}

func (a *app) cmdRevise(ctx context.Context, args []string) int {
	fs, asJSON := a.newFlagSet("revise")
	chainName := fs.String("chain", "", "Chain to repair (default: all chains)")
	dryRun := fs.Bool("dry-run", false, "Report what would be quarantined without moving anything")
	reportDir := fs.String("report-dir", a.cfg.Reports.OutputDir, "Directory for JSON/Markdown reports (empty disables)")
	if !a.parse(fs, args) {
		return exitError
	}

	start := a.now()
	r := revise.New(a.store, revise.WithDryRun(*dryRun), revise.WithLogger(a.logger.Slog()))

	var results []revise.Result
	if *chainName != "" {
		res, err := r.Revise(ctx, *chainName)
		if err != nil {
			return a.fail(err)
		}
		results = []revise.Result{res}
	} else {
		all, err := r.ReviseAll(ctx)
		if err != nil {
			return a.fail(err)
		}
		results = all
	}

	summary := &report.Summary{Command: "revise", OK: true, StartTime: start, Revised: results}
	for _, res := range results {
		if !res.OK() {
			summary.OK = false
		}
	}
	summary.EndTime = a.now()
	summary.Duration = summary.EndTime.Sub(start)
	a.writeArtifacts(*reportDir, summary)

	code := exitOK
	if *asJSON {
		code = a.printJSON(summary)
	} else {
		fmt.Fprint(a.stdout, report.RenderRevision(results))
	}
	if code == exitOK && !summary.OK {
		return exitInvalid
	}
	return code
}

// readPassphrase takes the passphrase from the environment or, on a
// terminal, prompts without echo.
func (a *app) readPassphrase() (string, error) {
	if p := os.Getenv(EnvPassphrase); p != "" {
		return p, nil
	}
	f, ok := a.stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", fmt.Errorf("no passphrase: set %s or run on a terminal", EnvPassphrase)
	}
	fmt.Fprint(a.stderr, "Passphrase: ")
	raw, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(a.stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}

func (a *app) cmdVaultPut(ctx context.Context, args []string) int {
	fs, asJSON := a.newFlagSet("vault-put")
	chainName := fs.String("chain", "vault", "Chain to append to")
	label := fs.String("label", "", "Description stored in the clear")
	tags := fs.String("tags", "", "Comma separated tags")
	secretFile := fs.String("secret-file", "", "Read the secret from this file instead of stdin")
	if !a.parse(fs, args) {
		return exitError
	}
	if strings.TrimSpace(*label) == "" {
		return a.usageError(fs, "vault-put: -label is required")
	}

	passphrase, err := a.readPassphrase()
	if err != nil {
		return a.fail(err)
	}
	var secret []byte
	if *secretFile != "" {
		secret, err = os.ReadFile(*secretFile)
	} else {
		secret, err = io.ReadAll(a.stdin)
	}
	if err != nil {
		return a.fail(fmt.Errorf("read secret: %w", err))
	}
	if len(secret) == 0 {
		return a.usageError(fs, "vault-put: secret is empty")
	}

	data, err := vault.Entry(passphrase, *label, secret, splitList(*tags)...)
	if err != nil {
		return a.fail(err)
	}
	b, err := a.store.Append(ctx, *chainName, data)
	if err != nil {
		return a.fail(err)
	}
	a.logger.Infof("sealed vault entry %s", b)
	if *asJSON {
		return a.printJSON(b)
	}
	fmt.Fprint(a.stdout, report.RenderBlocks([]chain.Block{*b}))
	return exitOK
}

func (a *app) cmdVaultGet(_ context.Context, args []string) int {
	fs, _ := a.newFlagSet("vault-get")
	chainName := fs.String("chain", "vault", "Chain holding the entry")
	index := fs.Int("index", -1, "Index of the vault block")
	if !a.parse(fs, args) {
		return exitError
	}
	if *index < 0 {
		return a.usageError(fs, "vault-get: -index is required")
	}

	blocks, err := a.store.ReadChain(*chainName)
	if err != nil {
		return a.fail(err)
	}
	var target *chain.Block
	for i := range blocks {
		if blocks[i].Index == *index {
			target = &blocks[i]
			break
		}
	}
	switch {
	case target == nil:
		return a.fail(fmt.Errorf("no block %d in chain %s", *index, *chainName))
	case target.Data.Vault == nil:
		return a.fail(fmt.Errorf("block %d in chain %s is a %s entry, not a sealed secret", *index, *chainName, target.Data.Type))
	}

	passphrase, err := a.readPassphrase()
	if err != nil {
		return a.fail(err)
	}
	secret, err := vault.Open(passphrase, *target.Data.Vault)
	if err != nil {
		return a.fail(err)
	}
	if _, err := a.stdout.Write(secret); err != nil {
		return a.fail(err)
	}
	return exitOK
}
