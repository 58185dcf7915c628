// Package revise heals corrupted chains by relocating everything from the first
// unrecoverable block onward into a quarantine directory. Nothing is deleted:
// quarantined files keep their names and bytes under
// <chain>/.quarantine/<repair timestamp>/.
package revise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/soulchain/pkg/chain"
	"github.com/entrhq/soulchain/pkg/chainstore"
)

// QuarantineDirName is the per-chain directory holding relocated suffixes.
const QuarantineDirName = ".quarantine"

// quarantineStampLayout names one repair run; it sorts chronologically.
const quarantineStampLayout = "20060102T150405.000Z"

// ManifestName is written into every quarantine directory.
const ManifestName = "manifest.json"

// Status is the outcome of revising one chain.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFixed  Status = "fixed"
	StatusBroken Status = "broken"
)

// Head is the index of the last block left in the active chain. HeadEmpty
// means no block remains.
type Head int

const HeadEmpty Head = -1

func (h Head) String() string {
	if h < 0 {
		return "empty"
	}
	return strconv.Itoa(int(h))
}

// MarshalJSON renders HeadEmpty as "empty" and any other head as a number.
func (h Head) MarshalJSON() ([]byte, error) {
	if h < 0 {
		return []byte(`"empty"`), nil
	}
	return []byte(strconv.Itoa(int(h))), nil
}

// UnmarshalJSON accepts both forms produced by MarshalJSON.
func (h *Head) UnmarshalJSON(b []byte) error {
	if string(b) == `"empty"` {
		*h = HeadEmpty
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("revise: invalid head %s", b)
	}
	*h = Head(n)
	return nil
}

// Result reports what Revise found and did.
type Result struct {
	Run           string   `json:"run,omitempty"`
	Chain         string   `json:"chain"`
	Status        Status   `json:"status"`
	Head          Head     `json:"head"`
	BrokenAt      *int     `json:"broken_at,omitempty"`
	Quarantined   int      `json:"quarantined"`
	QuarantineDir string   `json:"quarantine_dir,omitempty"`
	Errors        []string `json:"errors"`
}

// OK reports whether the active chain is self-consistent after the run.
func (r Result) OK() bool {
	return r.Status == StatusOK || r.Status == StatusFixed
}

// Store is what the reviser needs from a chain store.
type Store interface {
	ListChains() ([]string, error)
	Entries(chainName string) ([]chainstore.Entry, error)
	ChainDir(chainName string) (string, error)
	WithLock(ctx context.Context, chainName string, fn func() error) error
	ResetHead(chainName string) error
}

var _ Store = (*chainstore.FileStore)(nil)

// Reviser runs quarantine repairs against a store.
type Reviser struct {
	store  Store
	dryRun bool
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Reviser.
type Option func(*Reviser)

// WithDryRun reports what would be quarantined without moving anything.
func WithDryRun(dryRun bool) Option {
	return func(r *Reviser) { r.dryRun = dryRun }
}

// WithClock overrides the time used to name quarantine directories.
func WithClock(now func() time.Time) Option {
	return func(r *Reviser) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Reviser) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a Reviser over store.
func New(store Store, opts ...Option) *Reviser {
	r := &Reviser{store: store, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReviseAll revises every chain in the store. A failure on one chain stops the run.
func (r *Reviser) ReviseAll(ctx context.Context) ([]Result, error) {
	names, err := r.store.ListChains()
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(names))
	for _, name := range names {
		res, err := r.Revise(ctx, name)
		if err != nil {
			return results, fmt.Errorf("revise %s: %w", name, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// Revise verifies chainName record by record straight from disk and, unless in
// dry-run mode, quarantines the suffix starting at the first failure. It holds
// the chain lock for the whole run so no append can interleave.
func (r *Reviser) Revise(ctx context.Context, chainName string) (Result, error) {
	dir, err := r.store.ChainDir(chainName)
	if err != nil {
		return Result{}, err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return Result{Chain: chainName, Status: StatusOK, Head: HeadEmpty, Errors: []string{}}, nil
	}

	var res Result
	err = r.store.WithLock(ctx, chainName, func() error {
		var err error
		res, err = r.revise(ctx, chainName, dir)
		return err
	})
	return res, err
}

func (r *Reviser) revise(ctx context.Context, chainName, dir string) (Result, error) {
	entries, err := r.store.Entries(chainName)
	if err != nil {
		return Result{}, err
	}

	v := chain.NewVerifier().ExpectChain(chainName)
	for _, e := range entries {
		v.StepRecord(e.FileIndex, e.Block, e.Err)
	}

	res := Result{Chain: chainName, Status: StatusOK, Head: HeadEmpty, Errors: v.Errors()}
	brokenAt, broken := v.FirstFailure()
	if !broken {
		if n := len(entries); n > 0 {
			res.Head = Head(entries[n-1].FileIndex)
		}
		return res, nil
	}

	res.BrokenAt = &brokenAt
	if brokenAt > 0 {
		res.Head = Head(entries[brokenAt-1].FileIndex)
	}
	suffix := entries[brokenAt:]

	if r.dryRun {
		res.Status = StatusBroken
		r.logger.Info("revise: dry run found break", "chain", chainName, "broken_at", brokenAt, "would_quarantine", len(suffix))
		return res, nil
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	at := r.now()
	qdir, err := makeQuarantineDir(filepath.Join(dir, QuarantineDirName), at)
	if err != nil {
		return res, err
	}
	res.QuarantineDir = qdir
	res.Run = uuid.New().String()

	m := manifest{
		Run:        res.Run,
		Chain:      chainName,
		BrokenAt:   brokenAt,
		RepairedAt: chain.FormatTimestamp(at),
		Errors:     res.Errors,
	}
	for _, e := range suffix {
		if err := os.Rename(e.Path, filepath.Join(qdir, e.Name)); err != nil {
			// Files already moved stay in quarantine; the next run resumes from the new head.
			_ = writeManifest(qdir, m)
			return res, fmt.Errorf("revise: quarantine %s: %w", e.Name, err)
		}
		m.Files = append(m.Files, e.Name)
		res.Quarantined++
	}
	if err := writeManifest(qdir, m); err != nil {
		r.logger.Warn("revise: manifest not written", "chain", chainName, "dir", qdir, "err", err)
	}
	if err := r.store.ResetHead(chainName); err != nil {
		return res, err
	}

	res.Status = StatusFixed
	r.logger.Warn("revise: quarantined corrupted suffix",
		"chain", chainName, "broken_at", brokenAt, "quarantined", res.Quarantined, "dir", qdir)
	return res, nil
}

// makeQuarantineDir creates a fresh directory named after the repair time. A
// second run within the same millisecond gets a numbered sibling, so a
// quarantined file is never replaced.
func makeQuarantineDir(parent string, at time.Time) (string, error) {
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return "", fmt.Errorf("revise: create quarantine dir: %w", err)
	}
	stamp := at.UTC().Format(quarantineStampLayout)
	for n := 0; ; n++ {
		name := stamp
		if n > 0 {
			name = fmt.Sprintf("%s-%d", stamp, n)
		}
		qdir := filepath.Join(parent, name)
		err := os.Mkdir(qdir, 0o750)
		if err == nil {
			return qdir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("revise: create quarantine dir: %w", err)
		}
	}
}

// manifest records one repair run next to the files it moved.
type manifest struct {
	Run        string   `json:"run"`
	Chain      string   `json:"chain"`
	BrokenAt   int      `json:"broken_at"`
	RepairedAt string   `json:"repaired_at"`
	Files      []string `json:"files"`
	Errors     []string `json:"errors"`
}

func writeManifest(dir string, m manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("revise: encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), data, 0o600); err != nil {
		return fmt.Errorf("revise: write manifest: %w", err)
	}
	return nil
}
