package chainstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/entrhq/soulchain/pkg/chain"
)

// IndexWidth is the zero-padded width of block file names.
const IndexWidth = 6

const blockExt = ".json"

var blockFileName = regexp.MustCompile(`^([0-9]{6,})\.json$`)

// FileStore is the file-system implementation of Store.
type FileStore struct {
	root          string
	logger        *slog.Logger
	lockTTL       time.Duration
	lockWait      time.Duration
	appendRetries int
	now           func() time.Time
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (creating if needed) a store rooted at root.
func NewFileStore(root string, opts ...Option) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("chainstore: empty store root")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("chainstore: init root %s: %w", root, err)
	}
	s := &FileStore{
		root:          root,
		logger:        slog.Default(),
		lockTTL:       DefaultLockTTL,
		lockWait:      DefaultLockWait,
		appendRetries: DefaultAppendRetries,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the store root directory.
func (s *FileStore) Root() string {
	return s.root
}

// ValidateChainName rejects names that are empty, hidden or not a single path element.
func ValidateChainName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidChainName)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidChainName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidChainName, name)
	}
	return nil
}

// ChainDir returns the directory holding chainName's block files.
func (s *FileStore) ChainDir(chainName string) (string, error) {
	if err := ValidateChainName(chainName); err != nil {
		return "", err
	}
	return filepath.Join(s.root, chainName), nil
}

// BlockFileName renders the file name for a block index.
func BlockFileName(index int) string {
	return fmt.Sprintf("%0*d%s", IndexWidth, index, blockExt)
}

// ParseBlockFileName returns the index encoded in a block file name.
func ParseBlockFileName(name string) (int, bool) {
	m := blockFileName.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

type blockFile struct {
	name  string
	index int
}

// listBlockFiles returns the block files of dir in index order. A missing
// directory is an empty chain.
func listBlockFiles(dir string) ([]blockFile, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chainstore: list %s: %w", dir, err)
	}
	files := make([]blockFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, ok := ParseBlockFileName(e.Name())
		if !ok {
			continue
		}
		files = append(files, blockFile{name: e.Name(), index: idx})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].index != files[j].index {
			return files[i].index < files[j].index
		}
		return files[i].name < files[j].name
	})
	return files, nil
}

func readBlockFile(path string) (*chain.Block, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := chain.DecodeBlock(raw)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Append adds a block holding data to chainName, creating the chain on first use.
// The block is validated before anything is written; a *chain.ValidationError
// means nothing was persisted.
func (s *FileStore) Append(ctx context.Context, chainName string, data chain.BlockData) (*chain.Block, error) {
	dir, err := s.ChainDir(chainName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("chainstore: init chain %s: %w", chainName, err)
	}

	var appended *chain.Block
	err = s.WithLock(ctx, chainName, func() error {
		for attempt := 0; attempt <= s.appendRetries; attempt++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := s.appendOnce(dir, chainName, data)
			if errors.Is(err, ErrHeadMoved) {
				s.logger.Debug("chainstore: head moved, rebuilding block", "chain", chainName, "attempt", attempt)
				continue
			}
			if err != nil {
				return err
			}
			appended = b
			return nil
		}
		return &LockError{Chain: chainName, Err: ErrHeadMoved}
	})
	if err != nil {
		return nil, err
	}
	return appended, nil
}

func (s *FileStore) appendOnce(dir, chainName string, data chain.BlockData) (*chain.Block, error) {
	head, err := s.LastBlock(chainName)
	if err != nil {
		return nil, err
	}

	data.Tags = append([]string{}, data.Tags...)
	b := chain.Block{
		Chain:     chainName,
		Timestamp: chain.FormatTimestamp(s.now()),
		Data:      data,
		PrevHash:  chain.ZeroHash,
	}
	if head != nil {
		b.Index = head.Index + 1
		b.PrevHash = head.Hash
	}
	if err := chain.Seal(&b); err != nil {
		return nil, err
	}
	if violations := chain.Validate(b, head); len(violations) > 0 {
		return nil, &chain.ValidationError{Violations: violations}
	}

	raw, err := chain.EncodeBlock(b)
	if err != nil {
		return nil, err
	}
	if err := publish(dir, BlockFileName(b.Index), raw); err != nil {
		return nil, err
	}

	if err := s.writeHead(dir, b); err != nil {
		s.logger.Warn("chainstore: head hint not updated", "chain", chainName, "err", err)
	}
	s.logger.Debug("chainstore: appended block", "chain", chainName, "index", b.Index, "hash", b.Hash)
	return &b, nil
}

// publish writes raw to a temporary file in dir and links it to name, then
// syncs dir. The link fails if name exists, which surfaces as ErrHeadMoved.
func publish(dir, name string, raw []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("chainstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("chainstore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("chainstore: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("chainstore: close temp file: %w", err)
	}

	final := filepath.Join(dir, name)
	if err := os.Link(tmpPath, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrHeadMoved
		}
		return fmt.Errorf("chainstore: publish %s: %w", final, err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("chainstore: publish %s: %w", final, err)
	}
	return nil
}

// syncDir flushes dir's entries so a newly linked name survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}

// LastBlock returns the highest-indexed block of chainName, or nil for an
// empty or missing chain.
func (s *FileStore) LastBlock(chainName string) (*chain.Block, error) {
	dir, err := s.ChainDir(chainName)
	if err != nil {
		return nil, err
	}
	files, err := listBlockFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	last := files[len(files)-1]
	if b, ok := s.readHead(dir, last); ok {
		return b, nil
	}
	b, err := readBlockFile(filepath.Join(dir, last.name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrCorruptHead, chainName, last.name, err)
	}
	return b, nil
}

// ReadChain parses every block of chainName in index order. Files that cannot
// be read or parsed are skipped.
func (s *FileStore) ReadChain(chainName string) ([]chain.Block, error) {
	entries, err := s.Entries(chainName)
	if err != nil {
		return nil, err
	}
	return trustedBlocks(chainName, entries, s.logger), nil
}

// Tail parses only the last k blocks of chainName, oldest first.
func (s *FileStore) Tail(chainName string, k int) ([]chain.Block, error) {
	if k <= 0 {
		return nil, nil
	}
	dir, err := s.ChainDir(chainName)
	if err != nil {
		return nil, err
	}
	files, err := listBlockFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) > k {
		files = files[len(files)-k:]
	}
	return trustedBlocks(chainName, loadEntries(dir, files), s.logger), nil
}

func trustedBlocks(chainName string, entries []Entry, logger *slog.Logger) []chain.Block {
	blocks := make([]chain.Block, 0, len(entries))
	for _, e := range entries {
		if e.Err != nil {
			logger.Debug("chainstore: skipping unreadable block file", "chain", chainName, "file", e.Name, "err", e.Err)
			continue
		}
		blocks = append(blocks, *e.Block)
	}
	return blocks
}

// Entries returns every block file of chainName as found on disk, sorted by
// index, including files that fail to parse.
func (s *FileStore) Entries(chainName string) ([]Entry, error) {
	dir, err := s.ChainDir(chainName)
	if err != nil {
		return nil, err
	}
	files, err := listBlockFiles(dir)
	if err != nil {
		return nil, err
	}
	return loadEntries(dir, files), nil
}

func loadEntries(dir string, files []blockFile) []Entry {
	entries := make([]Entry, 0, len(files))
	for i, f := range files {
		path := filepath.Join(dir, f.name)
		b, err := readBlockFile(path)
		entries = append(entries, Entry{
			Name:      f.name,
			Path:      path,
			Position:  i,
			FileIndex: f.index,
			Block:     b,
			Err:       err,
		})
	}
	return entries
}

// ListChains returns the names of every chain under the root.
func (s *FileStore) ListChains() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("chainstore: list %s: %w", s.root, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || ValidateChainName(e.Name()) != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Stats summarises chainName from a full read.
func (s *FileStore) Stats(chainName string) (Stats, error) {
	blocks, err := s.ReadChain(chainName)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Chain: chainName, Count: len(blocks)}
	if len(blocks) > 0 {
		st.FirstTimestamp = blocks[0].Timestamp
		st.LastTimestamp = blocks[len(blocks)-1].Timestamp
	}
	return st, nil
}
