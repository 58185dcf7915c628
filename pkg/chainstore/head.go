package chainstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/entrhq/soulchain/pkg/chain"
)

const headFileName = ".head.json"

// headRecord is the head hint kept next to a chain's block files so appends
// need not list the whole directory.
type headRecord struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
	File  string `json:"file"`
}

// readHead returns the block named by the head hint when the hint is still
// consistent with the directory: it names the highest-indexed block file,
// which parses and carries the recorded hash.
func (s *FileStore) readHead(dir string, last blockFile) (*chain.Block, bool) {
	raw, err := os.ReadFile(filepath.Join(dir, headFileName))
	if err != nil {
		return nil, false
	}
	var rec headRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.File != BlockFileName(rec.Index) {
		return nil, false
	}
	if rec.Index != last.index || rec.File != last.name {
		return nil, false
	}
	b, err := readBlockFile(filepath.Join(dir, rec.File))
	if err != nil || b.Index != rec.Index || b.Hash != rec.Hash {
		return nil, false
	}
	return b, true
}

// writeHead atomically replaces the head hint.
func (s *FileStore) writeHead(dir string, b chain.Block) error {
	path := filepath.Join(dir, headFileName)
	tempPath := path + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp head file: %w", err)
	}

	encoder := json.NewEncoder(file)
	if err := encoder.Encode(headRecord{Index: b.Index, Hash: b.Hash, File: BlockFileName(b.Index)}); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode head: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp head file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp head file: %w", err)
	}
	return nil
}

// ResetHead drops chainName's head hint; the next lookup rescans the directory.
func (s *FileStore) ResetHead(chainName string) error {
	dir, err := s.ChainDir(chainName)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, headFileName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("chainstore: reset head %s: %w", chainName, err)
	}
	return nil
}
