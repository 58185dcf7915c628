package chainstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/soulchain/pkg/chain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// steppingClock returns a clock that advances by step on every call.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(step)
		return t
	}
}

func newTestStore(t *testing.T, opts ...Option) *FileStore {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s, err := NewFileStore(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func appendJournal(t *testing.T, s *FileStore, chainName string, n int) []*chain.Block {
	t.Helper()
	out := make([]*chain.Block, 0, n)
	for i := 0; i < n; i++ {
		b, err := s.Append(context.Background(), chainName, chain.Journal(fmt.Sprintf("entry %d", i), "daily"))
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func TestAppendThreeBlocks(t *testing.T) {
	s := newTestStore(t)
	appended := appendJournal(t, s, "journal", 3)

	assert.Equal(t, chain.ZeroHash, appended[0].PrevHash)
	assert.Equal(t, appended[0].Hash, appended[1].PrevHash)
	assert.Equal(t, appended[1].Hash, appended[2].PrevHash)

	blocks, err := s.ReadChain("journal")
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	for i, b := range blocks {
		assert.Equal(t, i, b.Index)
		assert.Equal(t, "journal", b.Chain)
	}
	assert.True(t, chain.VerifyChain(blocks).Valid)

	for i := 0; i < 3; i++ {
		assert.FileExists(t, filepath.Join(s.Root(), "journal", BlockFileName(i)))
	}
}

func TestAppendPreservesValidity(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 6; i++ {
		_, err := s.Append(context.Background(), "ops", chain.NewData(chain.TypeOps, fmt.Sprintf("deploy %d", i)))
		require.NoError(t, err)
		blocks, err := s.ReadChain("ops")
		require.NoError(t, err)
		assert.True(t, chain.VerifyChain(blocks).Valid, "after %d appends", i+1)
	}
}

func TestAppendRejectsInvalidData(t *testing.T) {
	tests := []struct {
		name string
		data chain.BlockData
		rule chain.Rule
	}{
		{name: "blank content", data: chain.Journal("   "), rule: chain.RuleContent},
		{name: "unknown type", data: chain.NewData("diary", "hello"), rule: chain.RuleType},
		{name: "credential without issuer", data: chain.Credential("id", chain.CredentialPayload{Schema: "s", Holder: "h"}), rule: chain.RuleCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			_, err := s.Append(context.Background(), "journal", tt.data)

			var verr *chain.ValidationError
			require.ErrorAs(t, err, &verr)
			var got []chain.Rule
			for _, v := range verr.Violations {
				got = append(got, v.Rule)
			}
			assert.Contains(t, got, tt.rule)

			files, err := listBlockFiles(filepath.Join(s.Root(), "journal"))
			require.NoError(t, err)
			assert.Empty(t, files)
		})
	}
}

func TestAppendRejectsTimestampBehindHead(t *testing.T) {
	times := []time.Time{
		time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 1, 11, 59, 58, 0, time.UTC),
	}
	call := 0
	s := newTestStore(t, WithClock(func() time.Time {
		ts := times[call]
		call++
		return ts
	}))

	_, err := s.Append(context.Background(), "journal", chain.Journal("first"))
	require.NoError(t, err)
	_, err = s.Append(context.Background(), "journal", chain.Journal("clock went back"))
	var verr *chain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, chain.RuleTimestamp, verr.Violations[0].Rule)
}

func TestAppendNilTagsBecomeList(t *testing.T) {
	s := newTestStore(t)
	b, err := s.Append(context.Background(), "journal", chain.BlockData{Type: chain.TypeAsk, Content: "why?"})
	require.NoError(t, err)
	require.NotNil(t, b.Data.Tags)
	assert.Empty(t, b.Data.Tags)
}

func TestInvalidChainNames(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"", " ", ".hidden", "..", "a/b", `a\b`} {
		_, err := s.Append(context.Background(), name, chain.Journal("x"))
		assert.ErrorIs(t, err, ErrInvalidChainName, "name %q", name)
	}
}

func TestLastBlock(t *testing.T) {
	s := newTestStore(t)

	b, err := s.LastBlock("missing")
	require.NoError(t, err)
	assert.Nil(t, b)

	appended := appendJournal(t, s, "journal", 4)
	b, err = s.LastBlock("journal")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, appended[3].Hash, b.Hash)

	require.NoError(t, s.ResetHead("journal"))
	b, err = s.LastBlock("journal")
	require.NoError(t, err)
	assert.Equal(t, 3, b.Index)
}

func TestLastBlockIgnoresStaleHeadHint(t *testing.T) {
	s := newTestStore(t)
	appendJournal(t, s, "journal", 2)
	dir := filepath.Join(s.Root(), "journal")

	raw, err := os.ReadFile(filepath.Join(dir, headFileName))
	require.NoError(t, err)
	appendJournal(t, s, "journal", 1)
	// Restore the hint that still names block 1.
	require.NoError(t, os.WriteFile(filepath.Join(dir, headFileName), raw, 0o600))

	b, err := s.LastBlock("journal")
	require.NoError(t, err)
	assert.Equal(t, 2, b.Index)

	next, err := s.Append(context.Background(), "journal", chain.Journal("after stale hint"))
	require.NoError(t, err)
	assert.Equal(t, 3, next.Index)
}

func TestLastBlockPrefersHighestFileOverHint(t *testing.T) {
	s := newTestStore(t)
	appended := appendJournal(t, s, "journal", 2)
	dir := filepath.Join(s.Root(), "journal")

	// Hand-placed block leaving a gap at index 2.
	placed := chain.Block{
		Index:     3,
		Chain:     "journal",
		Timestamp: appended[1].Timestamp,
		Data:      chain.Journal("placed by hand"),
		PrevHash:  appended[1].Hash,
	}
	require.NoError(t, chain.Seal(&placed))
	raw, err := chain.EncodeBlock(placed)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, BlockFileName(3)), raw, 0o600))

	b, err := s.LastBlock("journal")
	require.NoError(t, err)
	assert.Equal(t, 3, b.Index)
	assert.Equal(t, placed.Hash, b.Hash)

	next, err := s.Append(context.Background(), "journal", chain.Journal("after gap"))
	require.NoError(t, err)
	assert.Equal(t, 4, next.Index)
	_, err = os.Stat(filepath.Join(dir, BlockFileName(2)))
	assert.True(t, os.IsNotExist(err))
}

func TestLastBlockCorruptHead(t *testing.T) {
	s := newTestStore(t)
	appendJournal(t, s, "journal", 2)
	dir := filepath.Join(s.Root(), "journal")
	require.NoError(t, os.WriteFile(filepath.Join(dir, BlockFileName(1)), []byte("{truncated"), 0o600))

	_, err := s.LastBlock("journal")
	assert.ErrorIs(t, err, ErrCorruptHead)
}

func TestReadChainSkipsMalformed(t *testing.T) {
	s := newTestStore(t)
	appendJournal(t, s, "journal", 3)
	dir := filepath.Join(s.Root(), "journal")
	require.NoError(t, os.WriteFile(filepath.Join(dir, BlockFileName(1)), []byte("not json"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	blocks, err := s.ReadChain("journal")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, 0, blocks[0].Index)
	assert.Equal(t, 2, blocks[1].Index)

	r := chain.VerifyChain(blocks)
	require.NotNil(t, r.BrokenAt)
	assert.Equal(t, 1, *r.BrokenAt)

	entries, err := s.Entries("journal")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Error(t, entries[1].Err)
	assert.Nil(t, entries[1].Block)
}

func TestReadChainMissing(t *testing.T) {
	s := newTestStore(t)
	blocks, err := s.ReadChain("nothing")
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestTail(t *testing.T) {
	s := newTestStore(t)
	appendJournal(t, s, "journal", 5)

	tail, err := s.Tail("journal", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, 3, tail[0].Index)
	assert.Equal(t, 4, tail[1].Index)

	all, err := s.Tail("journal", 50)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	none, err := s.Tail("journal", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListChains(t *testing.T) {
	s := newTestStore(t)
	appendJournal(t, s, "zeta", 1)
	appendJournal(t, s, "alpha", 1)
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), ".cache"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "README"), []byte("x"), 0o600))

	names, err := s.ListChains()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, names)
}

func TestStats(t *testing.T) {
	start := time.Date(2025, 5, 4, 8, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(steppingClock(start, time.Minute)))
	appendJournal(t, s, "journal", 3)

	st, err := s.Stats("journal")
	require.NoError(t, err)
	assert.Equal(t, Stats{
		Chain:          "journal",
		Count:          3,
		FirstTimestamp: "2025-05-04T08:00:00.000Z",
		LastTimestamp:  "2025-05-04T08:02:00.000Z",
	}, st)

	empty, err := s.Stats("empty")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Count)
}

func TestEditedRecordBreaksChain(t *testing.T) {
	s := newTestStore(t)
	appendJournal(t, s, "journal", 3)
	path := filepath.Join(s.Root(), "journal", BlockFileName(1))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	edited := strings.Replace(string(raw), "entry 1", "entry one", 1)
	require.NotEqual(t, string(raw), edited)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o600))

	blocks, err := s.ReadChain("journal")
	require.NoError(t, err)
	first := chain.VerifyChain(blocks)
	assert.False(t, first.Valid)
	require.NotNil(t, first.BrokenAt)
	assert.Equal(t, 1, *first.BrokenAt)

	again, err := s.ReadChain("journal")
	require.NoError(t, err)
	assert.Equal(t, first, chain.VerifyChain(again))
}

func TestPublishNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, publish(dir, BlockFileName(0), []byte("first")))

	err := publish(dir, BlockFileName(0), []byte("second"))
	assert.ErrorIs(t, err, ErrHeadMoved)

	raw, err := os.ReadFile(filepath.Join(dir, BlockFileName(0)))
	require.NoError(t, err)
	assert.Equal(t, "first", string(raw))

	leftovers, err := filepath.Glob(filepath.Join(dir, ".tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestSyncDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, BlockFileName(0)), []byte("x"), 0o600))
	assert.NoError(t, syncDir(dir))
	assert.Error(t, syncDir(filepath.Join(dir, "missing")))
}

func TestConcurrentAppends(t *testing.T) {
	s := newTestStore(t, WithLockWait(30*time.Second))
	const writers, perWriter = 8, 5

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Append(context.Background(), "shared", chain.Journal(fmt.Sprintf("writer %d entry %d", w, i)))
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	blocks, err := s.ReadChain("shared")
	require.NoError(t, err)
	require.Len(t, blocks, writers*perWriter)
	for i, b := range blocks {
		assert.Equal(t, i, b.Index)
	}
	assert.True(t, chain.VerifyChain(blocks).Valid)
}

func TestParseBlockFileName(t *testing.T) {
	idx, ok := ParseBlockFileName("000042.json")
	require.True(t, ok)
	assert.Equal(t, 42, idx)

	idx, ok = ParseBlockFileName("1000000.json")
	require.True(t, ok)
	assert.Equal(t, 1000000, idx)

	for _, name := range []string{"42.json", ".lock", "000001.json.tmp", "000001"} {
		_, ok := ParseBlockFileName(name)
		assert.False(t, ok, name)
	}
	assert.Equal(t, "000007.json", BlockFileName(7))
}

func TestWithLockReleasesOnError(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("boom")
	err := s.WithLock(context.Background(), "journal", func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoFileExists(t, filepath.Join(s.Root(), "journal", lockFileName))
}
