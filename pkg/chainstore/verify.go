package chainstore

import "github.com/entrhq/soulchain/pkg/chain"

// VerifyEntries verifies the raw on-disk entries of chainName. Unlike
// chain.VerifyChain over ReadChain output, an unreadable file counts as a
// linkage failure at its position instead of being skipped, and blocks must
// name the chain whose directory holds them.
func VerifyEntries(chainName string, entries []Entry) chain.Report {
	v := chain.NewVerifier().ExpectChain(chainName)
	for _, e := range entries {
		v.StepRecord(e.FileIndex, e.Block, e.Err)
	}
	return v.Report()
}

// Verify reads every block file of chainName and verifies it. The second
// result is the number of files examined.
func (s *FileStore) Verify(chainName string) (chain.Report, int, error) {
	entries, err := s.Entries(chainName)
	if err != nil {
		return chain.Report{}, 0, err
	}
	return VerifyEntries(chainName, entries), len(entries), nil
}
