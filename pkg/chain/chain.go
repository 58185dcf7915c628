// Package chain defines the block data model of a soulchain ledger together with
// its content hash, the SOUL structural rules every accepted block satisfies, and
// the verifier that walks a chain checking hash linkage and those rules.
//
// A chain is an append-only sequence of blocks. Each block commits to its
// predecessor through PrevHash and to its own content through Hash, so editing
// any persisted byte is detectable.
package chain
