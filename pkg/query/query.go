// Package query filters chain contents by keyword, tag, type and time.
package query

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/entrhq/soulchain/pkg/chain"
)

// Query selects blocks. Zero fields match everything. Keyword and Tags accept
// glob patterns; a keyword without wildcards matches as a substring. Matching
// is case-insensitive.
type Query struct {
	Keyword string
	Tags    []string
	Types   []chain.BlockType
	Since   time.Time
	Limit   int
}

// Reader is the part of a chain store a query reads from.
type Reader interface {
	ReadChain(chainName string) ([]chain.Block, error)
}

// Matcher is a compiled Query.
type Matcher struct {
	keyword glob.Glob
	substr  string
	tags    []glob.Glob
	types   map[chain.BlockType]bool
	since   time.Time
	limit   int
}

// Compile checks q and prepares its patterns.
func (q Query) Compile() (*Matcher, error) {
	if q.Limit < 0 {
		return nil, fmt.Errorf("query: negative limit %d", q.Limit)
	}
	m := &Matcher{since: q.Since, limit: q.Limit}

	if kw := strings.ToLower(strings.TrimSpace(q.Keyword)); kw != "" {
		if hasMeta(kw) {
			g, err := glob.Compile("*" + kw + "*")
			if err != nil {
				return nil, fmt.Errorf("invalid keyword pattern '%s': %w", q.Keyword, err)
			}
			m.keyword = g
		} else {
			m.substr = kw
		}
	}

	for _, pattern := range q.Tags {
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid tag pattern '%s': %w", pattern, err)
		}
		m.tags = append(m.tags, g)
	}

	if len(q.Types) > 0 {
		m.types = make(map[chain.BlockType]bool, len(q.Types))
		for _, t := range q.Types {
			if !t.Valid() {
				return nil, fmt.Errorf("query: unknown block type %q", t)
			}
			m.types[t] = true
		}
	}
	return m, nil
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, `*?[]{}\`)
}

// Match reports whether b satisfies every criterion. Every tag pattern must
// match at least one of the block's tags.
func (m *Matcher) Match(b chain.Block) bool {
	if m.types != nil && !m.types[b.Data.Type] {
		return false
	}

	if !m.since.IsZero() {
		ts, err := b.Time()
		if err != nil || ts.Before(m.since) {
			return false
		}
	}

	content := strings.ToLower(b.Data.Content)
	switch {
	case m.keyword != nil && !m.keyword.Match(content):
		return false
	case m.substr != "" && !strings.Contains(content, m.substr):
		return false
	}

	for _, pattern := range m.tags {
		if !anyTag(pattern, b.Data.Tags) {
			return false
		}
	}
	return true
}

func anyTag(pattern glob.Glob, tags []string) bool {
	for _, tag := range tags {
		if pattern.Match(strings.ToLower(tag)) {
			return true
		}
	}
	return false
}

// Filter returns the matching blocks newest first, truncated to the limit.
func (m *Matcher) Filter(blocks []chain.Block) []chain.Block {
	out := make([]chain.Block, 0)
	for _, b := range blocks {
		if m.Match(b) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Index > out[j].Index
	})
	if m.limit > 0 && len(out) > m.limit {
		out = out[:m.limit]
	}
	return out
}

// Search reads chainName from r and filters it with q.
func Search(r Reader, chainName string, q Query) ([]chain.Block, error) {
	m, err := q.Compile()
	if err != nil {
		return nil, err
	}
	blocks, err := r.ReadChain(chainName)
	if err != nil {
		return nil, err
	}
	return m.Filter(blocks), nil
}
