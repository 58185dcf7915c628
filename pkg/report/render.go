// Package report renders chain results for the terminal and writes report
// artifacts to disk.
package report

import (
	"fmt"
	"strings"

	"github.com/entrhq/soulchain/pkg/chain"
	"github.com/entrhq/soulchain/pkg/chainstore"
	"github.com/entrhq/soulchain/pkg/revise"
)

// maxListedErrors caps the error lines printed per chain.
const maxListedErrors = 10

// ChainVerification is the verify outcome for one chain.
type ChainVerification struct {
	Chain  string       `json:"chain"`
	Blocks int          `json:"blocks"`
	Report chain.Report `json:"report"`
}

// RenderVerification renders verify results, one line per chain followed by
// its errors.
func RenderVerification(results []ChainVerification) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Chain verification"))
	b.WriteString("\n")
	if len(results) == 0 {
		b.WriteString(detailStyle.Render("  no chains"))
		b.WriteString("\n")
		return b.String()
	}

	for _, r := range results {
		status := okStyle.Render("valid")
		if !r.Report.Valid {
			status = failStyle.Render("invalid")
		}
		fmt.Fprintf(&b, "  %s %s %s\n",
			chainStyle.Render(r.Chain), status,
			detailStyle.Render(fmt.Sprintf("(%d blocks)", r.Blocks)))
		if r.Report.BrokenAt != nil {
			b.WriteString(errorListStyle.Render(fmt.Sprintf("linkage broken at position %d", *r.Report.BrokenAt)))
			b.WriteString("\n")
		}
		writeErrors(&b, r.Report.SoulErrors)
	}
	return b.String()
}

// RenderRevision renders revise results.
func RenderRevision(results []revise.Result) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Chain revision"))
	b.WriteString("\n")
	if len(results) == 0 {
		b.WriteString(detailStyle.Render("  no chains"))
		b.WriteString("\n")
		return b.String()
	}

	for _, r := range results {
		var status string
		switch r.Status {
		case revise.StatusOK:
			status = okStyle.Render(string(r.Status))
		case revise.StatusFixed:
			status = warnStyle.Render(string(r.Status))
		default:
			status = failStyle.Render(string(r.Status))
		}
		fmt.Fprintf(&b, "  %s %s %s\n",
			chainStyle.Render(r.Chain), status,
			detailStyle.Render(fmt.Sprintf("head=%s quarantined=%d", r.Head, r.Quarantined)))
		if r.BrokenAt != nil {
			b.WriteString(errorListStyle.Render(fmt.Sprintf("broken at position %d", *r.BrokenAt)))
			b.WriteString("\n")
		}
		if r.QuarantineDir != "" {
			b.WriteString(detailStyle.Render("    moved to " + r.QuarantineDir))
			b.WriteString("\n")
		}
		writeErrors(&b, r.Errors)
	}
	return b.String()
}

func writeErrors(b *strings.Builder, errs []string) {
	for i, e := range errs {
		if i == maxListedErrors {
			b.WriteString(detailStyle.Render(fmt.Sprintf("    ... %d more", len(errs)-maxListedErrors)))
			b.WriteString("\n")
			return
		}
		b.WriteString(errorListStyle.Render(e))
		b.WriteString("\n")
	}
}

// RenderBlocks renders blocks in the given order, one entry per block.
func RenderBlocks(blocks []chain.Block) string {
	var b strings.Builder
	for _, blk := range blocks {
		fmt.Fprintf(&b, "%s %s %s\n",
			chainStyle.Render(fmt.Sprintf("%s#%d", blk.Chain, blk.Index)),
			detailStyle.Render(blk.Timestamp),
			warnStyle.Render(string(blk.Data.Type)))
		b.WriteString("  ")
		b.WriteString(contentStyle.Render(blk.Data.Content))
		b.WriteString("\n")
		if len(blk.Data.Tags) > 0 {
			b.WriteString("  ")
			b.WriteString(tagStyle.Render("#" + strings.Join(blk.Data.Tags, " #")))
			b.WriteString("\n")
		}
		if blk.Data.Vault != nil {
			b.WriteString(detailStyle.Render("  [sealed secret]"))
			b.WriteString("\n")
		}
		if c := blk.Data.Credential; c != nil {
			b.WriteString(detailStyle.Render(fmt.Sprintf("  credential %s issued by %s to %s", c.Schema, c.Issuer, c.Holder)))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// RenderStats renders one line per chain.
func RenderStats(stats []chainstore.Stats) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Chains"))
	b.WriteString("\n")
	for _, st := range stats {
		span := "empty"
		if st.Count > 0 {
			span = fmt.Sprintf("%s .. %s", st.FirstTimestamp, st.LastTimestamp)
		}
		fmt.Fprintf(&b, "  %s %s %s\n",
			chainStyle.Render(st.Chain),
			contentStyle.Render(fmt.Sprintf("%d blocks", st.Count)),
			detailStyle.Render(span))
	}
	return b.String()
}
