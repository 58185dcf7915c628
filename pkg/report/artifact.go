package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/entrhq/soulchain/pkg/revise"
)

// Summary is the record of one verify or revise run.
type Summary struct {
	Command   string              `json:"command"`
	OK        bool                `json:"ok"`
	StartTime time.Time           `json:"start_time"`
	EndTime   time.Time           `json:"end_time"`
	Duration  time.Duration       `json:"duration"`
	Verified  []ChainVerification `json:"verified,omitempty"`
	Revised   []revise.Result     `json:"revised,omitempty"`
}

// ArtifactWriter handles writing run artifacts
type ArtifactWriter struct {
	outputDir string
}

// NewArtifactWriter creates a new artifact writer
func NewArtifactWriter(outputDir string) *ArtifactWriter {
	return &ArtifactWriter{
		outputDir: outputDir,
	}
}

// RunDir returns the directory for one run below base, named after the
// command and start time.
func RunDir(base string, summary *Summary) string {
	return filepath.Join(base, fmt.Sprintf("%s-%s", summary.Command, summary.StartTime.UTC().Format("20060102T150405Z")))
}

// WriteAll writes all artifact formats
func (w *ArtifactWriter) WriteAll(summary *Summary) error {
	// Ensure output directory exists
	if err := os.MkdirAll(w.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := w.WriteReportJSON(summary); err != nil {
		return fmt.Errorf("failed to write report JSON: %w", err)
	}

	if err := w.WriteSummaryMarkdown(summary); err != nil {
		return fmt.Errorf("failed to write summary markdown: %w", err)
	}

	return nil
}

// WriteReportJSON writes the full summary as JSON
func (w *ArtifactWriter) WriteReportJSON(summary *Summary) error {
	path := filepath.Join(w.outputDir, "report.json")

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	if writeErr := os.WriteFile(path, data, 0600); writeErr != nil {
		return fmt.Errorf("failed to write report JSON: %w", writeErr)
	}

	return nil
}

// WriteSummaryMarkdown writes a human-readable markdown summary
func (w *ArtifactWriter) WriteSummaryMarkdown(summary *Summary) error {
	path := filepath.Join(w.outputDir, "summary.md")

	var md strings.Builder

	// Header
	md.WriteString(fmt.Sprintf("# soulchain %s\n\n", summary.Command))
	md.WriteString(fmt.Sprintf("**Started:** %s\n\n", summary.StartTime.Format(time.RFC3339)))
	md.WriteString(fmt.Sprintf("**Completed:** %s\n\n", summary.EndTime.Format(time.RFC3339)))
	md.WriteString(fmt.Sprintf("**Duration:** %s\n\n", summary.Duration))

	md.WriteString("## Result\n\n")
	if summary.OK {
		md.WriteString("✅ **All chains consistent**\n\n")
	} else {
		md.WriteString("❌ **Inconsistent chains found**\n\n")
	}

	if len(summary.Verified) > 0 {
		md.WriteString("## Verification\n\n")
		md.WriteString("| Chain | Blocks | Valid | Broken at | SOUL errors |\n")
		md.WriteString("|---|---|---|---|---|\n")
		for _, v := range summary.Verified {
			md.WriteString(fmt.Sprintf("| %s | %d | %s | %s | %d |\n",
				v.Chain, v.Blocks, mark(v.Report.Valid), position(v.Report.BrokenAt), len(v.Report.SoulErrors)))
		}
		md.WriteString("\n")
		for _, v := range summary.Verified {
			writeMarkdownErrors(&md, v.Chain, v.Report.SoulErrors)
		}
	}

	if len(summary.Revised) > 0 {
		md.WriteString("## Revision\n\n")
		md.WriteString("| Chain | Status | Head | Broken at | Quarantined |\n")
		md.WriteString("|---|---|---|---|---|\n")
		for _, r := range summary.Revised {
			md.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %d |\n",
				r.Chain, r.Status, r.Head, position(r.BrokenAt), r.Quarantined))
		}
		md.WriteString("\n")
		for _, r := range summary.Revised {
			if r.QuarantineDir != "" {
				md.WriteString(fmt.Sprintf("- `%s` quarantined into `%s`\n", r.Chain, r.QuarantineDir))
			}
		}
		for _, r := range summary.Revised {
			writeMarkdownErrors(&md, r.Chain, r.Errors)
		}
	}

	// Write file
	if writeErr := os.WriteFile(path, []byte(md.String()), 0600); writeErr != nil {
		return fmt.Errorf("failed to write summary markdown: %w", writeErr)
	}

	return nil
}

func writeMarkdownErrors(md *strings.Builder, chainName string, errs []string) {
	if len(errs) == 0 {
		return
	}
	md.WriteString(fmt.Sprintf("\n### %s\n\n", chainName))
	for _, e := range errs {
		md.WriteString(fmt.Sprintf("- %s\n", e))
	}
}

func mark(ok bool) string {
	if ok {
		return "✅"
	}
	return "❌"
}

func position(p *int) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *p)
}
