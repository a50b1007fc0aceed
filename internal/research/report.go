package research

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quillworks/deepresearch/internal/store"
)

// ErrReportFinalized rejects any mutation after Finalize.
var ErrReportFinalized = errors.New("report is finalized")

// ErrPatchConflict means the patch context did not match the current
// content exactly. The patch is rejected whole, never partially applied.
var ErrPatchConflict = errors.New("patch context not found in report")

// ErrSectionNotFound names a heading that is not in the report.
var ErrSectionNotFound = errors.New("report section not found")

// Assembler owns the report for one run. Every successful mutation bumps
// the version by exactly one; sections keep an explicit order field so they
// can be reordered later without renumbering history.
type Assembler struct {
	report store.Report
}

func NewAssembler(runID, title, format string) *Assembler {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return &Assembler{report: store.Report{
		RunID:     runID,
		Title:     title,
		Format:    format,
		Sections:  []store.ReportSection{},
		CreatedAt: now,
		UpdatedAt: now,
	}}
}

// Version is the monotone mutation counter.
func (a *Assembler) Version() int64 {
	return a.report.Version
}

func (a *Assembler) Finalized() bool {
	return a.report.Finalized
}

func (a *Assembler) HasContent() bool {
	return len(a.report.Sections) > 0
}

// ReplaceSection performs a whole-section replace, inserting the section at
// the end when the heading is new.
func (a *Assembler) ReplaceSection(heading, content string) (int64, error) {
	if a.report.Finalized {
		return 0, ErrReportFinalized
	}
	found := false
	for i := range a.report.Sections {
		if a.report.Sections[i].Heading == heading {
			a.report.Sections[i].Content = content
			found = true
			break
		}
	}
	if !found {
		a.report.Sections = append(a.report.Sections, store.ReportSection{
			Heading: heading,
			Content: content,
			Order:   a.nextOrder(),
		})
	}
	a.bump()
	return a.report.Version, nil
}

// SetFromMarkdown replaces the whole report body from a markdown draft.
func (a *Assembler) SetFromMarkdown(markdown string) (int64, error) {
	if a.report.Finalized {
		return 0, ErrReportFinalized
	}
	a.report.Sections = ParseSections(markdown)
	a.bump()
	return a.report.Version, nil
}

// PatchResult describes a successful patch application.
type PatchResult struct {
	Version        int64
	SavingsPercent float64
}

// ApplyPatch applies a minimal edit to one section. The old text must match
// the current section content exactly or the whole patch is rejected with
// ErrPatchConflict. Savings compare the patch size to a whole-section
// rewrite of the same result.
func (a *Assembler) ApplyPatch(heading, oldText, newText string) (PatchResult, error) {
	if a.report.Finalized {
		return PatchResult{}, ErrReportFinalized
	}
	var section *store.ReportSection
	for i := range a.report.Sections {
		if a.report.Sections[i].Heading == heading {
			section = &a.report.Sections[i]
			break
		}
	}
	if section == nil {
		return PatchResult{}, fmt.Errorf("%w: %s", ErrSectionNotFound, heading)
	}
	if oldText == "" || !strings.Contains(section.Content, oldText) {
		return PatchResult{}, ErrPatchConflict
	}

	updated := strings.Replace(section.Content, oldText, newText, 1)
	patchBytes := len(oldText) + len(newText)
	wholeBytes := len(updated)
	savings := 0.0
	if wholeBytes > 0 && patchBytes < wholeBytes {
		savings = (1 - float64(patchBytes)/float64(wholeBytes)) * 100
	}
	section.Content = updated
	a.bump()
	return PatchResult{Version: a.report.Version, SavingsPercent: savings}, nil
}

// PatchMarkdown applies a minimal edit against the rendered document and
// reparses it into sections. Same conflict semantics as ApplyPatch.
func (a *Assembler) PatchMarkdown(oldText, newText string) (PatchResult, error) {
	if a.report.Finalized {
		return PatchResult{}, ErrReportFinalized
	}
	doc := a.Markdown()
	if oldText == "" || !strings.Contains(doc, oldText) {
		return PatchResult{}, ErrPatchConflict
	}
	updated := strings.Replace(doc, oldText, newText, 1)
	patchBytes := len(oldText) + len(newText)
	wholeBytes := len(updated)
	savings := 0.0
	if wholeBytes > 0 && patchBytes < wholeBytes {
		savings = (1 - float64(patchBytes)/float64(wholeBytes)) * 100
	}
	a.report.Sections = ParseSections(updated)
	a.bump()
	return PatchResult{Version: a.report.Version, SavingsPercent: savings}, nil
}

// Reorder assigns a new order value to a section.
func (a *Assembler) Reorder(heading string, order int) error {
	if a.report.Finalized {
		return ErrReportFinalized
	}
	for i := range a.report.Sections {
		if a.report.Sections[i].Heading == heading {
			a.report.Sections[i].Order = order
			a.bump()
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrSectionNotFound, heading)
}

// Finalize freezes the report. Counted as the final mutation, so the
// version bumps once more; calling it again fails like any other mutation.
func (a *Assembler) Finalize() (int64, error) {
	if a.report.Finalized {
		return 0, ErrReportFinalized
	}
	a.report.Finalized = true
	a.bump()
	return a.report.Version, nil
}

// BindClaims links claims to the sections that cite them, matching claim
// text against section content case-insensitively. Section claim lists are
// rebuilt from scratch on every call. Returns claim id -> section heading.
// Binding is derived linkage, not a content mutation: it never bumps the
// version and stays legal on a finalized report.
func (a *Assembler) BindClaims(claims []store.Claim) map[string]string {
	bindings := make(map[string]string)
	for i := range a.report.Sections {
		section := &a.report.Sections[i]
		section.ClaimIDs = nil
		content := strings.ToLower(section.Content)
		for _, claim := range claims {
			text := strings.ToLower(strings.TrimSpace(claim.Text))
			if text == "" || !strings.Contains(content, text) {
				continue
			}
			section.ClaimIDs = append(section.ClaimIDs, claim.ID)
			if _, bound := bindings[claim.ID]; !bound {
				bindings[claim.ID] = section.Heading
			}
		}
	}
	return bindings
}

// Snapshot returns a copy with sections sorted by their order field.
func (a *Assembler) Snapshot() store.Report {
	out := a.report
	out.Sections = make([]store.ReportSection, len(a.report.Sections))
	copy(out.Sections, a.report.Sections)
	sort.SliceStable(out.Sections, func(i, j int) bool {
		return out.Sections[i].Order < out.Sections[j].Order
	})
	return out
}

// Markdown renders the ordered sections back to a markdown document.
func (a *Assembler) Markdown() string {
	snapshot := a.Snapshot()
	var b strings.Builder
	for i, section := range snapshot.Sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if section.Heading != "" {
			b.WriteString("## ")
			b.WriteString(section.Heading)
			b.WriteString("\n\n")
		}
		b.WriteString(section.Content)
	}
	return b.String()
}

func (a *Assembler) bump() {
	a.report.Version++
	a.report.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
}

func (a *Assembler) nextOrder() int {
	max := -1
	for _, section := range a.report.Sections {
		if section.Order > max {
			max = section.Order
		}
	}
	return max + 1
}

// ParseSections splits a markdown draft into sections on # and ## headers.
// Body text before the first header is kept as an untitled leading section;
// a draft with no headers becomes a single Research Findings section.
func ParseSections(markdown string) []store.ReportSection {
	var sections []store.ReportSection
	var heading string
	var content []string
	sawHeader := false

	flush := func() {
		body := strings.TrimSpace(strings.Join(content, "\n"))
		if heading == "" && body == "" {
			return
		}
		sections = append(sections, store.ReportSection{
			Heading: heading,
			Content: body,
			Order:   len(sections),
		})
	}

	for _, line := range strings.Split(markdown, "\n") {
		switch {
		case strings.HasPrefix(line, "## "):
			flush()
			heading = strings.TrimSpace(line[3:])
			content = nil
			sawHeader = true
		case strings.HasPrefix(line, "# "):
			flush()
			heading = strings.TrimSpace(line[2:])
			content = nil
			sawHeader = true
		default:
			content = append(content, line)
		}
	}
	flush()

	if !sawHeader {
		return []store.ReportSection{{
			Heading: "Research Findings",
			Content: strings.TrimSpace(markdown),
			Order:   0,
		}}
	}
	return sections
}
