package research

import (
	"strings"

	"github.com/quillworks/deepresearch/internal/store"
)

// phaseTracker derives the current phase from the step count and the most
// recent tool activity. Phases only matter while the run is in flight; the
// terminal phases are set explicitly by the engine.
type phaseTracker struct {
	recent []toolUse
}

type toolUse struct {
	tool string
	args string
}

func (p *phaseTracker) record(tool string, args map[string]any) {
	var argText strings.Builder
	for key, value := range args {
		argText.WriteString(key)
		if s, ok := value.(string); ok {
			argText.WriteString(s)
		}
	}
	p.recent = append(p.recent, toolUse{tool: tool, args: strings.ToLower(argText.String())})
	if len(p.recent) > 5 {
		p.recent = p.recent[len(p.recent)-5:]
	}
}

func (p *phaseTracker) derive(step, maxSteps int) string {
	if step <= 2 {
		return store.PhasePlanning
	}
	for i := len(p.recent) - 1; i >= 0; i-- {
		switch p.recent[i].tool {
		case "cross_validate":
			return store.PhaseCrossValidation
		case "reflect":
			return store.PhaseReflection
		}
	}
	recentReport := false
	for i := len(p.recent) - 1; i >= 0 && i >= len(p.recent)-3; i-- {
		use := p.recent[i]
		if (use.tool == "file_write" || use.tool == "file_edit") && strings.Contains(use.args, "report") {
			recentReport = true
		}
	}
	if recentReport {
		return store.PhaseReportGeneration
	}
	for _, use := range p.recent {
		switch use.tool {
		case "web_search", "web_browse", "batch_web_surfer":
			return store.PhaseInformationSeeking
		}
	}
	if maxSteps > 0 && step > maxSteps*7/10 {
		return store.PhaseReportGeneration
	}
	return store.PhaseInformationSeeking
}
