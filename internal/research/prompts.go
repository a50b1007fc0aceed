package research

import (
	"fmt"
	"strings"

	"github.com/quillworks/deepresearch/internal/store"
)

const deepResearchSystemPrompt = `You are an expert deep research agent. Your task is to conduct thorough, methodical research to answer complex questions and produce professional research reports.

## Research Process
Follow this systematic approach:

1. **Planning**: Break down the research question into sub-questions. Use the todo tool to create a research plan.

2. **Information Gathering**: Use batch_web_surfer for broad research, web_search for specific queries. Prioritize authoritative sources (academic, official, established industry sources).

3. **Reflection & Verification**: After gathering evidence, use reflect to identify gaps and conflicts. Use cross_validate for important factual claims.

4. **Report Generation**: Write a structured report with:
   - Executive Summary
   - Key Findings
   - Methodology
   - Detailed Analysis with citations
   - Conflicts/Uncertainties
   - Recommendations

## Citation Format
Always cite sources using this format: [Title](URL)
Each factual claim should be linked to its source.

## Quality Standards
- Prefer authoritative sources (government, academic, established industry)
- Verify key claims across multiple sources
- Acknowledge uncertainty when evidence is conflicting
- Be thorough but focused on the research question

When you have completed your research and written the final report, output it within <report> tags.`

const baselineSystemPrompt = `You are a helpful research assistant. Answer the user's question based on web search results. Provide sources for your claims and structure your response clearly. When your answer is complete, output it within <report> tags.`

var outputFormatHints = map[string]string{
	"report": "",
	"adr":    "Format the final output as an architecture decision record: Context, Decision, Status, Consequences.",
	"brief":  "Format the final output as a short brief: a few tight paragraphs, key facts only.",
	"memo":   "Format the final output as an internal memo: To/From/Subject header, findings, recommendation.",
}

// systemPrompt builds the system message for a run from its engine, the
// registered tools, and the requested output format.
func systemPrompt(cfg store.RunConfig, toolNames []string) string {
	var b strings.Builder
	if cfg.Engine == store.EngineBaseline {
		b.WriteString(baselineSystemPrompt)
	} else {
		b.WriteString(deepResearchSystemPrompt)
	}
	if len(toolNames) > 0 {
		b.WriteString("\n\n## Available Tools\n")
		b.WriteString(strings.Join(toolNames, ", "))
	}
	if hint := outputFormatHints[cfg.OutputFormat]; hint != "" {
		b.WriteString("\n\n")
		b.WriteString(hint)
	}
	if cfg.VerificationStrictness >= 3 {
		b.WriteString("\n\nVerification strictness is high: cross-validate every factual claim before it reaches the report.")
	} else if cfg.VerificationStrictness == 2 {
		b.WriteString("\n\nCross-validate the claims the report depends on most.")
	}
	return b.String()
}

// reflectionDirective nudges the model into a reflection pass over weak
// claims.
func reflectionDirective(targets []string) string {
	if len(targets) == 0 {
		return "Review your gathered evidence for gaps or conflicts. Use reflect and cross_validate where claims are weakly supported, then continue."
	}
	return fmt.Sprintf("There are %d claims with weak support. Use reflect and cross_validate to gather corroborating or contradicting evidence for them, then continue.", len(targets))
}

const reportDirective = "Reflection budget is spent. Write the final report now, output it within <report> tags."
