// internal/pipeline/synthesis/prompt.go
package synthesis

import (
	"fmt"
	"sort"
	"strings"

	"ensemble-orchestrator/internal/models"
	"ensemble-orchestrator/internal/pipeline/diversity"
)

const synthesisSystemPrompt = "You are an expert editor combining answers from multiple " +
	"assistants into one superior answer. Be accurate, coherent and concise. " +
	"Never mention that multiple assistants were involved."

// conflictPair names two sources whose answers disagree.
type conflictPair struct {
	a, b string
}

// buildPrompt assembles the user prompt for the synthesis provider: the
// original question, each contributing answer labeled by source and
// confidence, strategy-specific instructions, and conflict-citation
// directives when sources diverge.
func buildPrompt(strategy models.Strategy, req *models.Request, sources []*models.ProviderResponse, confidences map[string]models.ConfidenceScore, analysis *diversity.Analysis, conflictThreshold float64, improvements []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Original question:\n%s\n\n", req.Text)

	switch strategy {
	case models.StrategyFallback:
		b.WriteString("No candidate answers are available. Answer the question " +
			"from your general knowledge, and note briefly that the answer was " +
			"produced in a degraded mode.\n")
	case models.StrategyEnhancement:
		writeSources(&b, sources, confidences)
		if len(sources) > 0 && confidences[sources[0].ProviderID].Value >= 0.6 {
			b.WriteString("Instructions: the answer above is already solid. Polish its " +
				"wording and structure without changing its substance.\n")
		} else {
			b.WriteString("Instructions: the answer above is weak. Rewrite it " +
				"substantially, correcting gaps and improving clarity.\n")
		}
	case models.StrategyComparative:
		writeSources(&b, sources, confidences)
		b.WriteString("Instructions: combine both answers into one, resolving any " +
			"differences between them in favor of the better-supported claim.\n")
	case models.StrategyTiebreaker:
		writeSources(&b, sources, confidences)
		b.WriteString("Instructions: these answers scored almost identically, so " +
			"neither can be preferred outright. Compare them claim by claim, " +
			"judge each disagreement rigorously on its merits, and build the " +
			"final answer from the stronger side of every comparison.\n")
	case models.StrategyComprehensive:
		writeSources(&b, sources, confidences)
		b.WriteString("Instructions: synthesize the answers into one comprehensive " +
			"response, keeping the strongest content from each.\n")
	}

	if conflicts := detectConflicts(analysis, conflictThreshold); len(conflicts) > 0 {
		b.WriteString("\nThe following sources disagree substantially: ")
		parts := make([]string, len(conflicts))
		for i, c := range conflicts {
			parts[i] = fmt.Sprintf("%s vs %s", c.a, c.b)
		}
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(". Where they conflict, cite the diverging sources by name " +
			"and reconcile the disagreement explicitly instead of silently " +
			"picking one side.\n")
	}

	if len(improvements) > 0 {
		b.WriteString("\nA previous draft of this answer was rejected. Address " +
			"every point below:\n")
		for _, imp := range improvements {
			fmt.Fprintf(&b, "- %s\n", imp)
		}
	}

	return b.String()
}

func writeSources(b *strings.Builder, sources []*models.ProviderResponse, confidences map[string]models.ConfidenceScore) {
	for i, src := range sources {
		label := fmt.Sprintf("Answer %d (source: %s", i+1, src.ProviderID)
		if score, ok := confidences[src.ProviderID]; ok {
			label += fmt.Sprintf(", confidence: %.2f", score.Value)
		}
		label += ")"
		fmt.Fprintf(b, "%s:\n%s\n\n", label, src.Content)
	}
}

// detectConflicts lists source pairs whose similarity falls below the
// threshold, in stable order.
func detectConflicts(analysis *diversity.Analysis, threshold float64) []conflictPair {
	if analysis == nil || len(analysis.Matrix) < 2 {
		return nil
	}
	var conflicts []conflictPair
	for i := 0; i < len(analysis.ProviderIDs); i++ {
		for j := i + 1; j < len(analysis.ProviderIDs); j++ {
			if analysis.Matrix[i][j] < threshold {
				conflicts = append(conflicts, conflictPair{
					a: analysis.ProviderIDs[i],
					b: analysis.ProviderIDs[j],
				})
			}
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].a != conflicts[j].a {
			return conflicts[i].a < conflicts[j].a
		}
		return conflicts[i].b < conflicts[j].b
	})
	return conflicts
}
