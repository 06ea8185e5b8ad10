package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"datalens/pkg/dataset"
	"datalens/pkg/domain"
)

// DefaultTitle is the last-resort chat title when even the dataset name is
// unusable.
const DefaultTitle = "Untitled Chat"

const (
	analystSystemPrompt = "You are a helpful data analyst."
	previewRows         = 5
	maxTitleRunes       = 60
)

// Analyst is the LLM-backed analysis pipeline. GenerateAnalysis and
// AnswerQuestion are required steps and return errors; GenerateTitle and
// InferChartSpec are best-effort and structurally cannot fail.
type Analyst struct {
	generator TextGenerator
}

// NewAnalyst wraps a text generator.
func NewAnalyst(generator TextGenerator) *Analyst {
	return &Analyst{generator: generator}
}

// GenerateAnalysis produces the narrative analysis for a freshly uploaded
// dataset.
func (a *Analyst) GenerateAnalysis(ctx context.Context, table *dataset.Table) (string, error) {
	prompt := fmt.Sprintf(`Analyze the following dataset and provide insights. Identify any patterns, trends, or anomalies, and suggest visualizations that would help understand the data.

Data (first %d rows):
%s

Column statistics:
%s

Return your analysis in a structured format, including bulleted insights, suggested visualizations, and any anomalies detected.`,
		previewRows, table.Head(previewRows), table.Summary())

	text, err := a.generator.GenerateText(ctx, analystSystemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("generate analysis: %w", err)
	}
	return text, nil
}

// AnswerQuestion answers a follow-up question about the dataset.
func (a *Analyst) AnswerQuestion(ctx context.Context, question string, table *dataset.Table) (string, error) {
	prompt := fmt.Sprintf(`You are answering a question about a dataset.

Data (first %d rows):
%s

Column statistics:
%s

Question: %s

Answer concisely based on the data shown. If the preview is insufficient to be certain, say so.`,
		previewRows, table.Head(previewRows), table.Summary(), question)

	text, err := a.generator.GenerateText(ctx, analystSystemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("answer question: %w", err)
	}
	return text, nil
}

// GenerateTitle produces a short chat title for the dataset. It never fails:
// on any trouble it falls back to the dataset filename, then to DefaultTitle.
func (a *Analyst) GenerateTitle(ctx context.Context, table *dataset.Table, filename string) string {
	fallback := strings.TrimSpace(filepath.Base(filename))
	if fallback == "" || fallback == "." {
		fallback = DefaultTitle
	}

	prompt := fmt.Sprintf(`Suggest a short descriptive title (at most 6 words) for an analysis session about a dataset named %q with these columns: %s. Reply with the title only, no quotes.`,
		filename, strings.Join(table.Columns, ", "))

	text, err := a.generator.GenerateText(ctx, analystSystemPrompt, prompt)
	if err != nil {
		return fallback
	}
	title := sanitizeTitle(text)
	if title == "" {
		return fallback
	}
	return title
}

// InferChartSpec asks the model whether the question calls for a chart and,
// if so, which one. The second return is false when no usable spec came
// back; it never returns an error.
func (a *Analyst) InferChartSpec(ctx context.Context, question string, table *dataset.Table) (domain.ChartSpec, bool) {
	prompt := fmt.Sprintf(`A user asked the following question about a dataset: %q

Dataset columns: %s
Numeric columns: %s

If a chart would illustrate the answer, reply with a single JSON object and nothing else:
{"type": "hist|pie|box|bar|line|scatter", "x": "column", "y": "column", "agg": "sum|mean|count", "bins": 20, "title": "short title"}
Omit keys that do not apply. If no chart is appropriate, reply with the word "none".`,
		question, strings.Join(table.Columns, ", "), strings.Join(table.NumericColumns(), ", "))

	text, err := a.generator.GenerateText(ctx, analystSystemPrompt, prompt)
	if err != nil {
		return domain.ChartSpec{}, false
	}
	raw, ok := extractJSONObject(text)
	if !ok {
		return domain.ChartSpec{}, false
	}
	var spec domain.ChartSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return domain.ChartSpec{}, false
	}
	spec.Type = strings.ToLower(strings.TrimSpace(spec.Type))
	if spec.Bins <= 0 {
		spec.Bins = 20
	}
	if !specIsUsable(spec, table) {
		return domain.ChartSpec{}, false
	}
	return spec, true
}

// specIsUsable checks column references against the table so that a
// hallucinated spec is dropped here instead of failing downstream.
func specIsUsable(spec domain.ChartSpec, table *dataset.Table) bool {
	switch spec.Type {
	case "hist":
		col := spec.X
		if col == "" {
			col = spec.Y
		}
		return table.IsNumeric(col)
	case "pie":
		col := spec.X
		if col == "" {
			col = spec.Y
		}
		return table.HasColumn(col)
	case "box":
		return table.IsNumeric(spec.Y)
	case "bar":
		switch spec.Agg {
		case "", "sum", "mean", "count":
		default:
			return false
		}
		return table.HasColumn(spec.X) && table.HasColumn(spec.Y)
	case "line", "scatter":
		return table.HasColumn(spec.X) && table.IsNumeric(spec.Y)
	default:
		return false
	}
}

func sanitizeTitle(text string) string {
	title := strings.TrimSpace(text)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	title = strings.Trim(title, `"'`)
	title = strings.TrimSpace(title)
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes])
	}
	return title
}

func extractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
