package builtin

import (
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rmcp-dev/rmcp/internal/registry"
	"github.com/rmcp-dev/rmcp/internal/session"
)

// Prompts returns the built-in prompts.
func Prompts() []registry.Prompt {
	return []registry.Prompt{
		{
			Name:        "statistical-analysis",
			Title:       "Statistical analysis plan",
			Description: "Guides a complete analysis of a dataset, from inspection to reporting",
			Arguments: []mcp.PromptArgument{
				{Name: "dataset", Description: "Path to the data file, or a description of inline data", Required: true},
				{Name: "question", Description: "The research question to answer", Required: true},
				{Name: "audience", Description: "Who will read the results (default: a general audience)"},
			},
			Handler: statisticalAnalysisPrompt,
		},
		{
			Name:        "regression-diagnostics",
			Title:       "Regression diagnostics",
			Description: "Fits a linear model and checks its assumptions",
			Arguments: []mcp.PromptArgument{
				{Name: "dataset", Description: "Path to the data file", Required: true},
				{Name: "formula", Description: "R model formula, e.g. y ~ x1 + x2", Required: true},
			},
			Handler: regressionDiagnosticsPrompt,
		},
	}
}

func statisticalAnalysisPrompt(rc *session.Context, args map[string]string) ([]mcp.PromptMessage, error) {
	audience := strings.TrimSpace(args["audience"])
	if audience == "" {
		audience = "a general audience"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Analyse %s to answer this question: %s\n\n", args["dataset"], args["question"])
	b.WriteString("Work through these steps, using the rmcp tools:\n")
	b.WriteString("1. Use read_data_file to inspect the columns and a sample of rows.\n")
	b.WriteString("2. Use summary_statistics to describe every relevant variable and note missing values.\n")
	b.WriteString("3. Use correlation_analysis to see how the numeric variables relate.\n")
	b.WriteString("4. Choose a model that fits the question. For a continuous outcome start with linear_model.\n")
	b.WriteString("5. For anything else, write R and run it with execute_r_analysis. ")
	b.WriteString("If it reports OPERATION_APPROVAL_NEEDED, ask me before calling approve_operation.\n")
	fmt.Fprintf(&b, "\nReport the findings for %s: effect sizes with uncertainty, the assumptions you checked, and the limits of the analysis.", audience)

	return []mcp.PromptMessage{
		mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(b.String())),
	}, nil
}

func regressionDiagnosticsPrompt(rc *session.Context, args map[string]string) ([]mcp.PromptMessage, error) {
	formula := args["formula"]
	if !strings.Contains(formula, "~") {
		return nil, &registry.ArgumentError{Prompt: "regression-diagnostics", Invalid: "formula must contain ~"}
	}

	text := fmt.Sprintf(`Fit the model %s to %s with linear_model, then check it:

- Linearity and homoscedasticity: residuals against fitted values.
- Normality of residuals: a Q-Q plot and a Shapiro-Wilk test.
- Influential points: Cook's distance and leverage.
- Multicollinearity: variance inflation factors for each predictor.

Run the checks with execute_r_analysis. Return plots as result$image with base64 PNG data.
Summarise which assumptions hold and what to change if they do not.`, formula, args["dataset"])

	return []mcp.PromptMessage{
		mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text)),
	}, nil
}
