package builtin

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rmcp-dev/rmcp/internal/registry"
	"github.com/rmcp-dev/rmcp/internal/runtime"
	"github.com/rmcp-dev/rmcp/internal/session"
)

//go:embed scripts/*.R
var scripts embed.FS

// script returns an analysis script with the shared data loader prepended.
func script(name string) string {
	loader, err := scripts.ReadFile("scripts/load_data.R")
	if err != nil {
		panic(err)
	}
	body, err := scripts.ReadFile("scripts/" + name)
	if err != nil {
		panic(err)
	}
	return string(loader) + "\n" + string(body)
}

// dataSourceSchema is shared by the statistics tools.
const dataSourceSchema = `
	"data": {
		"type": "object",
		"description": "Columns keyed by name, each an array of equal length",
		"additionalProperties": {"type": "array"}
	},
	"file": {
		"type": "string",
		"description": "CSV, TSV or RDS file inside the allowed directories"
	}`

// DataSource selects inline columns or a data file.
type DataSource struct {
	Data map[string][]any `json:"data,omitempty"`
	File string           `json:"file,omitempty"`
}

// params checks the source and returns the R parameters describing it.
func (d DataSource) params(rc *session.Context) (map[string]any, error) {
	switch {
	case len(d.Data) > 0 && d.File != "":
		return nil, registry.Errorf("Provide either data or file, not both.")
	case len(d.Data) > 0:
		n := -1
		for name, col := range d.Data {
			if n >= 0 && len(col) != n {
				return nil, registry.Errorf("Column %q has %d values; every column needs %d.", name, len(col), n)
			}
			n = len(col)
		}
		return map[string]any{"data": d.Data}, nil
	case d.File != "":
		if rc.State == nil || rc.State.Sandbox == nil {
			return nil, registry.Errorf("Reading files is disabled on this server.")
		}
		abs, err := rc.State.Sandbox.CheckRead(d.File)
		if err != nil {
			return nil, err
		}
		info, err := rc.State.Sandbox.Fs().Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, registry.Errorf("File %q does not exist.", d.File)
			}
			return nil, fmt.Errorf("stat %s: %w", d.File, err)
		}
		if info.IsDir() {
			return nil, registry.Errorf("%q is a directory, not a data file.", d.File)
		}
		return map[string]any{"file": abs}, nil
	}
	return nil, registry.Errorf("Provide the data inline with data, or point to a file with file.")
}

// SummaryInput represents the input for the summary_statistics tool.
type SummaryInput struct {
	DataSource
	Variables []string `json:"variables,omitempty"`
}

func summaryStatisticsTool(deps Deps) registry.Tool {
	src := script("summary_statistics.R")
	return registry.Tool{
		Name:        "summary_statistics",
		Title:       "Summary statistics",
		Description: "Computes count, missing values, mean, standard deviation, quartiles and range for numeric variables.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {` + dataSourceSchema + `,
				"variables": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Columns to describe (default: every numeric column)"
				}
			}
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"n_rows": {"type": "integer"},
				"variables": {"type": "array", "items": {"type": "string"}},
				"statistics": {"type": "object"}
			},
			"required": ["n_rows", "statistics"]
		}`),
		Annotations: readOnlyAnnotations("Summary statistics"),
		Handler: func(rc *session.Context, args map[string]any) (any, error) {
			var in SummaryInput
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			params, err := in.params(rc)
			if err != nil {
				return nil, err
			}
			if len(in.Variables) > 0 {
				params["variables"] = in.Variables
			}
			return runJob(rc, deps, runtime.Job{Script: src, Params: params, WorkDir: workDir(rc)}, "summary statistics")
		},
	}
}

// LinearModelInput represents the input for the linear_model tool.
type LinearModelInput struct {
	DataSource
	Formula string `json:"formula"`
}

func linearModelTool(deps Deps) registry.Tool {
	src := script("linear_model.R")
	return registry.Tool{
		Name:        "linear_model",
		Title:       "Linear regression",
		Description: "Fits an ordinary least squares model and reports coefficients, standard errors, p-values and fit statistics.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {` + dataSourceSchema + `,
				"formula": {
					"type": "string",
					"minLength": 3,
					"description": "R model formula, e.g. y ~ x1 + x2"
				}
			},
			"required": ["formula"]
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"formula": {"type": "string"},
				"n_obs": {"type": "integer"},
				"coefficients": {"type": "array"},
				"r_squared": {"type": ["number", "null"]},
				"adj_r_squared": {"type": ["number", "null"]}
			},
			"required": ["coefficients", "r_squared"]
		}`),
		Annotations: readOnlyAnnotations("Linear regression"),
		Handler: func(rc *session.Context, args map[string]any) (any, error) {
			var in LinearModelInput
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if !strings.Contains(in.Formula, "~") {
				return nil, registry.Errorf("Formula %q needs a ~ between the response and the predictors.", in.Formula)
			}
			// The formula is evaluated by R, so it goes through the same gate
			// as a script would.
			res, err := deps.Gate.Reserve(in.Formula, rc.State.Ledger, rc.State.Sandbox)
			if err != nil {
				return nil, err
			}
			params, err := in.params(rc)
			if err != nil {
				res.Release()
				return nil, err
			}
			params["formula"] = in.Formula
			return runReserved(rc, deps, res, runtime.Job{Script: src, Params: params, WorkDir: workDir(rc)}, "linear model")
		},
	}
}

// CorrelationInput represents the input for the correlation_analysis tool.
type CorrelationInput struct {
	DataSource
	Variables []string `json:"variables,omitempty"`
	Method    string   `json:"method,omitempty"`
}

func correlationTool(deps Deps) registry.Tool {
	src := script("correlation.R")
	return registry.Tool{
		Name:        "correlation_analysis",
		Title:       "Correlation analysis",
		Description: "Computes a correlation matrix and pairwise significance tests between numeric variables.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {` + dataSourceSchema + `,
				"variables": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Columns to correlate (default: every numeric column)"
				},
				"method": {
					"type": "string",
					"enum": ["pearson", "spearman", "kendall"],
					"description": "Correlation coefficient (default: pearson)"
				}
			}
		}`),
		Annotations: readOnlyAnnotations("Correlation analysis"),
		Handler: func(rc *session.Context, args map[string]any) (any, error) {
			var in CorrelationInput
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if len(in.Variables) == 1 {
				return nil, registry.Errorf("Name at least two variables, or none to use every numeric column.")
			}
			params, err := in.params(rc)
			if err != nil {
				return nil, err
			}
			if len(in.Variables) > 0 {
				params["variables"] = in.Variables
			}
			if in.Method != "" {
				params["method"] = in.Method
			}
			return runJob(rc, deps, runtime.Job{Script: src, Params: params, WorkDir: workDir(rc)}, "correlation analysis")
		},
	}
}
