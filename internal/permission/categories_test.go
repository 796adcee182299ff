package permission

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findingOps(findings []Finding) []string {
	var ops []string
	for _, f := range findings {
		ops = append(ops, f.Category+":"+f.Operation)
	}
	return ops
}

func TestDefaultCategories(t *testing.T) {
	cats := DefaultCategories()

	assert.Equal(t, []string{
		"file_operations",
		"network_operations",
		"package_installation",
		"system_operations",
	}, cats.Names())

	fileOps, ok := cats.Get("file_operations")
	require.True(t, ok)
	assert.True(t, fileOps.Approvable())
	assert.True(t, fileOps.HasOperation("write.csv"))
	assert.NotEmpty(t, fileOps.Description)

	sys, ok := cats.Get("system_operations")
	require.True(t, ok)
	assert.False(t, sys.Approvable())
	assert.True(t, sys.HasOperation("setwd"))
}

func TestAnalyze(t *testing.T) {
	cats := DefaultCategories()

	tests := []struct {
		name     string
		script   string
		expected []string
	}{
		{
			name:     "plain analysis",
			script:   "x <- c(1, 2, 3)\nresult <- list(mean = mean(x))",
			expected: nil,
		},
		{
			name:     "write csv",
			script:   `write.csv(df, "out.csv")`,
			expected: []string{"file_operations:write.csv"},
		},
		{
			name:     "namespaced call",
			script:   `readr::write_csv(df, "out.csv")`,
			expected: []string{"file_operations:write_csv"},
		},
		{
			name:     "longer identifier is not a call",
			script:   `my_save(df); saveRDS(df, "x.rds")`,
			expected: []string{"file_operations:saveRDS"},
		},
		{
			name:     "comment ignored",
			script:   "# write.csv(df, 'x.csv')\nmean(1:3)",
			expected: nil,
		},
		{
			name:     "string contents ignored",
			script:   `msg <- "call system() later"`,
			expected: nil,
		},
		{
			name:     "hash inside string is not a comment",
			script:   `label <- "#1"; setwd("/tmp")`,
			expected: []string{"system_operations:setwd"},
		},
		{
			name:     "package installation",
			script:   `install.packages("dplyr")`,
			expected: []string{"package_installation:install.packages"},
		},
		{
			name:     "indirect system call",
			script:   `do.call("system", list("ls"))`,
			expected: []string{"system_operations:do.call(system)"},
		},
		{
			name:     "function passed to do.call",
			script:   `do.call(system, list("rm -rf /tmp/x"))`,
			expected: []string{"system_operations:system"},
		},
		{
			name:     "backtick quoted call",
			script:   "`system`(\"id\")",
			expected: []string{"system_operations:system"},
		},
		{
			name:     "function assigned then called",
			script:   `f <- base::system2; f("id")`,
			expected: []string{"system_operations:system2"},
		},
		{
			name:     "function passed to lapply",
			script:   `lapply("id", system)`,
			expected: []string{"system_operations:system"},
		},
		{
			name:     "argument names and members are not references",
			script:   `x <- list(save = TRUE, url = 1); x$url; shell.exec2 <- 1`,
			expected: nil,
		},
		{
			name:     "order of appearance",
			script:   "install.packages('x')\nwrite.csv(df, 'a.csv')",
			expected: []string{"package_installation:install.packages", "file_operations:write.csv"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, findingOps(cats.Analyze(tt.script)))
		})
	}
}

func TestAnalyzeExtractsPaths(t *testing.T) {
	cats := DefaultCategories()

	findings := cats.Analyze(`ggsave(filename = "plots/fig.png", plot = p, width = 5)`)
	require.Len(t, findings, 1)
	assert.Equal(t, []string{"plots/fig.png"}, findings[0].Paths)

	findings = cats.Analyze(`download.file("https://example.com/x.csv", destfile = "data/x.csv")`)
	require.Len(t, findings, 1)
	assert.Equal(t, []string{"data/x.csv"}, findings[0].Paths)

	findings = cats.Analyze(`do.call(write.csv, list(df, "/etc/out.csv"))`)
	require.Len(t, findings, 1)
	assert.Equal(t, "write.csv", findings[0].Operation)
	assert.Equal(t, []string{"/etc/out.csv"}, findings[0].Paths)

	findings = cats.Analyze("`system`(\"id\")")
	require.Len(t, findings, 1)
	assert.Equal(t, "id", findings[0].Literal)

	findings = cats.Analyze(`system("rm -rf /")`)
	require.Len(t, findings, 1)
	assert.Equal(t, "rm -rf /", findings[0].Literal)
	assert.Empty(t, findings[0].Paths)
}

func TestParseCategories(t *testing.T) {
	doc := `
categories:
  plotting:
    description: opening graphics devices
    operations:
      - {name: dev.new}
  forbidden:
    level: never
    operations:
      - {name: quit}
      - {name: q, pattern: '\bq\s*\(\s*\)'}
`
	cats, err := ParseCategories([]byte(doc))
	require.NoError(t, err)

	plotting, ok := cats.Get("plotting")
	require.True(t, ok)
	assert.Equal(t, LevelApprovable, plotting.Level)

	assert.Equal(t, []string{"forbidden:q"}, findingOps(cats.Analyze("q()")))
	assert.Equal(t, []string{"plotting:dev.new"}, findingOps(cats.Analyze("dev.new()")))
}

func TestParseCategoriesErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", "categories: {}"},
		{"bad yaml", "categories: ["},
		{"bad level", "categories:\n  x:\n    level: sometimes\n    operations: [{name: f}]"},
		{"bad pattern", "categories:\n  x:\n    operations: [{name: f, pattern: '('}]"},
		{"missing name", "categories:\n  x:\n    operations: [{pattern: 'f'}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCategories([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadCategories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "categories.yaml")
	require.NoError(t, os.WriteFile(path, []byte("categories:\n  x:\n    operations: [{name: f}]\n"), 0644))

	cats, err := LoadCategories(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, cats.Names())

	_, err = LoadCategories(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
