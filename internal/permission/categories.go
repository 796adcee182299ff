package permission

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed categories.yaml
var defaultCategoriesYAML []byte

// OperationDef declares one detectable operation.
type OperationDef struct {
	Name    string `yaml:"name" json:"name"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Raw     bool   `yaml:"raw,omitempty" json:"-"`
	Paths   bool   `yaml:"paths,omitempty" json:"-"`

	re     *regexp.Regexp
	symbol bool
}

// Category is a class of sensitive operations.
type Category struct {
	Name        string         `yaml:"-" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Level       Level          `yaml:"level" json:"level"`
	Examples    []string       `yaml:"examples" json:"examples"`
	Operations  []OperationDef `yaml:"operations" json:"operations"`
}

// Approvable reports whether the category can be unblocked by an approval.
func (c *Category) Approvable() bool {
	return c.Level == LevelApprovable
}

// HasOperation reports whether op is one of the category's operations.
func (c *Category) HasOperation(op string) bool {
	for _, o := range c.Operations {
		if o.Name == op {
			return true
		}
	}
	return false
}

// OperationNames lists the category's operations.
func (c *Category) OperationNames() []string {
	names := make([]string, len(c.Operations))
	for i, o := range c.Operations {
		names[i] = o.Name
	}
	return names
}

// Categories is the static category configuration.
type Categories struct {
	byName map[string]*Category
}

type categoriesFile struct {
	Categories map[string]*Category `yaml:"categories"`
}

// DefaultCategories returns the built-in categories.
func DefaultCategories() *Categories {
	c, err := ParseCategories(defaultCategoriesYAML)
	if err != nil {
		panic(fmt.Sprintf("permission: built-in categories: %v", err))
	}
	return c
}

// LoadCategories reads categories from a YAML file.
func LoadCategories(path string) (*Categories, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read categories: %w", err)
	}
	return ParseCategories(data)
}

// ParseCategories parses and compiles a categories document.
func ParseCategories(data []byte) (*Categories, error) {
	var doc categoriesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse categories: %w", err)
	}
	if len(doc.Categories) == 0 {
		return nil, fmt.Errorf("no categories defined")
	}

	for name, cat := range doc.Categories {
		if cat == nil {
			return nil, fmt.Errorf("category %q is empty", name)
		}
		cat.Name = name
		switch cat.Level {
		case LevelApprovable, LevelNever:
		case "":
			cat.Level = LevelApprovable
		default:
			return nil, fmt.Errorf("category %q: unknown level %q", name, cat.Level)
		}
		for i := range cat.Operations {
			op := &cat.Operations[i]
			if op.Name == "" {
				return nil, fmt.Errorf("category %q: operation %d has no name", name, i)
			}
			pattern := op.Pattern
			if pattern == "" {
				pattern = symbolPattern(op.Name)
				op.symbol = true
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("category %q: operation %q: %w", name, op.Name, err)
			}
			op.re = re
		}
	}
	return &Categories{byName: doc.Categories}, nil
}

// symbolPattern matches any reference to an R function by name: a call, a
// namespaced reference (pkg::fn) or the bare symbol handed to do.call,
// lapply, an assignment and so on. Longer identifiers that merely start or
// end with the name, and member access (x$fn, x@fn), do not match. The end
// of the name is checked by isSymbolEnd since the pattern cannot consume the
// following character without hiding adjacent references.
func symbolPattern(name string) string {
	return `(?:^|[^\w.$@])(` + regexp.QuoteMeta(name) + `)`
}

// Get returns a category by name.
func (c *Categories) Get(name string) (*Category, bool) {
	cat, ok := c.byName[name]
	return cat, ok
}

// Names returns the sorted category names.
func (c *Categories) Names() []string {
	return sortedKeys(c.byName)
}

// All returns the categories sorted by name.
func (c *Categories) All() []*Category {
	out := make([]*Category, 0, len(c.byName))
	for _, name := range c.Names() {
		out = append(out, c.byName[name])
	}
	return out
}

// Analyze scans a script and returns every detected operation in order of
// appearance. Comments are ignored and string contents do not trigger
// detectors unless the operation is declared raw. Backtick quoting of names
// is ignored.
func (c *Categories) Analyze(script string) []Finding {
	stripped := stripComments(script)
	masked := stripBackticks(maskStrings(stripped))

	var findings []Finding
	for _, cat := range c.All() {
		for i := range cat.Operations {
			op := &cat.Operations[i]
			text := masked
			if op.Raw {
				text = stripped
			}
			for _, loc := range op.re.FindAllStringSubmatchIndex(text, -1) {
				start, end := loc[0], loc[1]
				if op.symbol {
					start, end = loc[2], loc[3]
					if !isSymbolEnd(masked, end) || isArgumentName(masked, end) {
						continue
					}
				}
				f := Finding{
					Category:  cat.Name,
					Operation: op.Name,
					Level:     cat.Level,
					Offset:    start,
				}
				args := callArguments(stripped, end)
				if op.symbol {
					args = symbolArguments(stripped, masked, start, end)
				}
				literals := stringLiterals(args)
				if len(literals) > 0 {
					f.Literal = literals[0]
				}
				if op.Paths {
					f.Paths = pathLiterals(literals)
				}
				findings = append(findings, f)
			}
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Offset < findings[j].Offset
	})
	return findings
}

func isIdentByte(ch byte) bool {
	return ch == '_' || ch == '.' || ch >= '0' && ch <= '9' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z'
}

func isSymbolEnd(s string, end int) bool {
	return end >= len(s) || !isIdentByte(s[end])
}

// isArgumentName reports a name used as an argument or list tag (fn = x),
// which is not a reference to the function.
func isArgumentName(s string, end int) bool {
	i := skipSpace(s, end)
	return i < len(s) && s[i] == '=' && (i+1 >= len(s) || s[i+1] != '=')
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

// symbolArguments returns the arguments of a call to the referenced function
// or, when the function is passed as a value, of the call enclosing it.
func symbolArguments(stripped, masked string, start, end int) string {
	if open, ok := openParen(masked, end); ok {
		return callArguments(stripped, open+1)
	}
	if open, ok := enclosingParen(masked, start); ok {
		return callArguments(stripped, open+1)
	}
	return ""
}

// openParen returns the position of a "(" that directly follows end.
func openParen(s string, end int) (int, bool) {
	i := skipSpace(s, end)
	if i < len(s) && s[i] == '(' {
		return i, true
	}
	return 0, false
}

// enclosingParen finds the unmatched "(" opening the call that contains
// position start. s must have its string contents masked.
func enclosingParen(s string, start int) (int, bool) {
	depth := 0
	for i := start - 1; i >= 0; i-- {
		switch s[i] {
		case ')':
			depth++
		case '(':
			if depth == 0 {
				return i, true
			}
			depth--
		}
	}
	return 0, false
}

// stripBackticks blanks backquotes so `fn` reads as fn.
func stripBackticks(s string) string {
	return strings.ReplaceAll(s, "`", " ")
}

// stripComments blanks R comments (# to end of line outside strings) so
// offsets are preserved.
func stripComments(s string) string {
	b := []byte(s)
	var quote byte
	for i := 0; i < len(b); i++ {
		ch := b[i]
		switch {
		case quote != 0:
			if ch == '\\' {
				i++
			} else if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'' || ch == '`':
			quote = ch
		case ch == '#':
			for i < len(b) && b[i] != '\n' {
				b[i] = ' '
				i++
			}
		}
	}
	return string(b)
}

// maskStrings replaces the contents of string literals with spaces.
func maskStrings(s string) string {
	b := []byte(s)
	var quote byte
	for i := 0; i < len(b); i++ {
		ch := b[i]
		if quote != 0 {
			if ch == '\\' && i+1 < len(b) {
				b[i], b[i+1] = ' ', ' '
				i++
				continue
			}
			if ch == quote {
				quote = 0
				continue
			}
			if ch != '\n' {
				b[i] = ' '
			}
			continue
		}
		if ch == '"' || ch == '\'' {
			quote = ch
		}
	}
	return string(b)
}

// callArguments returns the text between the opening parenthesis that ends at
// start and its matching close, or the rest of the script if unbalanced.
func callArguments(s string, start int) string {
	depth := 1
	var quote byte
	for i := start; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == '\\' {
				i++
			} else if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			quote = ch
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[start:i]
			}
		}
	}
	return s[start:]
}

var literalPattern = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"|'((?:[^'\\]|\\.)*)'`)

func stringLiterals(s string) []string {
	var out []string
	for _, m := range literalPattern.FindAllStringSubmatch(s, -1) {
		v := m[1]
		if v == "" {
			v = m[2]
		}
		out = append(out, v)
	}
	return out
}

// pathLiterals keeps literals that look like file paths.
func pathLiterals(literals []string) []string {
	var out []string
	for _, l := range literals {
		if l == "" || strings.Contains(l, "://") {
			continue
		}
		if strings.ContainsAny(l, `/\`) || strings.Contains(l, ".") {
			out = append(out, l)
		}
	}
	return out
}
