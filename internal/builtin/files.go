package builtin

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/itchyny/gojq"
	"github.com/spf13/afero"

	"github.com/rmcp-dev/rmcp/internal/registry"
	"github.com/rmcp-dev/rmcp/internal/session"
	"github.com/rmcp-dev/rmcp/internal/vfs"
)

const (
	defaultDataPattern = "**/*.{csv,tsv,txt,json,rds,RData,rda,xlsx,sav,dta}"
	maxListedFiles     = 500
	defaultReadRows    = 100
	maxReadRows        = 10000
	maxReadBytes       = 10 << 20
)

const listDataFilesDescription = `Lists data files inside the allowed directories.

Usage:
- pattern is a glob such as "**/*.csv" (default: common data formats)
- path narrows the search to one directory
- Returns paths, sizes and modification times, sorted by path`

// ListDataFilesInput represents the input for the list_data_files tool.
type ListDataFilesInput struct {
	Pattern string `json:"pattern,omitempty"`
	Path    string `json:"path,omitempty"`
}

// DataFile is one entry of a listing.
type DataFile struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

func listDataFilesTool() registry.Tool {
	return registry.Tool{
		Name:        "list_data_files",
		Title:       "List data files",
		Description: listDataFilesDescription,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {
					"type": "string",
					"description": "Glob pattern relative to the search directory"
				},
				"path": {
					"type": "string",
					"description": "Directory to search (default: every allowed directory)"
				}
			}
		}`),
		Annotations: readOnlyAnnotations("List data files"),
		Handler: func(rc *session.Context, args map[string]any) (any, error) {
			var in ListDataFilesInput
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			sb, err := sandboxOf(rc)
			if err != nil {
				return nil, err
			}

			pattern := in.Pattern
			if pattern == "" {
				pattern = defaultDataPattern
			}
			if !doublestar.ValidatePattern(pattern) {
				return nil, registry.Errorf("%q is not a valid glob pattern.", pattern)
			}

			dirs := sb.Roots()
			if in.Path != "" {
				dir, err := sb.CheckRead(in.Path)
				if err != nil {
					return nil, err
				}
				dirs = []string{dir}
			}

			files, truncated, err := findDataFiles(rc, sb, dirs, pattern)
			if err != nil {
				return nil, err
			}
			return &registry.Result{
				Data: map[string]any{
					"pattern":   pattern,
					"files":     files,
					"count":     len(files),
					"truncated": truncated,
				},
				Summary: listingSummary(files, truncated),
			}, nil
		},
	}
}

func findDataFiles(rc *session.Context, sb *vfs.Sandbox, dirs []string, pattern string) ([]DataFile, bool, error) {
	fsys := sb.Fs()
	seen := make(map[string]bool)
	var files []DataFile
	truncated := false

	for _, dir := range dirs {
		if err := rc.CheckCancellation(); err != nil {
			return nil, false, err
		}
		matches, err := doublestar.Glob(afero.NewIOFS(afero.NewBasePathFs(fsys, dir)), pattern, doublestar.WithFilesOnly())
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, false, fmt.Errorf("search %s: %w", dir, err)
		}
		for _, m := range matches {
			abs := filepath.Join(dir, filepath.FromSlash(m))
			if seen[abs] {
				continue
			}
			// Skip anything the deny list hides.
			if _, err := sb.CheckRead(abs); err != nil {
				continue
			}
			info, err := fsys.Stat(abs)
			if err != nil {
				continue
			}
			seen[abs] = true
			if len(files) == maxListedFiles {
				truncated = true
				break
			}
			files = append(files, DataFile{Path: abs, Size: info.Size(), Modified: info.ModTime().UTC()})
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, truncated, nil
}

func listingSummary(files []DataFile, truncated bool) string {
	if len(files) == 0 {
		return "No data files matched."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d data file(s):", len(files))
	for i, f := range files {
		if i == 20 {
			fmt.Fprintf(&b, "\n... and %d more", len(files)-i)
			break
		}
		fmt.Fprintf(&b, "\n%s (%d bytes)", f.Path, f.Size)
	}
	if truncated {
		fmt.Fprintf(&b, "\n(listing stopped at %d files)", maxListedFiles)
	}
	return b.String()
}

const readDataFileDescription = `Reads a data file inside the allowed directories.

Usage:
- CSV and TSV files are parsed into columns and rows
- JSON files are returned parsed; query applies a jq filter to them first
- Other text files are returned as lines
- max_rows limits the rows or lines returned (default: 100)`

// ReadDataFileInput represents the input for the read_data_file tool.
type ReadDataFileInput struct {
	Path    string `json:"path"`
	MaxRows int    `json:"max_rows,omitempty"`
	Query   string `json:"query,omitempty"`
}

func readDataFileTool() registry.Tool {
	return registry.Tool{
		Name:        "read_data_file",
		Title:       "Read data file",
		Description: readDataFileDescription,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {
					"type": "string",
					"description": "File to read"
				},
				"max_rows": {
					"type": "integer",
					"minimum": 1,
					"maximum": 10000,
					"description": "Maximum rows or lines to return (default: 100)"
				},
				"query": {
					"type": "string",
					"description": "jq filter applied to a JSON file, e.g. .records[] | select(.age > 30)"
				}
			},
			"required": ["path"]
		}`),
		Annotations: readOnlyAnnotations("Read data file"),
		Handler: func(rc *session.Context, args map[string]any) (any, error) {
			var in ReadDataFileInput
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			sb, err := sandboxOf(rc)
			if err != nil {
				return nil, err
			}
			abs, err := sb.CheckRead(in.Path)
			if err != nil {
				return nil, err
			}
			limit := in.MaxRows
			if limit <= 0 {
				limit = defaultReadRows
			}
			if limit > maxReadRows {
				limit = maxReadRows
			}

			f, err := sb.Fs().Open(abs)
			if err != nil {
				if os.IsNotExist(err) {
					return nil, registry.Errorf("File %q does not exist.", in.Path)
				}
				return nil, fmt.Errorf("open %s: %w", in.Path, err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", in.Path, err)
			}
			if info.IsDir() {
				return nil, registry.Errorf("%q is a directory; use list_data_files to see its contents.", in.Path)
			}

			r := io.LimitReader(f, maxReadBytes)
			ext := strings.ToLower(filepath.Ext(abs))
			if in.Query != "" && ext != ".json" {
				return nil, registry.Errorf("query only applies to JSON files, not %q.", in.Path)
			}
			switch ext {
			case ".csv":
				return readDelimited(abs, r, ',', limit)
			case ".tsv", ".tab":
				return readDelimited(abs, r, '\t', limit)
			case ".json":
				return readJSON(rc, abs, r, info.Size(), in.Query, limit)
			case ".rds", ".rdata", ".rda", ".xlsx", ".sav", ".dta":
				return nil, registry.Errorf("%q is a binary format; load it in R with execute_r_analysis.", in.Path)
			}
			return readLines(abs, r, limit)
		},
	}
}

func readDelimited(path string, r io.Reader, sep rune, limit int) (any, error) {
	cr := csv.NewReader(r)
	cr.Comma = sep
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{"path": path, "format": "csv", "columns": []string{}, "rows": []any{}, "row_count": 0, "truncated": false}, nil
		}
		return nil, registry.Errorf("Could not parse %s: %v", filepath.Base(path), err)
	}

	rows := make([]map[string]string, 0, limit)
	total := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, registry.Errorf("Could not parse %s: %v", filepath.Base(path), err)
		}
		total++
		if len(rows) >= limit {
			continue
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}

	format := "csv"
	if sep == '\t' {
		format = "tsv"
	}
	return &registry.Result{
		Data: map[string]any{
			"path":      path,
			"format":    format,
			"columns":   header,
			"rows":      rows,
			"row_count": total,
			"truncated": total > len(rows),
		},
		Summary: fmt.Sprintf("%s: %d rows x %d columns (%s). Showing %d.",
			filepath.Base(path), total, len(header), strings.Join(header, ", "), len(rows)),
	}, nil
}

func readJSON(ctx context.Context, path string, r io.Reader, size int64, filter string, limit int) (any, error) {
	if size > maxReadBytes {
		return nil, registry.Errorf("%s is too large to read whole (%d bytes).", filepath.Base(path), size)
	}
	var v any
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return nil, registry.Errorf("%s is not valid JSON: %v", filepath.Base(path), err)
	}
	if filter == "" {
		return map[string]any{"path": path, "format": "json", "content": v}, nil
	}

	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, registry.Errorf("Invalid jq query: %v", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, registry.Errorf("Invalid jq query: %v", err)
	}

	results := make([]any, 0)
	truncated := false
	iter := code.RunWithContext(ctx, v)
	for {
		out, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := out.(error); ok {
			return nil, registry.Errorf("jq query failed: %v", err)
		}
		if len(results) >= limit {
			truncated = true
			break
		}
		results = append(results, out)
	}
	return map[string]any{
		"path":      path,
		"format":    "json",
		"query":     filter,
		"results":   results,
		"truncated": truncated,
	}, nil
}

func readLines(path string, r io.Reader, limit int) (any, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lines := make([]string, 0, limit)
	total := 0
	for scanner.Scan() {
		total++
		if len(lines) < limit {
			lines = append(lines, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, registry.Errorf("Could not read %s: %v", filepath.Base(path), err)
	}
	return map[string]any{
		"path":       path,
		"format":     "text",
		"lines":      lines,
		"line_count": total,
		"truncated":  total > len(lines),
	}, nil
}

func sandboxOf(rc *session.Context) (*vfs.Sandbox, error) {
	if rc.State == nil || rc.State.Sandbox == nil || len(rc.State.Sandbox.Roots()) == 0 {
		return nil, registry.Errorf("File access is disabled: no allowed directories are configured.")
	}
	return rc.State.Sandbox, nil
}
