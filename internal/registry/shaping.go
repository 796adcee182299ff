package registry

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rmcp-dev/rmcp/internal/schema"
)

const (
	// summaryFields is how many object fields the summary lists.
	summaryFields = 8
	// summaryValueWidth truncates rendered values.
	summaryValueWidth = 60
)

// Image is binary output attached to a tool result.
type Image struct {
	Data     []byte
	MIMEType string
}

// Result lets a handler attach an image or override the summary. Handlers
// may also return plain values.
type Result struct {
	Data    any
	Summary string
	Image   *Image
}

// structured turns a handler return value into the structured payload.
// nil and values that cannot be represented as JSON become an empty object;
// non-object JSON values are wrapped as {"result": v}.
func structured(v any) map[string]any {
	if v == nil || !jsonRepresentable(v) {
		return map[string]any{}
	}
	normalized, err := schema.Normalize(v)
	if err != nil || normalized == nil {
		return map[string]any{}
	}
	if obj, ok := normalized.(map[string]any); ok {
		return obj
	}
	return map[string]any{"result": normalized}
}

func jsonRepresentable(v any) bool {
	switch reflect.TypeOf(v).Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return false
	}
	return true
}

// shape renders a successful result as summary text, the full JSON payload
// and an optional image.
func shape(raw any, data map[string]any, override string, img *Image) *mcp.CallToolResult {
	summary := override
	if summary == "" {
		summary = Summarize(unwrap(raw, data))
	}

	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		payload = []byte("{}")
	}

	content := []mcp.Content{
		mcp.NewTextContent(summary),
		mcp.NewTextContent(string(payload)),
	}
	if img != nil && len(img.Data) > 0 {
		mime := img.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		content = append(content, mcp.NewImageContent(base64.StdEncoding.EncodeToString(img.Data), mime))
	}

	return &mcp.CallToolResult{
		Content:           content,
		StructuredContent: data,
	}
}

// unwrap picks the value the summary should describe: the handler's own
// value when it was not an object.
func unwrap(raw any, data map[string]any) any {
	if v, ok := data["result"]; ok && len(data) == 1 {
		if _, isMap := raw.(map[string]any); !isMap {
			return v
		}
	}
	return data
}

// errorResult builds a capability error.
func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(msg)},
		IsError: true,
	}
}

// Summarize renders a short human-readable description of a JSON value:
// strings pass through, lists report their size, objects list their first
// fields with one-line values.
func Summarize(v any) string {
	switch val := v.(type) {
	case nil:
		return "No result."
	case string:
		return val
	case []any:
		return fmt.Sprintf("List of %d %s.", len(val), plural(len(val), "item", "items"))
	case map[string]any:
		if len(val) == 0 {
			return "Completed with no output."
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		fmt.Fprintf(&b, "Result with %d %s:", len(keys), plural(len(keys), "field", "fields"))
		for i, k := range keys {
			if i == summaryFields {
				fmt.Fprintf(&b, "\n- ... %d more", len(keys)-summaryFields)
				break
			}
			fmt.Fprintf(&b, "\n- %s: %s", k, renderValue(val[k]))
		}
		return b.String()
	default:
		return renderValue(val)
	}
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return formatNumber(val)
	case string:
		return strconv.Quote(truncate(val, summaryValueWidth))
	case []any:
		if len(val) > 0 && len(val) <= 6 && allNumbers(val) {
			parts := make([]string, len(val))
			for i, x := range val {
				parts[i] = formatNumber(x.(float64))
			}
			return "[" + strings.Join(parts, ", ") + "]"
		}
		return fmt.Sprintf("list of %d %s", len(val), plural(len(val), "item", "items"))
	case map[string]any:
		return fmt.Sprintf("object with %d %s", len(val), plural(len(val), "field", "fields"))
	default:
		return truncate(fmt.Sprint(val), summaryValueWidth)
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) && f < 1e15 && f > -1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', 6, 64)
}

func allNumbers(vals []any) bool {
	for _, v := range vals {
		if _, ok := v.(float64); !ok {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
