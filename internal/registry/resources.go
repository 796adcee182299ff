package registry

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rmcp-dev/rmcp/internal/session"
)

// ResourceHandler produces a resource's content: a string is sent as text,
// a []byte as a base64 blob and anything else as JSON text.
type ResourceHandler func(rc *session.Context) (any, error)

// Resource is a registered resource definition, keyed by URI.
type Resource struct {
	URI         string
	Name        string
	Title       string
	Description string
	MIMEType    string
	Handler     ResourceHandler
}

// ResourceInfo is the resources/list wire form.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ResourceTemplate is the resources/templates/list wire form.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// Resources is the resource registry.
type Resources struct {
	*Catalog[*Resource]
	Templates *Catalog[ResourceTemplate]
}

// NewResources creates an empty resource registry.
func NewResources() *Resources {
	return &Resources{
		Catalog:   NewCatalog[*Resource]("resource"),
		Templates: NewCatalog[ResourceTemplate]("resource template"),
	}
}

// Register adds a resource, replacing any with the same URI.
func (r *Resources) Register(res Resource) error {
	if res.URI == "" {
		return fmt.Errorf("resource has no URI")
	}
	if res.Handler == nil {
		return fmt.Errorf("resource %q has no handler", res.URI)
	}
	if res.Name == "" {
		res.Name = res.URI
	}
	r.Put(res.URI, &res)
	return nil
}

// MustRegister is Register for static definitions.
func (r *Resources) MustRegister(res Resource) {
	if err := r.Register(res); err != nil {
		panic(err)
	}
}

// List returns one page of resource descriptions.
func (r *Resources) List(cursor string, limit int) ([]ResourceInfo, string, error) {
	items, next, err := r.Page(cursor, limit)
	if err != nil {
		return nil, "", err
	}
	infos := make([]ResourceInfo, len(items))
	for i, res := range items {
		infos[i] = ResourceInfo{
			URI:         res.URI,
			Name:        res.Name,
			Title:       res.Title,
			Description: res.Description,
			MIMEType:    res.MIMEType,
		}
	}
	return infos, next, nil
}

// Read returns a resource's contents.
func (r *Resources) Read(rc *session.Context, uri string) ([]mcp.ResourceContents, error) {
	res, err := r.Lookup(uri)
	if err != nil {
		return nil, err
	}
	if err := rc.CheckCancellation(); err != nil {
		return nil, err
	}

	v, err := readResource(rc, res)
	if err != nil {
		return nil, err
	}

	mime := res.MIMEType
	switch val := v.(type) {
	case string:
		if mime == "" {
			mime = "text/plain"
		}
		return []mcp.ResourceContents{mcp.TextResourceContents{URI: uri, MIMEType: mime, Text: val}}, nil
	case []byte:
		if mime == "" {
			mime = "application/octet-stream"
		}
		return []mcp.ResourceContents{mcp.BlobResourceContents{
			URI:      uri,
			MIMEType: mime,
			Blob:     base64.StdEncoding.EncodeToString(val),
		}}, nil
	default:
		data, err := json.MarshalIndent(val, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("resource %q is not serializable: %w", uri, err)
		}
		if mime == "" {
			mime = "application/json"
		}
		return []mcp.ResourceContents{mcp.TextResourceContents{URI: uri, MIMEType: mime, Text: string(data)}}, nil
	}
}

func readResource(rc *session.Context, res *Resource) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			rc.Error().
				Str("uri", res.URI).
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("Resource handler panicked")
			v, err = nil, errors.New("internal error while reading the resource")
		}
	}()
	return res.Handler(rc)
}
