// Package types provides the configuration and wire types shared by rmcp packages.
package types

// Config represents the rmcp server configuration.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty"`

	// Transport selects the default transport: "stdio" | "http"
	Transport string `json:"transport,omitempty"`

	// HTTP transport settings
	HTTP *HTTPConfig `json:"http,omitempty"`

	// Filesystem sandbox
	Sandbox *SandboxConfig `json:"sandbox,omitempty"`

	// External R runtime
	Runtime *RuntimeConfig `json:"runtime,omitempty"`

	// Operation approval gate
	Security *SecurityConfig `json:"security,omitempty"`

	// Logging
	Log *LogConfig `json:"log,omitempty"`

	// Global tools enable/disable
	Tools map[string]bool `json:"tools,omitempty"`
}

// HTTPConfig holds network transport configuration.
type HTTPConfig struct {
	Host       string   `json:"host,omitempty"`
	Port       int      `json:"port,omitempty"`
	TLSCert    string   `json:"tlsCert,omitempty"`
	TLSKey     string   `json:"tlsKey,omitempty"`
	CORSOrigin []string `json:"corsOrigins,omitempty"`

	// StrictSessions rejects unknown session ids instead of starting a fresh session.
	StrictSessions bool `json:"strictSessions,omitempty"`

	// SessionIdleTimeout closes sessions idle for this long (milliseconds).
	// Zero selects the default; a negative value keeps idle sessions forever.
	SessionIdleTimeout int `json:"sessionIdleTimeout,omitempty"`
}

// SandboxConfig holds the allow-listed filesystem roots.
type SandboxConfig struct {
	Roots    []string `json:"roots,omitempty"`
	ReadOnly bool     `json:"readOnly,omitempty"`
	Deny     []string `json:"deny,omitempty"` // doublestar patterns
}

// RuntimeConfig holds the external R runtime settings.
type RuntimeConfig struct {
	Command       []string          `json:"command,omitempty"` // default: ["Rscript", "--vanilla"]
	Timeout       int               `json:"timeout,omitempty"` // milliseconds
	MaxConcurrent int               `json:"maxConcurrent,omitempty"`
	MaxOutput     int               `json:"maxOutput,omitempty"` // bytes of stdout/stderr kept
	Environment   map[string]string `json:"environment,omitempty"`
}

// SecurityConfig holds approval gate settings.
type SecurityConfig struct {
	// CategoriesFile replaces the built-in operation categories (YAML).
	CategoriesFile string `json:"categoriesFile,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `json:"level,omitempty"` // "DEBUG"|"INFO"|"WARN"|"ERROR"
	Pretty bool   `json:"pretty,omitempty"`
	File   bool   `json:"file,omitempty"`
	Dir    string `json:"dir,omitempty"`
}
