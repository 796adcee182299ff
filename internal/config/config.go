package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rmcp-dev/rmcp/pkg/types"
	"github.com/tidwall/jsonc"
)

// Defaults applied by Normalize.
const (
	DefaultTransport     = "stdio"
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 8000
	DefaultTimeout       = 120 * time.Second
	DefaultMaxConcurrent = 4
	DefaultMaxOutput     = 64 * 1024
	DefaultIdleTimeout   = 30 * time.Minute
)

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/rmcp/)
// 2. Project config (rmcp.json, .rmcp/)
// 3. RMCP_CONFIG file
// 4. RMCP_CONFIG_CONTENT inline JSON
// 5. Environment variables
func Load(directory string) (*types.Config, error) {
	config := &types.Config{}

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)
	var firstErr error

	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return
		}
		if err := loadConfigFile(path, config, baseDir); err == nil {
			loaded[absPath] = true
		} else if !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("config %s: %w", path, err)
		}
	}

	// 1. XDG-compatible global config
	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "rmcp.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "rmcp.jsonc"), globalPath)

	// 2. Project config
	if directory != "" {
		projectConfigDir := filepath.Join(directory, ".rmcp")
		loadOnce(filepath.Join(directory, "rmcp.json"), directory)
		loadOnce(filepath.Join(directory, "rmcp.jsonc"), directory)
		loadOnce(filepath.Join(projectConfigDir, "rmcp.json"), projectConfigDir)
		loadOnce(filepath.Join(projectConfigDir, "rmcp.jsonc"), projectConfigDir)
	}

	// 3. RMCP_CONFIG file override
	if configPath := os.Getenv("RMCP_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	// 4. RMCP_CONFIG_CONTENT inline JSON
	if content := os.Getenv("RMCP_CONFIG_CONTENT"); content != "" {
		var inline types.Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("RMCP_CONFIG_CONTENT: %w", err)
			}
		} else {
			mergeConfig(config, &inline)
		}
	}

	// 5. Environment variables (highest priority)
	applyEnvOverrides(config)

	Normalize(config, directory)

	return config, firstErr
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Strip JSONC comments and trailing commas
	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return jsonEscape(os.Getenv(envPattern.FindStringSubmatch(match)[1]))
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := expandPath(filePattern.FindStringSubmatch(match)[1], baseDir)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}
		return jsonEscape(strings.TrimRight(string(content), "\r\n"))
	})

	return []byte(str)
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

func expandPath(p, baseDir string) string {
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(os.Getenv("HOME"), p[2:])
	}
	if !filepath.IsAbs(p) && baseDir != "" {
		return filepath.Join(baseDir, p)
	}
	return p
}

// mergeConfig merges source config into target. Scalars in source win when set;
// sections are merged field by field.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Transport != "" {
		target.Transport = source.Transport
	}

	if source.HTTP != nil {
		if target.HTTP == nil {
			target.HTTP = &types.HTTPConfig{}
		}
		h, s := target.HTTP, source.HTTP
		if s.Host != "" {
			h.Host = s.Host
		}
		if s.Port != 0 {
			h.Port = s.Port
		}
		if s.TLSCert != "" {
			h.TLSCert = s.TLSCert
		}
		if s.TLSKey != "" {
			h.TLSKey = s.TLSKey
		}
		if len(s.CORSOrigin) > 0 {
			h.CORSOrigin = s.CORSOrigin
		}
		if s.StrictSessions {
			h.StrictSessions = true
		}
		if s.SessionIdleTimeout != 0 {
			h.SessionIdleTimeout = s.SessionIdleTimeout
		}
	}

	if source.Sandbox != nil {
		if target.Sandbox == nil {
			target.Sandbox = &types.SandboxConfig{}
		}
		if len(source.Sandbox.Roots) > 0 {
			target.Sandbox.Roots = source.Sandbox.Roots
		}
		if len(source.Sandbox.Deny) > 0 {
			target.Sandbox.Deny = append(target.Sandbox.Deny, source.Sandbox.Deny...)
		}
		if source.Sandbox.ReadOnly {
			target.Sandbox.ReadOnly = true
		}
	}

	if source.Runtime != nil {
		if target.Runtime == nil {
			target.Runtime = &types.RuntimeConfig{}
		}
		r, s := target.Runtime, source.Runtime
		if len(s.Command) > 0 {
			r.Command = s.Command
		}
		if s.Timeout > 0 {
			r.Timeout = s.Timeout
		}
		if s.MaxConcurrent > 0 {
			r.MaxConcurrent = s.MaxConcurrent
		}
		if s.MaxOutput > 0 {
			r.MaxOutput = s.MaxOutput
		}
		if s.Environment != nil {
			if r.Environment == nil {
				r.Environment = make(map[string]string)
			}
			for k, v := range s.Environment {
				r.Environment[k] = v
			}
		}
	}

	if source.Security != nil {
		target.Security = source.Security
	}

	if source.Log != nil {
		target.Log = source.Log
	}

	if source.Tools != nil {
		if target.Tools == nil {
			target.Tools = make(map[string]bool)
		}
		for k, v := range source.Tools {
			target.Tools[k] = v
		}
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	if v := os.Getenv("RMCP_TRANSPORT"); v != "" {
		config.Transport = v
	}

	if v := os.Getenv("RMCP_HOST"); v != "" {
		ensureHTTP(config).Host = v
	}
	if v := os.Getenv("RMCP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			ensureHTTP(config).Port = port
		}
	}

	if v := os.Getenv("RMCP_SESSION_IDLE_TIMEOUT"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			ensureHTTP(config).SessionIdleTimeout = ms
		}
	}

	if v := os.Getenv("RMCP_ROOTS"); v != "" {
		ensureSandbox(config).Roots = filepath.SplitList(v)
	}
	if v := os.Getenv("RMCP_READ_ONLY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			ensureSandbox(config).ReadOnly = b
		}
	}

	if v := os.Getenv("RMCP_RSCRIPT"); v != "" {
		ensureRuntime(config).Command = strings.Fields(v)
	}
	if v := os.Getenv("RMCP_TIMEOUT"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			ensureRuntime(config).Timeout = ms
		}
	}

	if v := os.Getenv("RMCP_LOG_LEVEL"); v != "" {
		if config.Log == nil {
			config.Log = &types.LogConfig{}
		}
		config.Log.Level = v
	}
}

// Normalize fills defaults and resolves sandbox roots relative to directory.
func Normalize(config *types.Config, directory string) {
	if config.Transport == "" {
		config.Transport = DefaultTransport
	}

	h := ensureHTTP(config)
	if h.Host == "" {
		h.Host = DefaultHost
	}
	if h.Port == 0 {
		h.Port = DefaultPort
	}
	if h.SessionIdleTimeout == 0 {
		h.SessionIdleTimeout = int(DefaultIdleTimeout / time.Millisecond)
	}

	s := ensureSandbox(config)
	if len(s.Roots) == 0 && directory != "" {
		s.Roots = []string{directory}
	}
	for i, root := range s.Roots {
		root = expandPath(root, directory)
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		s.Roots[i] = root
	}

	r := ensureRuntime(config)
	if len(r.Command) == 0 {
		r.Command = []string{"Rscript", "--vanilla"}
	}
	if r.Timeout <= 0 {
		r.Timeout = int(DefaultTimeout / time.Millisecond)
	}
	if r.MaxConcurrent <= 0 {
		r.MaxConcurrent = DefaultMaxConcurrent
	}
	if r.MaxOutput <= 0 {
		r.MaxOutput = DefaultMaxOutput
	}

	if config.Log == nil {
		config.Log = &types.LogConfig{Level: "INFO"}
	}
}

func ensureHTTP(config *types.Config) *types.HTTPConfig {
	if config.HTTP == nil {
		config.HTTP = &types.HTTPConfig{}
	}
	return config.HTTP
}

func ensureSandbox(config *types.Config) *types.SandboxConfig {
	if config.Sandbox == nil {
		config.Sandbox = &types.SandboxConfig{}
	}
	return config.Sandbox
}

func ensureRuntime(config *types.Config) *types.RuntimeConfig {
	if config.Runtime == nil {
		config.Runtime = &types.RuntimeConfig{}
	}
	return config.Runtime
}

// RuntimeTimeout returns the configured runtime timeout as a duration.
func RuntimeTimeout(config *types.Config) time.Duration {
	if config.Runtime == nil || config.Runtime.Timeout <= 0 {
		return DefaultTimeout
	}
	return time.Duration(config.Runtime.Timeout) * time.Millisecond
}

// SessionIdleTimeout returns how long a session may stay idle, or zero when
// idle sessions are kept.
func SessionIdleTimeout(config *types.Config) time.Duration {
	if config.HTTP == nil || config.HTTP.SessionIdleTimeout == 0 {
		return DefaultIdleTimeout
	}
	if config.HTTP.SessionIdleTimeout < 0 {
		return 0
	}
	return time.Duration(config.HTTP.SessionIdleTimeout) * time.Millisecond
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
