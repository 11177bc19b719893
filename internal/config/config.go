// Package config provides the configuration schema, loader, and provider
// registry for the voxrelay real-time voice-assistant orchestrator.
package config

import "fmt"

// Config is the root configuration structure for voxrelay. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig    `yaml:"server"`
	Providers     ProvidersConfig `yaml:"providers"`
	Tools         []ToolEntry     `yaml:"tools"`
	FillerPhrases []string        `yaml:"filler_phrases"`
	SystemPrompt  string          `yaml:"system_prompt"`
}

// ServerConfig holds network and logging settings for the voxrelay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel names a slog verbosity level accepted in configuration.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised level names.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// ProvidersConfig declares which back-end implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry]; an empty Name leaves that stage unconfigured.
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "whispercpp").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. The shipped
	// adapters read no environment variables: openai and elevenlabs reject
	// an empty key, and whispercpp ignores it.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above. Values may be strings, numbers, booleans,
	// or nested maps.
	Options map[string]any `yaml:"options"`
}

// ToolEntry enables a single tool from the process's built-in tool registry
// and carries any tool-specific configuration it needs.
type ToolEntry struct {
	// Name selects a built-in tool by name (e.g., "roll"). An unknown name
	// is not a validation error: cmd/voxrelay logs a warning and skips it,
	// both at startup and on hot reload.
	Name string `yaml:"name"`

	// Options holds tool-specific settings; most tools ignore it.
	Options map[string]any `yaml:"options"`
}

// String renders a ProviderEntry for logging without leaking APIKey.
func (p ProviderEntry) String() string {
	if p.Name == "" {
		return "(unconfigured)"
	}
	return fmt.Sprintf("%s(model=%s)", p.Name, p.Model)
}
