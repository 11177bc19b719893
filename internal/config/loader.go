package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per pipeline stage. Used by
// [Validate] to warn about unrecognised provider names without rejecting
// them outright — a name the server doesn't ship an adapter for today may
// still be registered by an operator's own build.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama"},
	"stt": {"whispercpp", "deepgram"},
	"tts": {"elevenlabs", "piper"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found, rather than stopping
// at the first one.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; clients must negotiate hasSTT:true and send pre-transcribed text")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; responses will be text-only")
	}

	toolNamesSeen := make(map[string]int, len(cfg.Tools))
	for i, t := range cfg.Tools {
		prefix := fmt.Sprintf("tools[%d]", i)
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := toolNamesSeen[t.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools[%d]", prefix, t.Name, prev))
		}
		toolNamesSeen[t.Name] = i
	}

	if cfg.SystemPrompt == "" {
		slog.Warn("system_prompt is empty; the LLM will run with no persona or instructions")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given stage.
func validateProviderName(stage, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[stage]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or a custom build",
		"stage", stage,
		"name", name,
		"known", known,
	)
}
