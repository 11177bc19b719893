package config

import "slices"

// ConfigDiff describes what changed between two configs: the log level, the
// system prompt, the filler phrases and the tool list. Provider selection is
// not tracked. Which of the reported changes can be applied without a
// restart is up to the caller.
type ConfigDiff struct {
	LogLevelChanged     bool
	NewLogLevel         LogLevel
	SystemPromptChanged bool
	FillerPhrasesChanged bool
	ToolsChanged        bool
	ToolChanges         []ToolDiff
}

// ToolDiff describes a single tool's enablement change between two configs.
type ToolDiff struct {
	Name    string
	Added   bool
	Removed bool
}

// Diff compares old and new configs and returns what changed among the
// fields [ConfigDiff] tracks.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.SystemPrompt != new.SystemPrompt {
		d.SystemPromptChanged = true
	}

	if !slices.Equal(old.FillerPhrases, new.FillerPhrases) {
		d.FillerPhrasesChanged = true
	}

	oldTools := make(map[string]bool, len(old.Tools))
	for _, t := range old.Tools {
		oldTools[t.Name] = true
	}
	newTools := make(map[string]bool, len(new.Tools))
	for _, t := range new.Tools {
		newTools[t.Name] = true
	}

	for name := range oldTools {
		if !newTools[name] {
			d.ToolChanges = append(d.ToolChanges, ToolDiff{Name: name, Removed: true})
			d.ToolsChanged = true
		}
	}
	for name := range newTools {
		if !oldTools[name] {
			d.ToolChanges = append(d.ToolChanges, ToolDiff{Name: name, Added: true})
			d.ToolsChanged = true
		}
	}

	return d
}
