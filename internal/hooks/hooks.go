// Package hooks installs the status line and skill into AI tool configs.
// Settings merges preserve every key we do not own.
package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/savecontext/savecontext/internal/config"
)

// hookMatcher selects our tools in the client's post-tool hook.
const hookMatcher = "mcp__savecontext__.*"

// statuslineScript renders the agent's status snapshot on one line. It
// degrades to a plain marker when no snapshot exists yet.
const statuslineScript = `#!/bin/sh
# savecontext status line: newest snapshot from the status cache.
cache_dir="${SAVECONTEXT_DATA_DIR:-$HOME/.savecontext}/status-cache"
snap=$(ls -t "$cache_dir"/*.json 2>/dev/null | head -n 1)
if [ -z "$snap" ]; then
  printf 'savecontext: no session'
  exit 0
fi
if command -v jq >/dev/null 2>&1; then
  jq -r '"savecontext: " + (.session_name // "no session") +
    " | " + ((.item_count // 0) | tostring) + " items" +
    " | " + ((.open_issues // 0) | tostring) + " open issues"' "$snap"
else
  printf 'savecontext: %s' "$(basename "$snap" .json)"
fi
`

// InstallStatusline writes the status-line script and merges the
// statusLine + PostToolUse hook into the client settings file.
func InstallStatusline(settingsPath string) (scriptPath string, err error) {
	scriptPath = filepath.Join(config.DataDir(), "statusline.sh")
	if err := os.MkdirAll(config.DataDir(), 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(scriptPath, []byte(statuslineScript), 0o755); err != nil {
		return "", fmt.Errorf("failed to write statusline script: %w", err)
	}
	if err := mergeSettings(settingsPath, scriptPath); err != nil {
		return "", err
	}
	return scriptPath, nil
}

// DefaultSettingsPath is the client settings file the statusline installs
// into.
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "settings.json")
}

// mergeSettings sets statusLine and appends our PostToolUse hook while
// keeping unrelated settings untouched.
func mergeSettings(path, scriptPath string) error {
	settings := map[string]interface{}{}
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &settings); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	settings["statusLine"] = map[string]interface{}{
		"type":    "command",
		"command": scriptPath,
	}

	hooks, _ := settings["hooks"].(map[string]interface{})
	if hooks == nil {
		hooks = map[string]interface{}{}
	}
	postToolUse, _ := hooks["PostToolUse"].([]interface{})
	if !hasMatcher(postToolUse, hookMatcher) {
		postToolUse = append(postToolUse, map[string]interface{}{
			"matcher": hookMatcher,
			"hooks": []interface{}{
				map[string]interface{}{"type": "command", "command": scriptPath},
			},
		})
	}
	hooks["PostToolUse"] = postToolUse
	settings["hooks"] = hooks

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}

func hasMatcher(entries []interface{}, matcher string) bool {
	for _, e := range entries {
		m, ok := e.(map[string]interface{})
		if ok && m["matcher"] == matcher {
			return true
		}
	}
	return false
}

// skillContent teaches the agent how to use savecontext.
const skillContent = `---
name: savecontext
description: Persist and retrieve session context, issues, plans, and checkpoints across conversations.
---

# savecontext

Use the savecontext tools to keep working memory across conversations:

- Call session_start when you begin working in a repository.
- Save decisions, progress, and reminders with context_save as you make them.
- Before the context window fills up, call context_prepare_compaction to
  checkpoint the session and get a summary to carry forward.
- Track multi-step work as issues (issue_create, get_next_block,
  issue_complete) so other agents can pick it up.
`

// skillDirs maps supported tools to their skill locations under $HOME.
var skillDirs = map[string]string{
	"claude": filepath.Join(".claude", "skills", "savecontext"),
	"codex":  filepath.Join(".codex", "skills", "savecontext"),
}

// InstallSkill writes the skill for one tool and records the install so
// --sync can re-apply it later.
func InstallSkill(home, tool, overridePath string) (string, error) {
	dir := overridePath
	if dir == "" {
		rel, ok := skillDirs[tool]
		if !ok {
			return "", fmt.Errorf("unsupported tool %q", tool)
		}
		dir = filepath.Join(home, rel)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create skill directory: %w", err)
	}
	target := filepath.Join(dir, "SKILL.md")
	if err := os.WriteFile(target, []byte(skillContent), 0o644); err != nil {
		return "", fmt.Errorf("failed to write skill: %w", err)
	}
	return target, nil
}

// SyncSkills re-applies the skill to every previously installed tool.
func SyncSkills(home string, tools []string) ([]string, error) {
	var installed []string
	for _, tool := range tools {
		target, err := InstallSkill(home, tool, "")
		if err != nil {
			return installed, err
		}
		installed = append(installed, target)
	}
	return installed, nil
}
