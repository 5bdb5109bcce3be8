package hooks

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestMergeSettingsPreservesUnrelatedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	existing := `{
  "model": "custom-model",
  "hooks": {
    "PreToolUse": [{"matcher": "Bash", "hooks": []}]
  }
}`
	if err := os.WriteFile(path, []byte(existing), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := mergeSettings(path, "/tmp/statusline.sh"); err != nil {
		t.Fatalf("mergeSettings failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		t.Fatalf("merged settings are not valid JSON: %v", err)
	}

	if settings["model"] != "custom-model" {
		t.Error("unrelated top-level key lost")
	}
	hooks := settings["hooks"].(map[string]interface{})
	if _, ok := hooks["PreToolUse"]; !ok {
		t.Error("unrelated hook section lost")
	}
	post, _ := hooks["PostToolUse"].([]interface{})
	if !hasMatcher(post, hookMatcher) {
		t.Error("our PostToolUse matcher missing")
	}
	statusLine, _ := settings["statusLine"].(map[string]interface{})
	if statusLine["command"] != "/tmp/statusline.sh" {
		t.Errorf("statusLine = %v", statusLine)
	}
}

func TestMergeSettingsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	for i := 0; i < 2; i++ {
		if err := mergeSettings(path, "/tmp/statusline.sh"); err != nil {
			t.Fatalf("mergeSettings failed: %v", err)
		}
	}
	data, _ := os.ReadFile(path)
	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		t.Fatal(err)
	}
	hooks := settings["hooks"].(map[string]interface{})
	post := hooks["PostToolUse"].([]interface{})
	if len(post) != 1 {
		t.Errorf("hook installed %d times, want 1", len(post))
	}
}

func TestInstallSkill(t *testing.T) {
	home := t.TempDir()
	target, err := InstallSkill(home, "claude", "")
	if err != nil {
		t.Fatalf("InstallSkill failed: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("skill not written: %v", err)
	}
	if len(data) == 0 {
		t.Error("skill file is empty")
	}

	if _, err := InstallSkill(home, "unknown-tool", ""); err == nil {
		t.Error("unsupported tool should fail")
	}

	custom := filepath.Join(t.TempDir(), "skills")
	if _, err := InstallSkill(home, "anything", custom); err != nil {
		t.Errorf("override path should bypass the tool table: %v", err)
	}
}
