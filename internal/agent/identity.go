// Package agent derives stable agent identities and channels from the
// caller's environment: working directory, git branch, and client provider.
package agent

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/savecontext/savecontext/internal/types"
)

// providerAliases normalizes client names reported over the wire to short
// provider slugs. Unknown clients fall back to a slug of the raw name.
var providerAliases = map[string]string{
	"claude-code":    "claude",
	"claude":         "claude",
	"claude-desktop": "claude",
	"cursor":         "cursor",
	"windsurf":       "windsurf",
	"cline":          "cline",
	"copilot":        "copilot",
	"github-copilot": "copilot",
	"zed":            "zed",
	"codex":          "codex",
	"gemini-cli":     "gemini",
	"gemini":         "gemini",
}

// NormalizeProvider maps a client-reported name to a provider slug.
func NormalizeProvider(clientName string) string {
	name := Slugify(clientName)
	if name == "" {
		return "unknown"
	}
	if alias, ok := providerAliases[name]; ok {
		return alias
	}
	// Strip common suffixes before a second alias lookup.
	for _, suffix := range []string{"-cli", "-ide", "-app"} {
		if trimmed := strings.TrimSuffix(name, suffix); trimmed != name {
			if alias, ok := providerAliases[trimmed]; ok {
				return alias
			}
			return trimmed
		}
	}
	return name
}

// DeriveID returns the agent identity for this process:
//  1. SAVECONTEXT_AGENT_ID wins when set.
//  2. Without a working directory, the identity is global per provider.
//  3. Otherwise <dir-basename>-<branch>-<provider>, each part slugged.
func DeriveID(cwd, branch, provider string) string {
	if explicit := os.Getenv("SAVECONTEXT_AGENT_ID"); explicit != "" {
		return explicit
	}
	if provider == "" {
		provider = "unknown"
	}
	if cwd == "" {
		return "global-" + provider
	}
	base := Slugify(filepath.Base(cwd))
	if base == "" {
		return "global-" + provider
	}
	b := Slugify(branch)
	if b == "" {
		b = "nobranch"
	}
	return base + "-" + b + "-" + provider
}

// DeriveChannel maps a git branch to a context channel. Mainline branches
// share "general"; everything else gets a slug truncated to the channel
// length limit.
func DeriveChannel(branch string) string {
	switch branch {
	case "", "main", "master":
		return "general"
	}
	slug := Slugify(branch)
	if slug == "" {
		return "general"
	}
	if len(slug) > types.MaxChannelLen {
		slug = strings.Trim(slug[:types.MaxChannelLen], "-")
		if slug == "" {
			return "general"
		}
	}
	return slug
}

// Slugify lowercases s and collapses every non-alphanumeric run to a
// single hyphen.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(s) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
