package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/savecontext/savecontext/internal/config"
	"github.com/savecontext/savecontext/internal/hooks"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "0.3.0"
	Build   = "dev"
)

// jsonOutput switches human output to JSON across commands.
var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:   "savecontext",
	Short: "Shared context, issues, and plans for AI coding agents",
	Long: `savecontext keeps working memory for AI coding agents: sessions and
their context items, checkpoints, issues with dependencies, plans, and
project memory, all in a local SQLite database under ~/.savecontext.

Agents talk to it over the tool protocol (savecontext serve); the CLI is
for humans checking status, managing embeddings, and installing the
status line and skill into agent configs.

Examples:
  savecontext serve                   # run the tool server on stdio
  savecontext status                  # current sessions and queue state
  savecontext embeddings status       # embedding coverage and provider
  savecontext --setup-statusline      # install the Claude Code status line
  savecontext --setup-skill           # install the savecontext skill`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.Init()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		setupStatusline, _ := cmd.Flags().GetBool("setup-statusline")
		setupSkill, _ := cmd.Flags().GetBool("setup-skill")
		syncSkills, _ := cmd.Flags().GetBool("sync")
		if setupStatusline || setupSkill || syncSkills {
			return runSetup(cmd, setupStatusline, setupSkill, syncSkills)
		}
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.Flags().Bool("setup-statusline", false, "Install the status line into Claude Code settings")
	rootCmd.Flags().Bool("setup-skill", false, "Install the savecontext skill for an agent tool")
	rootCmd.Flags().String("tool", "claude", "Agent tool to install the skill for (claude, codex)")
	rootCmd.Flags().String("path", "", "Install the skill into this directory instead of the tool default")
	rootCmd.Flags().Bool("sync", false, "Re-install the skill for every previously installed tool")
}

// runSetup handles the root-level install flags. Installs are recorded in
// config so --sync can re-apply them after upgrades.
func runSetup(cmd *cobra.Command, statusline, skill, sync bool) error {
	if statusline {
		scriptPath, err := hooks.InstallStatusline(hooks.DefaultSettingsPath())
		if err != nil {
			return fmt.Errorf("installing statusline: %w", err)
		}
		fmt.Printf("Status line installed: %s\n", scriptPath)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	if skill {
		tool, _ := cmd.Flags().GetString("tool")
		overridePath, _ := cmd.Flags().GetString("path")
		target, err := hooks.InstallSkill(home, tool, overridePath)
		if err != nil {
			return fmt.Errorf("installing skill: %w", err)
		}
		recordSkillInstall(tool)
		fmt.Printf("Skill installed: %s\n", target)
	}

	if sync {
		tools := viper.GetStringSlice("skill.installs")
		if len(tools) == 0 {
			fmt.Println("No recorded skill installs to sync.")
			return nil
		}
		installed, err := hooks.SyncSkills(home, tools)
		if err != nil {
			return fmt.Errorf("syncing skills: %w", err)
		}
		fmt.Printf("Re-installed skill for %s\n", strings.Join(tools, ", "))
		for _, target := range installed {
			fmt.Printf("  %s\n", target)
		}
	}
	return nil
}

func recordSkillInstall(tool string) {
	installs := viper.GetStringSlice("skill.installs")
	for _, t := range installs {
		if t == tool {
			return
		}
	}
	viper.Set("skill.installs", append(installs, tool))
	if err := config.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not record install: %v\n", err)
	}
}
