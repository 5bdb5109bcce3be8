package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/savecontext/savecontext/internal/config"
	"github.com/savecontext/savecontext/internal/rpc"
	"github.com/savecontext/savecontext/internal/statuscache"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"stats"},
	Short:   "Show store overview and running-server state",
	Long: `Show a snapshot of the savecontext store: session, item, and issue
counts, embedding coverage, and the offline sync queue.

When a server is running the numbers come from it over the unix socket;
otherwise the last status-cache snapshots are shown.

Examples:
  savecontext status           # human summary
  savecontext status --json    # machine-readable`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus() error {
	if env, err := callServer(&rpc.Request{Name: rpc.OpGetStats}); err == nil {
		return printServerStatus(env)
	}
	return printCachedStatus()
}

// callServer sends one request to a running serve instance.
func callServer(req *rpc.Request) (*rpc.Envelope, error) {
	conn, err := rpc.Dial(config.SocketPath())
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	env, err := rpc.Call(conn, conn, req)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		if env.Error != nil {
			return nil, fmt.Errorf("%s", env.Error.Message)
		}
		return nil, fmt.Errorf("request failed")
	}
	return env, nil
}

func printServerStatus(env *rpc.Envelope) error {
	if jsonOutput {
		outputJSON(env.Data)
		return nil
	}

	// Data round-trips through JSON, so it arrives as a generic map.
	data, _ := env.Data.(map[string]interface{})
	stats, _ := data["stats"].(map[string]interface{})
	num := func(key string) int {
		v, _ := stats[key].(float64)
		return int(v)
	}

	fmt.Println(headerStyle.Render("savecontext"))
	fmt.Printf("  Sessions:  %d (%d active)\n", num("sessions"), num("active_sessions"))
	fmt.Printf("  Items:     %d (%d embedded, %d pending)\n",
		num("context_items"), num("embedded_items"), num("pending_items"))
	fmt.Printf("  Issues:    %d (%d open)\n", num("issues"), num("open_issues"))
	fmt.Printf("  Plans:     %d   Checkpoints: %d   Memory: %d\n",
		num("plans"), num("checkpoints"), num("memory_entries"))

	if queueSize, ok := data["queue_size"].(float64); ok && queueSize > 0 {
		fmt.Println(warnStyle.Render(fmt.Sprintf("  Sync queue: %d pending uploads", int(queueSize))))
	}
	if authLost, _ := data["auth_lost"].(bool); authLost {
		fmt.Println(warnStyle.Render("  Sync auth lost: sign in again"))
	}
	return nil
}

// printCachedStatus renders the last per-agent snapshots when no server is
// running.
func printCachedStatus() error {
	entries, err := os.ReadDir(config.StatusCacheDir())
	if err != nil || len(entries) == 0 {
		if jsonOutput {
			outputJSON(map[string]interface{}{"running": false, "agents": []interface{}{}})
			return nil
		}
		fmt.Println(mutedStyle.Render("No server running and no cached status. Start one with: savecontext serve"))
		return nil
	}

	var snaps []*statuscache.Snapshot
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(config.StatusCacheDir(), entry.Name()))
		if err != nil {
			continue
		}
		var snap statuscache.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		snaps = append(snaps, &snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].UpdatedAt > snaps[j].UpdatedAt })

	if jsonOutput {
		outputJSON(map[string]interface{}{"running": false, "agents": snaps})
		return nil
	}

	fmt.Println(headerStyle.Render("savecontext") + mutedStyle.Render(" (server not running, cached)"))
	for _, snap := range snaps {
		name := snap.SessionName
		if name == "" {
			name = "no session"
		}
		fmt.Printf("  %s: %s | %d items | %d open issues (%d ready)\n",
			snap.AgentID, name, snap.ItemCount, snap.OpenIssues, snap.ReadyIssues)
	}
	return nil
}
