package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/savecontext/savecontext/internal/config"
	"github.com/savecontext/savecontext/internal/credentials"
	"github.com/savecontext/savecontext/internal/debug"
	"github.com/savecontext/savecontext/internal/embedding"
	"github.com/savecontext/savecontext/internal/httpapi"
	"github.com/savecontext/savecontext/internal/rpc"
	"github.com/savecontext/savecontext/internal/search"
	"github.com/savecontext/savecontext/internal/statuscache"
	"github.com/savecontext/savecontext/internal/storage/sqlite"
	"github.com/savecontext/savecontext/internal/syncqueue"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tool server on stdio",
	Long: `Run the savecontext tool server. Agents connect over stdio (one JSON
tool call per line); a unix socket at ~/.savecontext/savecontext.sock
serves the same protocol for CLI tooling, and when http.addr is
configured the dashboard API listens there too.

Only one serve instance runs per data directory; a second invocation
exits immediately instead of corrupting shared state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		httpAddr, _ := cmd.Flags().GetString("http")
		if httpAddr != "" {
			viper.Set("http.addr", httpAddr)
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().String("http", "", "Also serve the dashboard API on this address (e.g. 127.0.0.1:7333)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	if err := os.MkdirAll(config.DataDir(), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Single instance per data dir.
	lock := flock.New(config.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another savecontext serve is already running for %s", config.DataDir())
	}
	defer func() { _ = lock.Unlock() }()

	debug.InstallFileSink(config.LogPath())

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.New(ctx, config.DatabasePath())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = store.Close() }()

	creds := credentials.Open(filepath.Join(config.DataDir(), "credentials.json"))

	// Embedding pipeline. A missing or unreachable provider degrades search
	// to keyword mode rather than failing startup.
	var pipeline *embedding.Pipeline
	if provider := buildProvider(creds); provider != nil {
		pipeline = embedding.NewPipeline(store, provider, viper.GetInt("embedding.workers"))
		if _, err := pipeline.EnsureSpace(ctx, func() error {
			return backupDatabase(config.DatabasePath())
		}); err != nil {
			debug.Logf("serve: vector space check failed: %v", err)
		}
		pipeline.Start(ctx)
		defer pipeline.Stop()
	}

	queue, err := syncqueue.Load(config.SyncQueuePath())
	if err != nil {
		return fmt.Errorf("loading sync queue: %w", err)
	}
	var processor *syncqueue.Processor
	syncURL := viper.GetString("sync.url")
	if syncURL != "" {
		token, _ := creds.Get("sync-token")
		processor = syncqueue.NewProcessor(queue, &syncqueue.HTTPUploader{
			URL:    syncURL,
			Token:  token,
			Client: &http.Client{Timeout: 30 * time.Second},
		})
		processor.Start(ctx)
		defer processor.Stop()
	}

	status := statuscache.New(config.StatusCacheDir(), store)
	engine := search.NewEngine(store, pipeline, config.SearchThreshold())

	srv := rpc.NewServer(store, rpc.Options{
		Search:              engine,
		Pipeline:            pipeline,
		Queue:               queue,
		Processor:           processor,
		Status:              status,
		SyncURL:             syncURL,
		CompactionMode:      config.CompactionMode(),
		CompactionThreshold: config.CompactionThreshold(),
	})

	go func() {
		if err := srv.ServeSocket(ctx, config.SocketPath()); err != nil && ctx.Err() == nil {
			debug.Logf("serve: socket listener stopped: %v", err)
		}
	}()

	if addr := viper.GetString("http.addr"); addr != "" {
		go func() {
			debug.Logf("serve: dashboard API on %s", addr)
			if err := http.ListenAndServe(addr, httpapi.New(store).Router()); err != nil && ctx.Err() == nil {
				debug.Logf("serve: dashboard API stopped: %v", err)
			}
		}()
	}

	workDir, err := os.Getwd()
	if err != nil {
		workDir = ""
	}
	debug.Logf("serve: ready on stdio (workdir %s)", workDir)
	return srv.ServeStdio(ctx, workDir)
}

// buildProvider constructs the configured embedding backend, or nil when
// embeddings are disabled.
func buildProvider(creds credentials.Store) embedding.Provider {
	name := viper.GetString("embedding.provider")
	model := viper.GetString("embedding.model")
	url := viper.GetString("embedding.url")
	switch name {
	case "ollama":
		p, err := embedding.NewOllamaProvider(url, model)
		if err != nil {
			debug.Logf("serve: ollama provider unavailable: %v", err)
			return nil
		}
		return p
	case "remote":
		apiKey, _ := creds.Get("embedding-api-key")
		p, err := embedding.NewRemoteProvider(url, model, apiKey)
		if err != nil {
			debug.Logf("serve: remote provider unavailable: %v", err)
			return nil
		}
		return p
	case "none", "":
		return nil
	default:
		debug.Logf("serve: unknown embedding provider %q, embeddings disabled", name)
		return nil
	}
}

// backupDatabase copies the live database into the backup directory before
// destructive vector-space changes.
func backupDatabase(dbPath string) error {
	data, err := os.ReadFile(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading database: %w", err)
	}
	if err := os.MkdirAll(config.BackupDir(), 0o755); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}
	name := fmt.Sprintf("savecontext-%s.db", time.Now().Format("20060102-150405"))
	target := filepath.Join(config.BackupDir(), name)
	if err := os.WriteFile(target, data, 0o600); err != nil {
		return fmt.Errorf("writing backup: %w", err)
	}
	debug.Logf("backup: database copied to %s", target)
	return nil
}
