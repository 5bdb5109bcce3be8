package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/ollama/ollama/api"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/savecontext/savecontext/internal/config"
	"github.com/savecontext/savecontext/internal/credentials"
	"github.com/savecontext/savecontext/internal/embedding"
	"github.com/savecontext/savecontext/internal/storage/sqlite"
)

var embeddingsCmd = &cobra.Command{
	Use:   "embeddings",
	Short: "Inspect and manage the semantic search index",
}

var embeddingsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show embedding coverage and the active vector space",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEmbeddingsStatus(cmd.Context())
	},
}

var embeddingsBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Embed every pending or failed context item",
	Long: `Run the embedding pipeline until no pending or failed items remain.
Requires the configured provider to be reachable. Safe to run while a
server is up; both sides mark items atomically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEmbeddingsBackfill(cmd.Context())
	},
}

var embeddingsProvidersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List embedding providers and their availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEmbeddingsProviders(cmd.Context())
	},
}

var embeddingsModelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available on the configured Ollama server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEmbeddingsModels(cmd.Context())
	},
}

var embeddingsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all vectors and queue every item for re-embedding",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEmbeddingsReset(cmd)
	},
}

var embeddingsConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the embedding provider, model, and URL",
	Long: `Without flags, prints the current embedding configuration. With
--provider, --model, or --url, updates it. Switching the provider or
model invalidates existing vectors; with embedded items present you are
asked to confirm, the database is backed up, and everything is queued
for re-embedding.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEmbeddingsConfig(cmd)
	},
}

func init() {
	embeddingsResetCmd.Flags().Bool("force", false, "Skip the confirmation prompt")
	embeddingsConfigCmd.Flags().String("provider", "", "Embedding provider (ollama, remote, none)")
	embeddingsConfigCmd.Flags().String("model", "", "Embedding model name")
	embeddingsConfigCmd.Flags().String("url", "", "Provider base URL")
	embeddingsConfigCmd.Flags().Bool("force", false, "Skip the confirmation prompt")

	embeddingsCmd.AddCommand(embeddingsStatusCmd)
	embeddingsCmd.AddCommand(embeddingsBackfillCmd)
	embeddingsCmd.AddCommand(embeddingsProvidersCmd)
	embeddingsCmd.AddCommand(embeddingsModelsCmd)
	embeddingsCmd.AddCommand(embeddingsResetCmd)
	embeddingsCmd.AddCommand(embeddingsConfigCmd)
	rootCmd.AddCommand(embeddingsCmd)
}

// openStore opens the database for direct CLI access.
func openStore(ctx context.Context) (*sqlite.Store, error) {
	store, err := sqlite.New(ctx, config.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return store, nil
}

func openCreds() credentials.Store {
	return credentials.Open(filepath.Join(config.DataDir(), "credentials.json"))
}

func runEmbeddingsStatus(ctx context.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	stats, err := store.GetStats(ctx)
	if err != nil {
		return err
	}
	meta, err := store.GetVectorMeta(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		outputJSON(map[string]interface{}{
			"provider":       viper.GetString("embedding.provider"),
			"model":          viper.GetString("embedding.model"),
			"vector_space":   meta,
			"context_items":  stats.ContextItems,
			"embedded_items": stats.EmbeddedItems,
			"pending_items":  stats.PendingItems,
		})
		return nil
	}

	fmt.Println(headerStyle.Render("Embeddings"))
	fmt.Printf("  Provider: %s (model %s)\n",
		viper.GetString("embedding.provider"), viper.GetString("embedding.model"))
	if meta != nil {
		fmt.Printf("  Vector space: %d dimensions (%s/%s)\n", meta.Dimension, meta.Provider, meta.Model)
	} else {
		fmt.Println(mutedStyle.Render("  Vector space: not created yet"))
	}
	fmt.Printf("  Coverage: %d/%d items embedded", stats.EmbeddedItems, stats.ContextItems)
	if stats.PendingItems > 0 {
		fmt.Printf(", %s", warnStyle.Render(fmt.Sprintf("%d pending", stats.PendingItems)))
	}
	fmt.Println()
	if stats.PendingItems > 0 {
		fmt.Println(mutedStyle.Render("  Run: savecontext embeddings backfill"))
	}
	return nil
}

func runEmbeddingsBackfill(ctx context.Context) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	provider := buildProvider(openCreds())
	if provider == nil {
		return fmt.Errorf("no embedding provider configured (see: savecontext embeddings config)")
	}
	if !provider.Available(ctx) {
		return fmt.Errorf("provider %s is not reachable at %s", provider.Name(), viper.GetString("embedding.url"))
	}

	pipeline := embedding.NewPipeline(store, provider, viper.GetInt("embedding.workers"))
	if _, err := pipeline.EnsureSpace(ctx, func() error {
		return backupDatabase(config.DatabasePath())
	}); err != nil {
		return fmt.Errorf("preparing vector space: %w", err)
	}
	pipeline.Start(ctx)
	defer pipeline.Stop()

	// The pipeline sweeps pending and failed items on start; wait for the
	// counter to drain.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		stats, err := store.GetStats(ctx)
		if err != nil {
			return err
		}
		if stats.PendingItems == 0 {
			fmt.Println(okStyle.Render(fmt.Sprintf("Backfill complete: %d/%d items embedded",
				stats.EmbeddedItems, stats.ContextItems)))
			return nil
		}
		fmt.Printf("  %d items remaining...\n", stats.PendingItems)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func runEmbeddingsProviders(ctx context.Context) error {
	configured := viper.GetString("embedding.provider")
	type providerInfo struct {
		Name      string `json:"name"`
		Active    bool   `json:"active"`
		Available bool   `json:"available"`
	}
	var infos []providerInfo

	if p, err := embedding.NewOllamaProvider(viper.GetString("embedding.url"), viper.GetString("embedding.model")); err == nil {
		infos = append(infos, providerInfo{"ollama", configured == "ollama", p.Available(ctx)})
	} else {
		infos = append(infos, providerInfo{"ollama", configured == "ollama", false})
	}
	apiKey, _ := openCreds().Get("embedding-api-key")
	if p, err := embedding.NewRemoteProvider(viper.GetString("embedding.url"), viper.GetString("embedding.model"), apiKey); err == nil && configured == "remote" {
		infos = append(infos, providerInfo{"remote", true, p.Available(ctx)})
	} else {
		infos = append(infos, providerInfo{"remote", false, false})
	}
	infos = append(infos, providerInfo{"none", configured == "none" || configured == "", true})

	if jsonOutput {
		outputJSON(infos)
		return nil
	}
	for _, info := range infos {
		marker := " "
		if info.Active {
			marker = "*"
		}
		state := okStyle.Render("reachable")
		if !info.Available {
			state = mutedStyle.Render("unreachable")
		}
		fmt.Printf("%s %-8s %s\n", marker, info.Name, state)
	}
	return nil
}

func runEmbeddingsModels(ctx context.Context) error {
	if viper.GetString("embedding.provider") != "ollama" {
		return fmt.Errorf("model listing is only supported for the ollama provider")
	}
	u, err := url.Parse(viper.GetString("embedding.url"))
	if err != nil {
		return fmt.Errorf("invalid ollama url: %w", err)
	}
	client := api.NewClient(u, http.DefaultClient)
	resp, err := client.List(ctx)
	if err != nil {
		return fmt.Errorf("listing ollama models: %w", err)
	}

	if jsonOutput {
		outputJSON(resp.Models)
		return nil
	}
	current := viper.GetString("embedding.model")
	for _, m := range resp.Models {
		marker := " "
		if m.Name == current || m.Model == current {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, m.Name)
	}
	return nil
}

func runEmbeddingsReset(cmd *cobra.Command) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	force, _ := cmd.Flags().GetBool("force")
	if !force {
		if err := confirm("Delete all embeddings and re-queue every item?"); err != nil {
			return err
		}
	}

	count, err := store.ResetEmbeddings(ctx)
	if err != nil {
		return err
	}
	fmt.Println(okStyle.Render(fmt.Sprintf("Reset %d items to pending. Run: savecontext embeddings backfill", count)))
	return nil
}

func runEmbeddingsConfig(cmd *cobra.Command) error {
	ctx := cmd.Context()
	newProvider, _ := cmd.Flags().GetString("provider")
	newModel, _ := cmd.Flags().GetString("model")
	newURL, _ := cmd.Flags().GetString("url")
	force, _ := cmd.Flags().GetBool("force")

	if newProvider == "" && newModel == "" && newURL == "" {
		current := map[string]interface{}{
			"provider": viper.GetString("embedding.provider"),
			"model":    viper.GetString("embedding.model"),
			"url":      viper.GetString("embedding.url"),
			"workers":  viper.GetInt("embedding.workers"),
		}
		if jsonOutput {
			outputJSON(current)
		} else {
			fmt.Printf("provider: %s\nmodel:    %s\nurl:      %s\nworkers:  %d\n",
				current["provider"], current["model"], current["url"], current["workers"])
		}
		return nil
	}

	switch newProvider {
	case "", "ollama", "remote", "none":
	default:
		return fmt.Errorf("unknown provider %q (want ollama, remote, or none)", newProvider)
	}

	// Changing the space invalidates every stored vector.
	invalidates := (newProvider != "" && newProvider != viper.GetString("embedding.provider")) ||
		(newModel != "" && newModel != viper.GetString("embedding.model"))

	if invalidates {
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		stats, err := store.GetStats(ctx)
		if err != nil {
			return err
		}
		if stats.EmbeddedItems > 0 {
			if !force {
				prompt := fmt.Sprintf("Switching invalidates %d embedded items. Back up the database and re-embed?",
					stats.EmbeddedItems)
				if err := confirm(prompt); err != nil {
					return err
				}
			}
			if err := backupDatabase(config.DatabasePath()); err != nil {
				return err
			}
			if _, err := store.ResetEmbeddings(ctx); err != nil {
				return err
			}
		}
	}

	if newProvider != "" {
		viper.Set("embedding.provider", newProvider)
	}
	if newModel != "" {
		viper.Set("embedding.model", newModel)
	}
	if newURL != "" {
		viper.Set("embedding.url", newURL)
	}
	if err := config.Save(); err != nil {
		return err
	}
	fmt.Println(okStyle.Render("Embedding configuration updated."))
	if invalidates {
		fmt.Println(mutedStyle.Render("Run: savecontext embeddings backfill"))
	}
	return nil
}

// confirm asks the user before a destructive operation. A declined or
// aborted prompt exits with code 2 so scripts can tell "user said no"
// from a real failure.
func confirm(title string) error {
	var proceed bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Affirmative("Proceed").
			Negative("Cancel").
			Value(&proceed),
	))
	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			fmt.Fprintln(os.Stderr, "Canceled.")
			os.Exit(2)
		}
		return err
	}
	if !proceed {
		fmt.Fprintln(os.Stderr, "Canceled.")
		os.Exit(2)
	}
	return nil
}
