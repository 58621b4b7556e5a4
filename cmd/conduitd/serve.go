package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaymesh/conduit/internal/classifier"
	"github.com/relaymesh/conduit/internal/consumption"
	"github.com/relaymesh/conduit/internal/contextwindow"
	"github.com/relaymesh/conduit/internal/domain"
	"github.com/relaymesh/conduit/internal/domainstore"
	"github.com/relaymesh/conduit/internal/executor"
	"github.com/relaymesh/conduit/internal/httpapi"
	"github.com/relaymesh/conduit/internal/kg"
	"github.com/relaymesh/conduit/internal/orchestrator"
	"github.com/relaymesh/conduit/internal/providers"
	"github.com/relaymesh/conduit/internal/runtime"
	"github.com/relaymesh/conduit/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// buildClassifierModel resolves a dedicated, fixed model for capability
// classification (spec §4.5) independent of any one profile's own LLM —
// classifying a profile's tools happens before that profile's model is
// necessarily known to be healthy. If no credentials are configured it
// returns a classifier with no Model, which puts every item in the
// "uncategorized" bucket.
func buildClassifierModel(ctx context.Context, resolver *providers.Resolver) *executor.LanguageModelClassifier {
	provider := viper.GetString("classifier-provider")
	if provider == "" {
		provider = "anthropic"
	}
	model := viper.GetString("classifier-model")
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}

	cfg := &domain.LLMConfig{Provider: provider, Model: model}
	apiKey, err := resolver.ResolveCredentials(cfg, "")
	if err != nil {
		log.Warn("no classifier credentials configured, capability classification will use the uncategorized fallback", "err", err)
		return &executor.LanguageModelClassifier{}
	}

	lm, err := resolver.BuildLanguageModel(ctx, cfg, apiKey)
	if err != nil {
		log.Warn("failed to build classifier language model, falling back to uncategorized", "err", err)
		return &executor.LanguageModelClassifier{}
	}
	return &executor.LanguageModelClassifier{Model: lm}
}

func runServe() error {
	if viper.GetBool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	ctx := context.Background()
	root := viper.GetString("data-dir")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}

	domainStore, err := domainstore.Open(filepath.Join(root, "domain.db"))
	if err != nil {
		return err
	}

	sessions, err := session.NewFileStore(filepath.Join(root, "sessions"))
	if err != nil {
		return err
	}

	consumptionBackend := consumption.NewMemBackend(filepath.Join(root, "consumption.json"), 20)
	consumptionStore := consumption.NewStore(consumptionBackend, consumption.DefaultLimits)

	kgStore, err := kg.OpenSQLStore(filepath.Join(root, "kg.db"))
	if err != nil {
		return err
	}

	resolver := providers.NewResolver(nil)

	classifierModel := buildClassifierModel(ctx, resolver)
	classifierCache := classifier.NewCache(filepath.Join(root, "classifications"), classifierModel)

	switcher := runtime.NewSwitcher(domainStore, domainStore, domainStore, resolver, classifierCache)

	assembler := contextwindow.NewAssembler([]contextwindow.Module{
		contextwindow.NewSystemPromptModule(3.0, func(tc *contextwindow.TurnContext) string { return "" }),
		contextwindow.NewKnowledgeContextModule(2.0),
		contextwindow.NewRAGContextModule(2.0),
		contextwindow.NewDocumentContextModule(1.5),
		contextwindow.NewPlanHydrationModule(1.0),
		contextwindow.NewToolDefinitionsModule(2.5),
		contextwindow.NewWorkflowHistoryModule(1.0),
		contextwindow.NewConversationHistoryModule(3.0),
		contextwindow.NewComponentInstructionsModule(1.0),
	}, 4)

	exec := executor.NewExecutor(resolver)

	orch := orchestrator.New(sessions, consumptionStore, switcher, assembler, exec, resolver, kgStore)

	server := &httpapi.Server{
		Orchestrator:    orch,
		Switcher:        switcher,
		Profiles:        domainStore,
		ClassifierCache: classifierCache,
		Consumption:     consumptionStore,
		KGStore:         kgStore,
	}

	addr := viper.GetString("listen")
	log.Info("conduitd listening", "addr", addr, "data_dir", root)
	return http.ListenAndServe(addr, server.Router())
}
