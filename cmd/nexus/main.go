// Package main is the CLI entry point for the Nexus agentic orchestrator:
// the Agent Loop, its three-layer token manager, the Subagent Service,
// and the Permission Engine, composed and driven against a real LLM
// provider.
//
// # Basic Usage
//
// Run a single turn against the default agent:
//
//	nexus run --prompt "survey the repo and summarize its structure"
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - VENICE_API_KEY: Venice AI API key, used when NEXUS_PROVIDER=venice
//   - AWS_REGION / standard AWS credential chain: used when NEXUS_PROVIDER=bedrock
//   - GOOGLE_API_KEY: used when NEXUS_PROVIDER=google
//   - OPENAI_API_KEY: used when NEXUS_PROVIDER=openai
//   - AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_API_KEY: used when NEXUS_PROVIDER=azure
//   - OPENROUTER_API_KEY: used when NEXUS_PROVIDER=openrouter
//   - OLLAMA_BASE_URL: used when NEXUS_PROVIDER=ollama (default http://localhost:11434)
//   - COPILOT_PROXY_BASE_URL: used when NEXUS_PROVIDER=copilot
//   - NEXUS_PROVIDER: "anthropic" (default), "venice", "bedrock", "google", "openai",
//     "azure", "openrouter", "ollama", or "copilot"
//   - NEXUS_MODEL: model ID passed to the selected provider
//   - NEXUS_DATABASE_URL: Postgres/CockroachDB DSN for durable message history (in-memory if unset)
//   - NEXUS_TOOLS_DIR: directory of `*.tool.json` pipeline tool definitions, hot-reloaded
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP collector endpoint; tracing is disabled if unset
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	anthropicprovider "github.com/haasonsaas/nexus/internal/agent/providers"
	"github.com/haasonsaas/nexus/internal/agents"
	"github.com/haasonsaas/nexus/internal/compaction"
	"github.com/haasonsaas/nexus/internal/engine"
	"github.com/haasonsaas/nexus/internal/hooks"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/providers/venice"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/internal/tokens"
	"github.com/haasonsaas/nexus/internal/tools/catalog"
	"github.com/haasonsaas/nexus/internal/tools/policy"
	"github.com/haasonsaas/nexus/internal/tools/subagent"
	"github.com/haasonsaas/nexus/pkg/models"
	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "nexus",
		Short:   "Nexus agent orchestrator",
		Long:    "Nexus drives the Agent Loop, Subagent Service, and Permission Engine against a configured LLM provider.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildRunCmd())
	rootCmd.AddCommand(buildSpillCmd())
	rootCmd.AddCommand(buildAgentsCmd())
	return rootCmd
}

func buildSpillCmd() *cobra.Command {
	spillCmd := &cobra.Command{
		Use:   "spill",
		Short: "Manage tool-output spill files",
	}

	var dir string
	var maxAge time.Duration
	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete spill files older than --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := tokens.CleanupSpillOlderThan(dir, maxAge)
			if err != nil {
				return fmt.Errorf("spill cleanup: %w", err)
			}
			fmt.Printf("removed %d spill file(s) from %s\n", removed, dir)
			return nil
		},
	}
	gcCmd.Flags().StringVar(&dir, "dir", filepath.Join(os.TempDir(), "spill"), "Spill directory to clean")
	gcCmd.Flags().DurationVar(&maxAge, "max-age", 7*24*time.Hour, "Delete spill files older than this")
	spillCmd.AddCommand(gcCmd)
	return spillCmd
}

func buildAgentsCmd() *cobra.Command {
	agentsCmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect the agent catalog",
	}
	agentsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List enumerable catalog agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat := agents.NewCatalog()
			cat.Register(defaultAgent("coder"))
			cat.Register(defaultSubagent("researcher"))
			for _, a := range cat.Enumerable() {
				spawn := ""
				if a.CanSpawnSubagents {
					spawn = " (can spawn subagents)"
				}
				fmt.Printf("%-14s %-10s model=%s max_iterations=%d%s\n", a.Slug, a.Category, a.ModelID, a.MaxIterations, spawn)
			}
			return nil
		},
	})
	return agentsCmd
}

func buildRunCmd() *cobra.Command {
	var (
		prompt     string
		agentSlug  string
		toolsDir   string
		sessionID  string
		traceDebug bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one Agent Loop turn to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTurn(cmd.Context(), runOptions{
				prompt:     prompt,
				agentSlug:  agentSlug,
				toolsDir:   toolsDir,
				sessionID:  sessionID,
				traceDebug: traceDebug,
			})
		},
	}
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "User prompt for the turn (required)")
	cmd.Flags().StringVar(&agentSlug, "agent", "coder", "Catalog agent slug to run as")
	cmd.Flags().StringVar(&toolsDir, "tools-dir", os.Getenv("NEXUS_TOOLS_DIR"), "Directory of *.tool.json pipeline tool definitions to hot-reload")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID to continue (random if empty)")
	cmd.Flags().BoolVar(&traceDebug, "debug", false, "Enable debug logging")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

type runOptions struct {
	prompt     string
	agentSlug  string
	toolsDir   string
	sessionID  string
	traceDebug bool
}

// composition is every long-lived component the Agent Loop and Subagent
// Service are assembled from.
type composition struct {
	logger       *observability.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	shutdown     func(context.Context) error
	loop         *engine.Loop
	eventBus     *engine.EventBus
	hookPipe     *hooks.Pipeline
	agentCatalog *agents.Catalog
	subService   *subagent.Service
	taskTool     *subagent.TaskTool
	runner       *engine.SubagentLoopRunner
	prompts      *policy.EventPromptService
	pipelineReg  *catalog.Registry
}

func buildComposition(debug bool) (*composition, error) {
	logLevel := "info"
	if debug {
		logLevel = "debug"
	}
	logger := observability.MustNewLogger(observability.LogConfig{Level: logLevel, Format: "json"})
	metrics := observability.NewMetrics()
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "nexus",
		ServiceVersion: version,
		Environment:    envOr("NEXUS_ENV", "development"),
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	})

	provider, model, err := buildProvider()
	if err != nil {
		return nil, err
	}

	eventBus := engine.NewEventBus()
	hookPipe := hooks.NewPipeline()
	registerDefaultHooks(hookPipe, logger)
	if defs, err := hooks.LoadHookDefinitions("."); err != nil {
		logger.Warn(context.Background(), "hook config load failed", "err", err)
	} else if err := hooks.RegisterDefinitions(hookPipe, defs, nil); err != nil {
		logger.Warn(context.Background(), "hook config registration failed", "err", err)
	}

	prompts := policy.NewEventPromptService(func(req policy.PromptRequest) {
		eventBus.Publish(context.Background(), "UserPromptRequest", map[string]any{
			"request_id": req.ID,
			"title":      req.Title,
			"message":    req.Message,
			"default":    req.Default,
		})
	})
	permissions := policy.NewEngine(prompts, nil)
	summarizer := compaction.NewLLMSummarizer(provider, model)

	store, err := buildPartStore(logger)
	if err != nil {
		return nil, err
	}

	loop := &engine.Loop{
		Provider:     provider,
		Store:        store,
		Truncator:    tokens.NewTruncator(os.TempDir()),
		Permissions:  permissions,
		Hooks:        hookPipe,
		Summarizer:   summarizer,
		DefaultModel: model,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	}

	agentCatalog := agents.NewCatalog()
	agentCatalog.Register(defaultAgent("coder"))
	agentCatalog.Register(defaultSubagent("researcher"))

	subStore := subagent.NewMemoryStore()
	runner := &engine.SubagentLoopRunner{Loop: loop}
	subService := subagent.NewService(agentCatalog, subStore, runner, eventBus)
	taskTool := subagent.NewTaskTool(subService, func(context.Context) string { return "" })

	pipelineReg := catalog.NewRegistry(nil, nil)

	return &composition{
		logger:       logger,
		metrics:      metrics,
		tracer:       tracer,
		shutdown:     shutdown,
		loop:         loop,
		eventBus:     eventBus,
		hookPipe:     hookPipe,
		agentCatalog: agentCatalog,
		subService:   subService,
		taskTool:     taskTool,
		runner:       runner,
		prompts:      prompts,
		pipelineReg:  pipelineReg,
	}, nil
}

func runTurn(ctx context.Context, opts runOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	comp, err := buildComposition(opts.traceDebug)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = comp.shutdown(shutdownCtx)
		comp.eventBus.Stop()
	}()

	if opts.toolsDir != "" {
		if err := comp.pipelineReg.Watch(ctx, opts.toolsDir); err != nil {
			comp.logger.Warn(ctx, "pipeline tool directory watch failed", "dir", opts.toolsDir, "err", err)
		} else {
			defer comp.pipelineReg.Close()
		}
	}

	sessionID := opts.sessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("cli-%d", time.Now().UnixNano())
	}

	agentDef, ok := comp.agentCatalog.BySlug(opts.agentSlug)
	if !ok {
		return fmt.Errorf("unknown agent slug %q", opts.agentSlug)
	}

	tools := append([]agent.Tool{}, comp.pipelineReg.Tools()...)
	if agentDef.CanSpawnSubagents {
		tools = append(tools, subagent.NewAgentTool(comp.taskTool, sessionID, ""))
	}
	// Subagents see the same registry filtered by their own tool config,
	// with `task` stripped for non-spawners.
	comp.runner.ToolsFor = func(def *models.CatalogAgent) []agent.Tool {
		return catalog.ToolsForAgent(tools, def)
	}

	comp.eventBus.Subscribe(subagent.EventSubSessionProgress, func(events []engine.Event) {
		for _, e := range events {
			comp.logger.Info(ctx, "subagent progress", "payload", e.Payload)
		}
	})

	result, err := comp.loop.Run(ctx, engine.Request{
		SessionID: sessionID,
		Agent:     agentDef,
		UserInput: opts.prompt,
		Tools:     tools,
		OnDelta: func(delta string) {
			fmt.Print(delta)
		},
		OnToolExecution: func(toolName, args, output string, success bool) {
			comp.logger.Info(ctx, "tool execution", "tool", toolName, "success", success)
		},
	})
	if err != nil {
		return fmt.Errorf("agent loop run: %w", err)
	}

	fmt.Println()
	if result.HitIterationCap {
		comp.logger.Warn(ctx, "turn stopped at iteration cap", "iterations", result.IterationsUsed)
	}
	return nil
}

// buildPartStore selects the message-part repository: the durable
// Postgres/CockroachDB store when NEXUS_DATABASE_URL is set, the
// in-memory store otherwise.
func buildPartStore(logger *observability.Logger) (engine.MessageStore, error) {
	dsn := os.Getenv("NEXUS_DATABASE_URL")
	if dsn == "" {
		return sessions.NewMemoryPartStore(), nil
	}
	store, err := sessions.NewSQLPartStore(dsn)
	if err != nil {
		return nil, fmt.Errorf("connect part store: %w", err)
	}
	if err := store.InitSchema(context.Background()); err != nil {
		store.Close()
		return nil, err
	}
	logger.Info(context.Background(), "using durable part store", "driver", "postgres")
	return store, nil
}

func buildProvider() (agent.LLMProvider, string, error) {
	switch envOr("NEXUS_PROVIDER", "anthropic") {
	case "venice":
		model := envOr("NEXUS_MODEL", venice.DefaultModel)
		p, err := venice.NewVeniceProvider(venice.VeniceConfig{
			APIKey:       os.Getenv("VENICE_API_KEY"),
			DefaultModel: model,
		})
		return p, model, err
	case "bedrock":
		model := envOr("NEXUS_MODEL", "anthropic.claude-3-sonnet-20240229-v1:0")
		p, err := anthropicprovider.NewBedrockProvider(anthropicprovider.BedrockConfig{
			Region:       envOr("AWS_REGION", "us-east-1"),
			DefaultModel: model,
		})
		return p, model, err
	case "google":
		model := envOr("NEXUS_MODEL", "gemini-2.0-flash")
		p, err := anthropicprovider.NewGoogleProvider(anthropicprovider.GoogleConfig{
			APIKey:       os.Getenv("GOOGLE_API_KEY"),
			DefaultModel: model,
		})
		return p, model, err
	case "openai":
		model := envOr("NEXUS_MODEL", "gpt-4o")
		return anthropicprovider.NewOpenAIProvider(os.Getenv("OPENAI_API_KEY")), model, nil
	case "azure":
		model := envOr("NEXUS_MODEL", "gpt-4o")
		p, err := anthropicprovider.NewAzureOpenAIProvider(anthropicprovider.AzureOpenAIConfig{
			Endpoint:     os.Getenv("AZURE_OPENAI_ENDPOINT"),
			APIKey:       os.Getenv("AZURE_OPENAI_API_KEY"),
			DefaultModel: model,
		})
		return p, model, err
	case "openrouter":
		model := envOr("NEXUS_MODEL", "anthropic/claude-3-opus")
		p, err := anthropicprovider.NewOpenRouterProvider(anthropicprovider.OpenRouterConfig{
			APIKey:       os.Getenv("OPENROUTER_API_KEY"),
			DefaultModel: model,
		})
		return p, model, err
	case "ollama":
		model := envOr("NEXUS_MODEL", "llama3")
		return anthropicprovider.NewOllamaProvider(anthropicprovider.OllamaConfig{
			BaseURL:      envOr("OLLAMA_BASE_URL", "http://localhost:11434"),
			DefaultModel: model,
		}), model, nil
	case "copilot":
		model := envOr("NEXUS_MODEL", "gpt-5.2")
		p, err := anthropicprovider.NewCopilotProxyProvider(anthropicprovider.CopilotProxyConfig{
			BaseURL: envOr("COPILOT_PROXY_BASE_URL", "http://localhost:3000/v1"),
			Models:  anthropicprovider.DefaultCopilotProxyModels,
		})
		return p, model, err
	default:
		model := envOr("NEXUS_MODEL", "claude-sonnet-4-5")
		p, err := anthropicprovider.NewAnthropicProvider(anthropicprovider.AnthropicConfig{
			APIKey: os.Getenv("ANTHROPIC_API_KEY"),
		})
		return p, model, err
	}
}

func defaultAgent(slug string) *models.CatalogAgent {
	return &models.CatalogAgent{
		Slug:                slug,
		Name:                slug,
		Category:            models.CategoryPrimary,
		ModelID:             envOr("NEXUS_MODEL", "claude-sonnet-4-5"),
		MaxTokens:           4096,
		ContextWindowTokens: 180000,
		SystemPrompt:        "You are a careful, concise engineering assistant.",
		MaxIterations:       25,
		CanSpawnSubagents:   true,
		ToolConfig:          models.ToolConfiguration{Mode: models.ToolFilterAll},
		Permissions:         models.PermissionRuleset{},
	}
}

func defaultSubagent(slug string) *models.CatalogAgent {
	return &models.CatalogAgent{
		Slug:                slug,
		Name:                slug,
		Category:            models.CategorySubagent,
		ModelID:             envOr("NEXUS_MODEL", "claude-sonnet-4-5"),
		MaxTokens:           4096,
		ContextWindowTokens: 180000,
		SystemPrompt:        "You are a focused research subagent. Answer the given task and nothing more.",
		MaxIterations:          15,
		MaxConcurrentInstances: 3,
		ToolConfig:             models.ToolConfiguration{Mode: models.ToolFilterAll},
		Permissions:             models.PermissionRuleset{},
	}
}

// registerDefaultHooks wires a minimal observability hook so every tool
// call is visible in logs even with no user-supplied hook configuration.
func registerDefaultHooks(pipe *hooks.Pipeline, logger *observability.Logger) {
	pipe.Register(hooks.TriggerPostTool, "log-tool-result", func(ctx context.Context, hc *models.HookContext) hooks.HookResult {
		logger.Debug(ctx, "PostTool hook", "tool", hc.ToolName, "duration", hc.Duration)
		return hooks.HookResult{Success: true, Continue: true}
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
