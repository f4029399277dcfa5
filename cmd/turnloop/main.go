// Command turnloop is the composition root for the agentic pipeline (spec
// §4.1): it loads configuration, wires C1-C12 together, and runs one
// inbound channel adapter against the resulting Pipeline. Building tool
// implementations, the MCP subprocess supervisor, auth/allowlists, the
// auto-mode scheduler, and command/UI surfaces are explicitly out of scope
// (spec §1 Non-goals); this binary exists to exercise the pipeline itself.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ravensworth/turnloop/internal/agent"
	"github.com/ravensworth/turnloop/internal/agent/routing"
	"github.com/ravensworth/turnloop/internal/channels/discord"
	"github.com/ravensworth/turnloop/internal/channels/slack"
	"github.com/ravensworth/turnloop/internal/channels/telegram"
	"github.com/ravensworth/turnloop/internal/config"
	"github.com/ravensworth/turnloop/internal/diagnostics"
	"github.com/ravensworth/turnloop/internal/llm"
	"github.com/ravensworth/turnloop/internal/llm/anthropic"
	"github.com/ravensworth/turnloop/internal/llm/bedrock"
	"github.com/ravensworth/turnloop/internal/llm/google"
	"github.com/ravensworth/turnloop/internal/llm/ollama"
	"github.com/ravensworth/turnloop/internal/llm/openai"
	"github.com/ravensworth/turnloop/internal/observability"
	"github.com/ravensworth/turnloop/internal/pipeline"
	"github.com/ravensworth/turnloop/internal/ratelimit"
	"github.com/ravensworth/turnloop/internal/session"
	"github.com/ravensworth/turnloop/internal/session/pgstore"
	"github.com/ravensworth/turnloop/internal/session/sqlitestore"
	"github.com/ravensworth/turnloop/internal/tools/ratelimitstatus"
	"github.com/ravensworth/turnloop/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "turnloop",
		Short:   "Runs the single-turn agentic pipeline against one inbound channel",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "turnloop.yaml", "path to the configuration file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newSchemaCmd())
	return root
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Prints the configuration file's JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(schema)
			return err
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	var channel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts one inbound channel adapter and runs the pipeline for every message it receives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *configPath, channel)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "telegram", "inbound channel to serve: telegram, discord, or slack")
	return cmd
}

func serve(ctx context.Context, configPath, channel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging.ToLogConfig())
	_, shutdownTracer := observability.NewTracer(cfg.Tracing.ToTraceConfig())
	defer func() { _ = shutdownTracer(context.Background()) }()

	deps, err := buildDeps(cfg, logger)
	if err != nil {
		return fmt.Errorf("wiring pipeline: %w", err)
	}

	watcher := config.NewWatcher(configPath, 0, deps.reloadRateLimits(logger))
	if err := watcher.Start(); err != nil {
		logger.Warn(context.Background(), fmt.Sprintf("config watcher disabled: %v", err))
	} else {
		defer watcher.Stop()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch channel {
	case "telegram":
		return serveTelegram(ctx, cfg, deps, logger)
	case "discord":
		return serveDiscord(ctx, cfg, deps, logger)
	case "slack":
		return serveSlack(ctx, cfg, deps, logger)
	default:
		return fmt.Errorf("unknown channel %q: want telegram, discord, or slack", channel)
	}
}

// deps holds the components shared across every turn regardless of which
// channel adapter received the message: C1 RateLimiter, C3/C4 routing, C5
// compaction's context budget, C7's provider table, and C11 the session
// store.
type deps struct {
	store     session.Store
	router    *routing.ModelRouter
	providers map[string]llm.Provider
	limiter   *ratelimit.MultiLimiter
	trace     *diagnostics.CacheTrace
	cfg       *config.Config
}

func buildDeps(cfg *config.Config, logger *observability.Logger) (*deps, error) {
	providers, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		logger.Warn(context.Background(), "no LLM providers configured; every turn will fail at the tool loop")
	}

	store, err := buildSessionStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	return &deps{
		store:     store,
		router:    routing.NewModelRouter(cfg.Router.ToRoutingConfig(cfg.LLM.ToModelTable())),
		providers: providers,
		limiter:   cfg.RateLimit.ToMultiLimiter(),
		trace:     diagnostics.NewCacheTrace(cfg.CacheTrace.ToCacheTraceConfig(), diagnostics.CacheTraceParams{}),
		cfg:       cfg,
	}, nil
}

// buildSessionStore picks C11's concrete backend per cfg.Session.Backend.
// sqlitestore and pgstore are real adapters (modernc.org/sqlite,
// github.com/lib/pq respectively), not just declared dependencies: this is
// where a deployment actually selects one of them over the in-memory
// default.
func buildSessionStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Session.Backend {
	case "sqlite":
		return sqlitestore.Open(cfg.Session.SQLite.Path)
	case "postgres":
		return pgstore.Open(cfg.Session.Postgres.ToPostgresConfig())
	default:
		return session.NewMemoryStore(), nil
	}
}

// reloadRateLimits returns the config.Watcher callback that applies a
// reloaded RateLimitConfig to the three running limiters in place
// (ratelimit.Limiter.UpdateCapacity), so an operator can raise or lower
// capacity without restarting the process or losing banked tokens (spec
// §4.10's live-reload requirement).
func (d *deps) reloadRateLimits(logger *observability.Logger) func(*config.Config) {
	return func(cfg *config.Config) {
		if d.limiter == nil {
			return
		}
		if d.limiter.User != nil {
			d.limiter.User.UpdateCapacity(cfg.RateLimit.ToUserLimiterConfig())
		}
		if d.limiter.Channel != nil {
			d.limiter.Channel.UpdateCapacity(cfg.RateLimit.ToChannelLimiterConfig())
		}
		if d.limiter.LLM != nil {
			d.limiter.LLM.UpdateCapacity(cfg.RateLimit.ToLLMLimiterConfig())
		}
		logger.Info(context.Background(), "rate limit configuration reloaded")
	}
}

// buildProviders constructs one llm.Provider per configured entry in
// cfg.LLM.Providers, keyed by provider name. Bedrock uses the AWS SIGv4
// credential fields instead of a bearer API key; every other provider here
// follows spec §6's {apiKey, apiUrl?} shape directly.
func buildProviders(cfg *config.Config) (map[string]llm.Provider, error) {
	providers := make(map[string]llm.Provider, len(cfg.LLM.Providers))
	for name, p := range cfg.LLM.Providers {
		switch name {
		case "anthropic":
			if p.APIKey == "" {
				continue
			}
			provider, err := anthropic.New(anthropic.Config{APIKey: p.APIKey, BaseURL: p.APIURL})
			if err != nil {
				return nil, fmt.Errorf("anthropic: %w", err)
			}
			providers[name] = provider
		case "openai":
			if p.APIKey == "" {
				continue
			}
			provider, err := openai.New(openai.Config{APIKey: p.APIKey, BaseURL: p.APIURL})
			if err != nil {
				return nil, fmt.Errorf("openai: %w", err)
			}
			providers[name] = provider
		case "google":
			if p.APIKey == "" {
				continue
			}
			provider, err := google.New(context.Background(), google.Config{APIKey: p.APIKey})
			if err != nil {
				return nil, fmt.Errorf("google: %w", err)
			}
			providers[name] = provider
		case "ollama":
			providers[name] = ollama.New(ollama.Config{BaseURL: p.APIURL})
		case "bedrock":
			if p.Region == "" {
				continue
			}
			provider, err := bedrock.New(context.Background(), bedrock.Config{
				Region:          p.Region,
				AccessKeyID:     p.AccessKeyID,
				SecretAccessKey: p.SecretAccessKey,
			})
			if err != nil {
				return nil, fmt.Errorf("bedrock: %w", err)
			}
			providers[name] = provider
		default:
			return nil, fmt.Errorf("unknown llm provider %q", name)
		}
	}
	return providers, nil
}

// buildPipeline assembles the fixed C8 stage order around sender, the
// channel-specific C9 delivery port.
func (d *deps) buildPipeline(sender pipeline.Sender, channelName string) *pipeline.Pipeline {
	p := pipeline.New(d.limiter,
		pipeline.NewSanitizeStage(),
		d.newCompactStage(),
		&pipeline.ContextBuildStage{},
		&pipeline.DynamicTierStage{Router: d.router},
		&pipeline.ToolLoopStage{NewLoop: d.newToolLoop},
		&pipeline.MemoryPersistStage{Store: d.store},
		&pipeline.RagIndexStage{},
		&pipeline.RouteStage{Sender: sender, Channel: channelName},
	)
	p.Trace = d.trace
	return p
}

// newCompactStage builds Compact(18) from cfg.Compaction, spec §4.3's
// recognized configuration, with the provider-backed Summarizer wired as
// the primary path and Router available for the pre-DynamicTier threshold
// estimate.
func (d *deps) newCompactStage() *pipeline.CompactStage {
	stage := pipeline.NewCompactStage(d.store, d.cfg.Compaction.MaxContextTokens)
	stage.Router = d.router
	stage.ConfiguredCap = d.cfg.Compaction.MaxContextTokens
	stage.CharsPerToken = d.cfg.Compaction.CharsPerToken
	stage.SystemOverheadTokens = d.cfg.Compaction.SystemPromptOverheadTokens
	stage.KeepLast = d.cfg.Compaction.KeepLastMessages
	if len(d.providers) > 0 {
		stage.Summarizer = newProviderSummarizer(d.router, d.providers)
	}
	return stage
}

// newToolLoop builds the *agent.ToolLoop bound to the provider
// turn.SelectedModel resolves to, per DynamicTierStage's result.
func (d *deps) newToolLoop(turn *models.TurnContext) (*agent.ToolLoop, error) {
	entry := d.router.LookupModelEntry(turn.SelectedModel)
	provider, ok := d.providers[entry.Provider]
	if !ok {
		return nil, fmt.Errorf("no provider configured for %q (model %q)", entry.Provider, turn.SelectedModel)
	}

	registry := agent.NewToolRegistry()
	registry.Register(ratelimitstatus.New(d.limiter))
	executor := agent.NewToolExecutor(registry, d.cfg.ToolLoop.ToToolExecConfig())

	loop := agent.NewToolLoop(provider, registry, executor, d.cfg.ToolLoop.ToAgentConfig())
	loop.Router = d.router
	loop.Approval = agent.NewApprovalChecker(agent.DefaultApprovalPolicy())
	if d.limiter != nil {
		loop.LLMLimiter = d.limiter.LLM
		loop.LLMLimiterKey = ratelimit.CompositeKey("llm", entry.Provider)
	}
	return loop, nil
}

// runTurn loads the session, appends the inbound message, and runs one
// pipeline iteration. The channel adapters call this for every message they
// receive.
func (d *deps) runTurn(ctx context.Context, p *pipeline.Pipeline, sess *models.Session, text string) error {
	existing, err := d.store.Load(ctx, sess.ConversationKey)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("loading session: %w", err)
	}
	if existing != nil {
		sess.Messages = existing.Messages
	}
	sess.Messages = append(sess.Messages, models.Message{
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	})

	deadline := time.Now().Add(d.cfg.ToolLoop.TurnDeadline())
	turn := models.NewTurnContext(sess, deadline)
	turn.Messages = sess.Messages

	// The data model carries no identity distinct from the channel's own
	// per-chat ChannelID, so the user scope is approximated by it; see
	// DESIGN.md's recorded decision on this.
	userKey := ratelimit.CompositeKey("user", sess.ChannelID)
	channelKey := ratelimit.CompositeKey("channel", string(sess.Channel))
	return p.Run(ctx, turn, userKey, channelKey)
}

func serveTelegram(ctx context.Context, cfg *config.Config, d *deps, logger *observability.Logger) error {
	adapter, err := telegram.New(telegram.Config{Token: cfg.Channels.TelegramToken})
	if err != nil {
		return err
	}
	p := d.buildPipeline(adapter, "telegram")
	logger.Info(ctx, "serving telegram")
	return adapter.Run(ctx, func(ctx context.Context, sess *models.Session, text string) error {
		return d.runTurn(ctx, p, sess, text)
	})
}

func serveDiscord(ctx context.Context, cfg *config.Config, d *deps, logger *observability.Logger) error {
	adapter, err := discord.New(discord.Config{Token: cfg.Channels.DiscordToken})
	if err != nil {
		return err
	}
	p := d.buildPipeline(adapter, "discord")
	logger.Info(ctx, "serving discord")
	return adapter.Run(ctx, func(ctx context.Context, sess *models.Session, text string) error {
		return d.runTurn(ctx, p, sess, text)
	})
}

func serveSlack(ctx context.Context, cfg *config.Config, d *deps, logger *observability.Logger) error {
	adapter, err := slack.New(slack.Config{BotToken: cfg.Channels.SlackBotToken, AppToken: cfg.Channels.SlackAppToken})
	if err != nil {
		return err
	}
	p := d.buildPipeline(adapter, "slack")
	logger.Info(ctx, "serving slack")
	return adapter.Run(ctx, func(ctx context.Context, sess *models.Session, text string) error {
		return d.runTurn(ctx, p, sess, text)
	})
}
