package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"couple-talk/handler"
	"couple-talk/internal/config"
	"couple-talk/internal/conversation"
	"couple-talk/internal/integrations/claude"
	"couple-talk/internal/integrations/openai"
	"couple-talk/internal/integrations/paramstore"
	"couple-talk/internal/metrics"
	"couple-talk/internal/repository"
	"couple-talk/internal/repository/postgres"
	"couple-talk/internal/taskpool"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		fatal("failed to create SSM client", err)
	}

	store, closeStore, err := newStore(ctx, cfg, awsdynamodb.NewFromConfig(awsCfg))
	if err != nil {
		fatal("failed to create store", err)
	}
	defer closeStore()

	llm, moderator, err := newLLM(ctx, cfg, ssmClient)
	if err != nil {
		fatal("failed to create LLM client", err)
	}

	// ---- Background executor + service ----
	m := metrics.New()
	pool, err := taskpool.New(cfg.TaskPoolSize,
		taskpool.WithTimeout(cfg.Conversation.SummaryTimeout),
		taskpool.WithLogger(logger),
	)
	if err != nil {
		fatal("failed to create task pool", err)
	}
	m.ObserveRunningTasks(pool.Running)

	opts := []conversation.Option{conversation.WithLogger(logger), conversation.WithMetrics(m)}
	if moderator != nil {
		opts = append(opts, conversation.WithModerator(moderator))
	}
	svc, err := conversation.New(store, llm, pool, cfg.Conversation, opts...)
	if err != nil {
		fatal("failed to create conversation service", err)
	}

	// ---- Handler ----
	hOpts := []handler.Option{handler.WithLogger(logger)}
	if cfg.LocalAddr != "" {
		hOpts = append(hOpts, handler.WithUserHeader())
	}
	h, err := handler.NewHandler(svc, hOpts...)
	if err != nil {
		fatal("failed to create handler", err)
	}

	if cfg.LocalAddr == "" {
		lambda.Start(h.Handle)
		return
	}
	if err := serveLocal(cfg, h, m, pool, logger); err != nil {
		fatal("local server failed", err)
	}
}

// newStore returns the configured backend and a release func for it.
func newStore(ctx context.Context, cfg config.Config, dynamo *awsdynamodb.Client) (conversation.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.Options{})
		if err != nil {
			return nil, nil, err
		}
		store, err := postgres.New(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	default:
		store, err := repository.New(dynamo, cfg.StateTable)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

// newLLM builds the configured provider. Moderation always goes through the
// OpenAI moderation endpoint, whichever provider answers.
func newLLM(ctx context.Context, cfg config.Config, ps *paramstore.Client) (conversation.LLMClient, conversation.Moderator, error) {
	var openaiClient *openai.Client
	if cfg.LLMProvider == config.ProviderOpenAI || cfg.Moderation {
		var opts []openai.Option
		if cfg.LLMProvider == config.ProviderOpenAI {
			opts = append(opts, openai.WithModel(cfg.LLMModel), openai.WithMaxTokens(cfg.LLMMaxTokens))
			if cfg.LLMBaseURL != "" {
				opts = append(opts, openai.WithBaseURL(cfg.LLMBaseURL))
			}
		}
		c, err := openai.NewClient(ps, cfg.ParamPrefix, opts...)
		if err != nil {
			return nil, nil, err
		}
		openaiClient = c
	}

	var moderator conversation.Moderator
	if cfg.Moderation {
		moderator = openaiClient
	}

	if cfg.LLMProvider == config.ProviderOpenAI {
		return openaiClient, moderator, nil
	}

	apiKey, err := ps.GetToken(ctx, cfg.ParamPrefix+"/anthropic-token")
	if err != nil {
		return nil, nil, fmt.Errorf("anthropic token: %w", err)
	}
	c, err := claude.New(claude.Config{
		APIKey:    apiKey,
		Model:     cfg.LLMModel,
		BaseURL:   cfg.LLMBaseURL,
		MaxTokens: cfg.LLMMaxTokens,
	})
	if err != nil {
		return nil, nil, err
	}
	return c, moderator, nil
}

// serveLocal runs the handler over plain HTTP and drains background
// summaries before exiting.
func serveLocal(cfg config.Config, h *handler.Handler, m *metrics.Metrics, pool *taskpool.Pool, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", h)

	srv := &http.Server{
		Addr:              cfg.LocalAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.LocalAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("task pool drain incomplete", "err", err)
	}
	logger.Info("stopped")
	return nil
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
