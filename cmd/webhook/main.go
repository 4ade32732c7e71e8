package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"chatbox/handler"
	env "chatbox/internal/config"
	"chatbox/internal/dedup"
	"chatbox/internal/dispatch"
	"chatbox/internal/fsm"
	"chatbox/internal/integrations/openai"
	"chatbox/internal/integrations/paramstore"
	"chatbox/internal/outbox"
	"chatbox/internal/repository"
	"chatbox/internal/session"
	"chatbox/internal/usecase"
)

const (
	modelParameter = "openai/model"
	defaultModel   = "gpt-4o-mini"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here; zero means package default) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	outboxIndex := env.String("OUTBOX_INDEX", "status-dueAt-index")
	staff, err := env.Pairs("STAFF_PHONES")
	if err != nil {
		fatal("invalid STAFF_PHONES", err)
	}
	operators := env.List("OPERATOR_PHONES")
	sessionIdle := env.Duration("SESSION_IDLE", 0)
	sessionSweep := env.Duration("SESSION_SWEEP", 0)
	dedupTTL := env.Duration("DEDUP_TTL", 0)
	ackCooldown := env.Duration("ACK_COOLDOWN", 0)
	historyLimit := env.Int("HISTORY_LIMIT", 0)
	rewriteEnabled := env.Bool("REWRITE_ENABLED", false)
	rewriteTimeout := env.Duration("REWRITE_TIMEOUT", 0)
	requireSignature := env.Bool("REQUIRE_SIGNATURE", true)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	params, err := paramstore.New(awsssm.NewFromConfig(cfg), paramPrefix)
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	repo, err := repository.New(dynamoClient, stateTable)
	if err != nil {
		fatal("failed to create state client", err)
	}
	outboxStore, err := repository.NewOutboxStore(dynamoClient, stateTable, outboxIndex)
	if err != nil {
		fatal("failed to create outbox store", err)
	}

	var rewriter usecase.Rewriter
	if rewriteEnabled {
		model, err := params.GetParameter(ctx, modelParameter)
		if err != nil || strings.TrimSpace(model) == "" {
			slog.Warn("model parameter unavailable, using default", "model", defaultModel, "err", err)
			model = defaultModel
		}
		oa, err := openai.NewClient(params, model)
		if err != nil {
			fatal("failed to create OpenAI client", err)
		}
		rewriter = oa
	}

	// ---- Conversation core ----
	engine, err := fsm.New(fsm.Config{Operators: operators, AckCooldown: ackCooldown, Balances: repo})
	if err != nil {
		fatal("failed to create conversation engine", err)
	}
	sessions, err := session.NewStore(fsm.StateInicio, session.Options{Idle: sessionIdle, SweepEvery: sessionSweep})
	if err != nil {
		fatal("failed to create session store", err)
	}
	seen := dedup.New(dedupTTL)

	// Sweeps live as long as the warm container.
	go sessions.Run(ctx)
	go seen.Run(ctx)

	queue, err := outbox.New(outboxStore)
	if err != nil {
		fatal("failed to create outbox", err)
	}
	dispatcher, err := dispatch.New(queue, repo, repo, staff)
	if err != nil {
		fatal("failed to create dispatcher", err)
	}

	// ---- Handler ----
	inbound, err := usecase.NewInboundService(usecase.InboundConfig{
		Dedup:          seen,
		Sessions:       sessions,
		Engine:         engine,
		Contacts:       repo,
		Messages:       repo,
		Dispatcher:     dispatcher,
		Rewriter:       rewriter,
		HistoryLimit:   historyLimit,
		RewriteTimeout: rewriteTimeout,
	})
	if err != nil {
		fatal("failed to create inbound service", err)
	}

	h, err := handler.NewHandler(inbound, params, handler.Options{RequireSignature: requireSignature})
	if err != nil {
		fatal("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v, err := env.Required(key)
	if err != nil {
		fatal("required environment variable is not set", err)
	}
	return v
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
