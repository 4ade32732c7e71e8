package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	env "chatbox/internal/config"
	"chatbox/internal/integrations/paramstore"
	"chatbox/internal/integrations/whatsapp"
	"chatbox/internal/outbox"
	"chatbox/internal/repository"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here; zero means package default) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	outboxIndex := env.String("OUTBOX_INDEX", "status-dueAt-index")
	workerCfg := outbox.WorkerConfig{
		Batch:          env.Int("OUTBOX_BATCH", 0),
		BackoffBase:    env.Duration("OUTBOX_BACKOFF_BASE", 0),
		BackoffCap:     env.Duration("OUTBOX_BACKOFF_CAP", 0),
		AttemptTimeout: env.Duration("OUTBOX_ATTEMPT_TIMEOUT", 0),
		StaleAfter:     env.Duration("OUTBOX_STALE_AFTER", 0),
		MaxTries:       env.Int("OUTBOX_MAX_TRIES", 0),
		SendRate:       env.Float("OUTBOX_SEND_RPS", 20),
	}

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
	store, err := repository.NewOutboxStore(awsdynamodb.NewFromConfig(cfg), stateTable, outboxIndex)
	if err != nil {
		fatal("failed to create outbox store", err)
	}
	transport, err := whatsapp.NewClient(params)
	if err != nil {
		fatal("failed to create WhatsApp client", err)
	}

	worker, err := outbox.NewWorker(store, transport, workerCfg)
	if err != nil {
		fatal("failed to create outbox worker", err)
	}

	lambda.Start(func(ctx context.Context, ev events.CloudWatchEvent) error {
		st, err := worker.Tick(ctx)
		slog.Info("outbox cycle",
			"trigger", ev.ID,
			"requeued", st.Requeued,
			"claimed", st.Claimed,
			"sent", st.Sent,
			"failed", st.Failed,
			"deferred", st.Deferred,
		)
		return err
	})
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
