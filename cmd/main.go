package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"creator-agent/handler"
	"creator-agent/internal/integrations/openai"
	"creator-agent/internal/integrations/paramstore"
	"creator-agent/internal/integrations/payments"
	"creator-agent/internal/repository"
	"creator-agent/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	maxContextItems := envInt("MAX_CONTEXT_ITEMS", 20)
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 2000)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		logger.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		logger.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	llmClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		logger.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}
	paymentClient, err := payments.NewClient(ssmClient, paramPrefix)
	if err != nil {
		logger.Error("failed to create payments client", "err", err)
		os.Exit(1)
	}

	// ---- Services ----
	scheduler, err := usecase.NewSchedulerService(store, store, store, logger)
	if err != nil {
		logger.Error("failed to create scheduler service", "err", err)
		os.Exit(1)
	}
	chat, err := usecase.NewChatService(store, llmClient, ssmClient, scheduler, paramPrefix, maxContextItems, maxMessageLen, logger)
	if err != nil {
		logger.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}
	requests, err := usecase.NewRequestService(store, store, paymentClient, logger)
	if err != nil {
		logger.Error("failed to create request service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(chat, requests, scheduler, logger)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
