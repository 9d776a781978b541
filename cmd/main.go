package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"convsync/handler"
	"convsync/internal/config"
	"convsync/internal/domain"
	"convsync/internal/integrations/paramstore"
	"convsync/internal/moderation"
	"convsync/internal/repository"
	"convsync/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(".env")
	if err != nil {
		fatal("failed to load config", err)
	}
	if err := cfg.RequireStateTable(); err != nil {
		fatal("invalid config", err)
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable,
		repository.WithOrderIndex(domain.FieldCreatedAt, cfg.OrderIndex),
		repository.WithPollInterval(cfg.PollInterval),
		repository.WithLogger(logger),
	)
	if err != nil {
		fatal("failed to create state client", err)
	}

	var filter *moderation.Filter
	if cfg.ParamPrefix != "" {
		params, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.ParamPrefix)
		if err != nil {
			fatal("failed to create SSM client", err)
		}
		filter, err = moderation.LoadFromParams(ctx, params, paramstore.KeyBlacklist)
		if err != nil {
			fatal("failed to load blacklist", err)
		}
	}

	// ---- Handler ----
	chat, err := usecase.NewChatService(store, filter, usecase.LogObserver{Logger: logger}, logger, cfg.PageSize)
	if err != nil {
		fatal("failed to create chat service", err)
	}

	h, err := handler.NewHandler(chat)
	if err != nil {
		fatal("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
