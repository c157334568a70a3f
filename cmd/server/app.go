package main

import (
	"context"

	"github.com/RichardoC/padchat/internal/config"
	"github.com/RichardoC/padchat/internal/db"
	"github.com/RichardoC/padchat/internal/generation"
	"github.com/RichardoC/padchat/internal/history"
	"github.com/RichardoC/padchat/internal/llm"
	"go.uber.org/zap"
)

// app holds the wired components shared by serve and ask.
type app struct {
	database      *db.Database
	conversations *db.ConversationStore
	messages      *db.MessageStore
	pipeline      *generation.Pipeline
}

func openDatabase(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*db.Database, error) {
	database, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.DSN,
		db.WithLogger(logger),
		db.WithMaxOpenConns(cfg.Database.MaxOpenConns))
	if err != nil {
		logger.Error("failed to initialize database",
			zap.Error(err),
			zap.String("driver", cfg.Database.Driver))
		return nil, err
	}
	return database, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	database, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	model, err := llm.New(cfg.LLM, logger)
	if err != nil {
		_ = database.Close()
		logger.Error("failed to initialize LLM service", zap.Error(err))
		return nil, err
	}

	conversations := db.NewConversationStore(database)
	messages := db.NewMessageStore(database)
	assembler := history.NewAssembler(messages, cfg.History.MaxDepth)
	pipeline := generation.New(conversations, messages, assembler, model, generation.Options{
		Mode:             generation.Mode(cfg.History.Mode),
		OnInterrupt:      generation.InterruptPolicy(cfg.Generation.OnInterrupt),
		MaxContextTokens: cfg.History.MaxContextTokens,
		Counter:          history.NewCounter(cfg.History.Encoding, logger),
	}, logger)

	return &app{
		database:      database,
		conversations: conversations,
		messages:      messages,
		pipeline:      pipeline,
	}, nil
}

func (a *app) Close() error {
	return a.database.Close()
}
