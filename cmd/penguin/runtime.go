package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/haasonsaas/penguin/internal/actions"
	"github.com/haasonsaas/penguin/internal/bus"
	"github.com/haasonsaas/penguin/internal/config"
	"github.com/haasonsaas/penguin/internal/contextwin"
	"github.com/haasonsaas/penguin/internal/conversation"
	"github.com/haasonsaas/penguin/internal/engine"
	"github.com/haasonsaas/penguin/internal/events"
	"github.com/haasonsaas/penguin/internal/gateway"
	"github.com/haasonsaas/penguin/internal/sessions"
	"github.com/haasonsaas/penguin/internal/tools"
	"github.com/haasonsaas/penguin/pkg/models"
)

// Runtime owns the wired component graph for one process.
type Runtime struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       sessions.Store
	Checkpoints *sessions.CheckpointManager
	Conv        *conversation.Manager
	Gateway     gateway.Gateway
	Dispatcher  *tools.Dispatcher
	Emitter     *events.Emitter
	Engine      *engine.Engine
	Coordinator *bus.Coordinator

	closers []func()
}

// newRuntime wires every component from configuration.
func newRuntime(cfg *config.Config) (*Runtime, error) {
	logger := newLogger(cfg.Logging)
	r := &Runtime{Config: cfg, Logger: logger}

	store, err := newStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	r.Store = store

	r.Emitter = events.NewEmitter()
	r.closers = append(r.closers, r.Emitter.Close)

	checkpoints, err := sessions.NewCheckpointManager(store, cfg.Sessions.Path, logger,
		sessions.WithCheckpointFrequency(cfg.Checkpoint.Frequency),
		sessions.WithCheckpointRetention(sessions.CheckpointRetention{
			MaxAge:   cfg.Checkpoint.MaxAge,
			MaxCount: cfg.Checkpoint.MaxCount,
		}),
		sessions.WithCheckpointHook(func(action string, cp *models.Checkpoint) {
			r.Emitter.Checkpoint("", &models.CheckpointEventPayload{
				CheckpointID: cp.ID,
				SessionID:    cp.SessionID,
				Kind:         cp.Kind,
				Action:       action,
			})
			if action == sessions.CheckpointActionRollback && r.Conv != nil {
				if err := r.Conv.ReloadSession(context.Background(), cp.SessionID); err != nil {
					logger.Warn("session reload after rollback failed", "session_id", cp.SessionID, "error", err)
				}
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	r.Checkpoints = checkpoints
	r.closers = append(r.closers, checkpoints.Close)

	var windowOpts []contextwin.Option
	if cfg.Context.Counter == "tiktoken" {
		counter, err := contextwin.NewTiktokenCounter("cl100k_base")
		if err != nil {
			logger.Warn("tiktoken encoding unavailable, using character estimates", "error", err)
		} else {
			windowOpts = append(windowOpts, contextwin.WithCounter(counter))
		}
	}

	r.Conv = conversation.NewManager(store, logger,
		conversation.WithCheckpoints(checkpoints),
		conversation.WithMaxTokens(cfg.Context.MaxTokens),
		conversation.WithWindowOptions(windowOpts...),
		conversation.WithMessageHook(func(agentID string, msg *models.Message) {
			r.Emitter.Message(agentID, &models.MessageEventPayload{
				Role:      msg.Role,
				Content:   msg.Content,
				Category:  msg.Category,
				SessionID: msg.SessionID,
				MessageID: msg.ID,
				Metadata:  msg.Metadata,
			})
		}),
	)

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, cfg.Workspace); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}
	r.Dispatcher = tools.NewDispatcher(registry, &tools.DispatcherConfig{
		MaxConcurrency:   cfg.Tools.MaxConcurrency,
		DefaultTimeout:   cfg.Tools.DefaultTimeout,
		CategoryTimeouts: cfg.Tools.CategoryTimeouts,
		Logger:           logger,
	})

	parser := actions.NewParser(nil)
	gw, err := newGateway(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Streaming.InterruptOnAction || cfg.Streaming.InterruptOnToolCall {
		gw = gateway.NewInterrupter(gw, parser, gateway.InterruptConfig{
			OnActionTag: cfg.Streaming.InterruptOnAction,
			OnToolCall:  cfg.Streaming.InterruptOnToolCall,
		})
	}
	r.Gateway = gw

	r.Engine = engine.New(r.Conv, gw, r.Dispatcher, parser, r.Emitter, engine.Options{
		MaxOutputTokens:  cfg.LLM.MaxOutputTokens,
		Temperature:      cfg.LLM.Temperature,
		Reasoning:        cfg.LLM.Reasoning,
		ReasoningExclude: cfg.LLM.ReasoningExclude,
		Logger:           logger,
	})

	r.Coordinator = bus.NewCoordinator(r.Conv, r.Emitter, logger,
		bus.WithTurnRunner(func(ctx context.Context, agentID, prompt string) (string, error) {
			res, err := r.Engine.RunSingleTurn(ctx, prompt, engine.TurnOptions{AgentID: agentID})
			if err != nil {
				return "", err
			}
			return res.AssistantResponse, nil
		}),
	)
	return r, nil
}

// Close releases runtime resources in reverse construction order.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	if closer, ok := r.Store.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

func newStore(cfg *config.Config, logger *slog.Logger) (sessions.Store, error) {
	switch cfg.Sessions.Backend {
	case "memory":
		return sessions.NewMemoryStore(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Sessions.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create session directory: %w", err)
		}
		return sessions.NewSQLiteStore(cfg.Sessions.Path)
	default:
		return sessions.NewFileStore(cfg.Sessions.Path, logger)
	}
}

func newGateway(cfg *config.Config) (gateway.Gateway, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return gateway.NewOpenAIGateway(gateway.OpenAIConfig{
			APIKey:  firstNonEmpty(cfg.LLM.APIKey, os.Getenv("OPENAI_API_KEY")),
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		})
	default:
		return gateway.NewAnthropicGateway(gateway.AnthropicConfig{
			APIKey:  firstNonEmpty(cfg.LLM.APIKey, os.Getenv("ANTHROPIC_API_KEY")),
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		})
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
