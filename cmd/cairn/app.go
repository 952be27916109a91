package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/ShayCichocki/cairn/internal/a2a"
	"github.com/ShayCichocki/cairn/internal/agents"
	"github.com/ShayCichocki/cairn/internal/config"
	"github.com/ShayCichocki/cairn/internal/decompose"
	"github.com/ShayCichocki/cairn/internal/dispatch"
	"github.com/ShayCichocki/cairn/internal/exec"
	"github.com/ShayCichocki/cairn/internal/logger"
	"github.com/ShayCichocki/cairn/internal/model"
	"github.com/ShayCichocki/cairn/internal/policy"
	"github.com/ShayCichocki/cairn/internal/scm"
	"github.com/ShayCichocki/cairn/internal/store"
	"github.com/ShayCichocki/cairn/internal/workspace"
	"github.com/ShayCichocki/cairn/pkg/models"
)

// app holds the collaborators shared by commands.
type app struct {
	cfg   *config.Config
	store *store.DB
	redis *redis.Client
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// openApp loads configuration, configures logging and opens the store.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Configure(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	db, err := store.Open(cfg.Store.Path, store.WithDriver(cfg.Store.Driver))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &app{cfg: cfg, store: db}, nil
}

func (a *app) Close() error {
	if a.redis != nil {
		a.redis.Close()
	}
	return a.store.Close()
}

// channel builds the a2a channel over the configured backend.
func (a *app) channel() *a2a.Channel {
	wait := a2a.WithWait(a2a.WaitConfig{
		Timeout: a.cfg.A2A.WaitTimeout,
		Initial: a.cfg.A2A.PollInitial,
		Max:     a.cfg.A2A.PollMax,
	})
	if a.cfg.A2A.Backend == "redis" {
		if a.redis == nil {
			a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.A2A.RedisAddr})
		}
		return a2a.New(a2a.NewRedisLog(a.redis, a2a.WithPrefix(a.cfg.A2A.RedisPrefix)), a.store, wait)
	}
	return a2a.New(a.store, a.store, wait)
}

// dispatcher builds the execution unit logic.
func (a *app) dispatcher(ctx context.Context, notify decompose.Notifier) (*dispatch.Dispatcher, error) {
	engine, err := policy.Load(ctx, a.cfg.Policy.File)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	client := scm.New(exec.NewRunner(), scm.Options{
		Workdir:    a.cfg.SCM.Workdir,
		RemoteBase: a.cfg.SCM.RemoteBase,
		Owner:      a.cfg.SCM.Owner,
	})
	return dispatch.New(dispatch.Deps{
		Store:      a.store,
		A2A:        a.channel(),
		Models:     modelFactory(a.cfg),
		Workspaces: workspaceFactory(client, engine),
		Notifier:   notify,
		Settings: agents.Settings{
			MaxIterations: a.cfg.SWE.MaxIterations,
			MaxSubtasks:   a.cfg.Planner.MaxSubtasks,
		},
		AutoMaterialize: a.cfg.Planner.AutoMaterialize,
		ComposerPoll:    a.cfg.Composer.PollInterval,
	}), nil
}

// modelFactory selects the model a payload asks for, falling back to the
// configured default.
func modelFactory(cfg *config.Config) dispatch.ModelFactory {
	return func(ctx context.Context, p models.Payload) (model.Invoker, error) {
		switch p.ModelProvider {
		case "", "anthropic", "bedrock":
		default:
			return nil, fmt.Errorf("unsupported model provider %q", p.ModelProvider)
		}
		ac := model.AnthropicConfig{
			Model:      cfg.Anthropic.Model,
			Bedrock:    cfg.Anthropic.Bedrock || p.ModelProvider == "bedrock",
			AWSRegion:  cfg.Anthropic.AWSRegion,
			AWSProfile: cfg.Anthropic.AWSProfile,
		}
		if p.ModelName != "" {
			ac.Model = p.ModelName
		}
		if !ac.Bedrock {
			key, err := config.GetAPIKey(cfg)
			if err != nil {
				return nil, err
			}
			ac.APIKey = key
		}
		return model.NewAnthropic(ctx, ac)
	}
}

func workspaceFactory(client *scm.Client, engine *policy.Engine) dispatch.WorkspaceFactory {
	return func(run *models.Run) *workspace.Workspace {
		return workspace.New(client, engine, workspace.Options{
			RunID:     run.ID,
			AgentType: string(run.AgentType),
			Branch:    run.Payload.Branch,
			Repos:     run.Payload.Repos,
		})
	}
}

// logNotifier records materialized children. Processes other than serve
// rely on the supervisor's store watcher to pick them up.
var logNotifier = decompose.NotifierFunc(func(runID string) {
	logger.Debug("[cli] child queued", "run_id", runID)
})
