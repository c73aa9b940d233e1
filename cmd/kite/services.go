package main

import (
	"time"

	"github.com/kitehq/kite/internal/channels"
	"github.com/kitehq/kite/internal/channels/apichannel"
	githubchan "github.com/kitehq/kite/internal/channels/github"
	"github.com/kitehq/kite/internal/channels/slack"
	"github.com/kitehq/kite/internal/channels/telegram"
	"github.com/kitehq/kite/internal/channels/web"
	"github.com/kitehq/kite/internal/common/config"
	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/internal/db"
	"github.com/kitehq/kite/internal/events/bus"
	"github.com/kitehq/kite/internal/github"
	"github.com/kitehq/kite/internal/journal"
	"github.com/kitehq/kite/internal/ops"
	"github.com/kitehq/kite/internal/session"
	"github.com/kitehq/kite/internal/trigger"
	"github.com/kitehq/kite/internal/workflow"
	"github.com/kitehq/kite/pkg/ws"
)

// scheduleInterval is how often the trigger scheduler evaluates cron
// expressions. Cron resolution is one minute; firing more often only
// tightens the worst-case delay after the minute boundary.
const scheduleInterval = 30 * time.Second

// services bundles the control plane's wired components.
type services struct {
	sessions   *session.Registry
	journal    *journal.Store
	workflows  *workflow.Store
	executor   *workflow.Executor
	reconciler *workflow.Reconciler
	triggers   *trigger.Store
	dispatcher *trigger.Dispatcher
	scheduler  *trigger.Scheduler
	channels   *channels.Dispatcher
	github     *github.Service
}

// buildServices constructs every store and service in dependency order and
// closes the loop by handing the ops service to the session registry.
func buildServices(cfg *config.Config, pool *db.Pool, eventBus bus.EventBus, log *logger.Logger) (*services, error) {
	sessionStore, err := session.NewStore(pool)
	if err != nil {
		return nil, err
	}
	journalStore, err := journal.NewStore(pool)
	if err != nil {
		return nil, err
	}
	workflowStore, err := workflow.NewStore(pool)
	if err != nil {
		return nil, err
	}
	triggerStore, err := trigger.NewStore(pool)
	if err != nil {
		return nil, err
	}
	channelStore, err := channels.NewStore(pool)
	if err != nil {
		return nil, err
	}

	sessions := session.NewRegistry(sessionStore, journalStore, eventBus, log, session.HolderOptions{
		CollectDebounce: cfg.Limits.CollectDebounce(),
	})

	executor := workflow.NewExecutor(workflowStore, sessions, log, workflow.ExecutorOptions{
		Workers:     cfg.Workflow.Workers,
		QueueDepth:  cfg.Workflow.QueueDepth,
		StepTimeout: cfg.Workflow.StepTimeout(),
	})
	reconciler := workflow.NewReconciler(workflowStore, log, cfg.Workflow.ReconcileInterval())

	dispatcher := trigger.NewDispatcher(triggerStore, workflowStore, executor, sessions, trigger.Limits{
		PerUser: cfg.Limits.MaxActivePerUser,
		Global:  cfg.Limits.MaxActiveGlobal,
	}, log)
	scheduler := trigger.NewScheduler(triggerStore, dispatcher, log, scheduleInterval)

	registry := channels.NewRegistry()
	registry.Register(telegram.New(log))
	registry.Register(slack.New(log))
	registry.Register(githubchan.New(log))
	registry.Register(apichannel.New())
	registry.Register(web.New())

	channelDispatcher := channels.NewDispatcher(registry, channelStore, sessions, channelRouting(cfg), log)

	githubService, err := github.NewService(pool, cfg.GitHub.APIBase)
	if err != nil {
		return nil, err
	}

	opsService := ops.NewService(sessions, journalStore, workflowStore, triggerStore,
		dispatcher, channelDispatcher, githubService, ops.Options{
			GatewayBaseURL: cfg.Gateway.PublicBaseURL,
			Personas:       personas(cfg),
		}, log)
	sessions.SetRunnerOps(opsService)

	return &services{
		sessions:   sessions,
		journal:    journalStore,
		workflows:  workflowStore,
		executor:   executor,
		reconciler: reconciler,
		triggers:   triggerStore,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		channels:   channelDispatcher,
		github:     githubService,
	}, nil
}

func channelRouting(cfg *config.Config) map[string]channels.Routing {
	return map[string]channels.Routing{
		"telegram": {
			Token:   cfg.Channels.Telegram.Token,
			Secret:  cfg.Channels.Telegram.Secret,
			BaseURL: cfg.Channels.Telegram.BaseURL,
		},
		"slack": {
			Token:   cfg.Channels.Slack.Token,
			Secret:  cfg.Channels.Slack.Secret,
			TeamID:  cfg.Channels.Slack.TeamID,
			BaseURL: cfg.Channels.Slack.BaseURL,
		},
		"github": {
			Token:   cfg.Channels.GitHub.Token,
			Secret:  cfg.Channels.GitHub.Secret,
			BaseURL: cfg.Channels.GitHub.BaseURL,
		},
	}
}

func personas(cfg *config.Config) []ws.PersonaInfo {
	out := make([]ws.PersonaInfo, 0, len(cfg.Personas))
	for _, p := range cfg.Personas {
		out = append(out, ws.PersonaInfo{ID: p.ID, Name: p.Name, Description: p.Description})
	}
	return out
}
