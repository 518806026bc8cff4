package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/herald/internal/ai"
	"github.com/herald/internal/api"
	"github.com/herald/internal/autosearch"
	"github.com/herald/internal/config"
	"github.com/herald/internal/logging"
	"github.com/herald/internal/platform"
	"github.com/herald/internal/retry"
	"github.com/herald/internal/schedule"
	"github.com/herald/internal/session"
	"github.com/herald/internal/sniper"
	"github.com/herald/internal/store"
	"github.com/herald/internal/task"
	"github.com/herald/internal/throttle"
)

// ServeCommand returns the CLI command for running the daemon.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the herald daemon and API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Override the API server port",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}

	logging.Setup(cfg.Logging.Level)

	kv, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	sealKey, err := cfg.SealKeyBytes()
	if err != nil {
		return err
	}
	sealer, err := store.NewSealer(sealKey)
	if err != nil {
		return err
	}

	activity, err := logging.NewActivityLogger(cfg.Logging.ActivityDir)
	if err != nil {
		return err
	}
	defer activity.Close()

	factory, err := platform.FactoryFor(cfg.Platform.Driver)
	if err != nil {
		return err
	}

	registry := session.NewRegistry(kv, sealer, factory)
	registry.SetDecorator(clientDecorator(cfg, activity))
	sched := schedule.New()
	defer sched.Stop()
	policy := throttle.NewPolicy(throttle.QuietWindow{
		StartHour: cfg.Throttle.QuietStartHour,
		EndHour:   cfg.Throttle.QuietEndHour,
	})
	retryCfg := retry.DefaultConfig()

	deps := task.Deps{
		Sched:    sched,
		Sessions: registry,
		Policy:   policy,
		KV:       kv,
		Retry:    retryCfg,
	}
	broadcast := task.NewBroadcastEngine(deps)
	campaign := task.NewCampaignEngine(deps)
	timer := task.NewTimerEngine(deps)

	intel, err := buildIntelligence(c.Context, cfg)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Host, cfg.Server.Port, api.Deps{
		Sessions:  registry,
		Broadcast: broadcast,
		Campaign:  campaign,
		Timer:     timer,
		Search:    autosearch.NewManager(sched, registry, kv),
		Sniper:    sniper.NewManager(sched, registry, policy, intel, retryCfg),
	})

	restoreTenants(c.Context, kv, registry, broadcast, campaign, timer)

	log.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).
		Str("store", cfg.Store.Backend).Str("driver", cfg.Platform.Driver).
		Msg("herald starting")
	return server.Start()
}

// clientDecorator wraps every client the registry builds: a send-side rate
// limiter keeps the session under the platform's request budget, and the
// audit layer records each outbound action to the tenant's activity log.
func clientDecorator(cfg *config.Config, activity *logging.ActivityLogger) func(tenant string, client platform.Client) platform.Client {
	interval := time.Minute / time.Duration(cfg.Throttle.SendRatePerMinute)
	return func(tenant string, client platform.Client) platform.Client {
		paced := platform.NewPacedClient(client, rate.NewLimiter(rate.Every(interval), 1))
		return platform.NewAuditedClient(paced, tenant, activity)
	}
}

func openStore(cfg *config.Config) (store.KV, error) {
	switch cfg.Store.Backend {
	case "badger":
		return store.OpenBadger(cfg.Store.Path)
	case "postgres":
		return store.OpenPostgres(context.Background(), cfg.Store.PostgresURL)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildIntelligence(ctx context.Context, cfg *config.Config) (ai.Intelligence, error) {
	if cfg.AI.Provider == "" {
		log.Warn().Msg("no ai provider configured, sniper runs on local heuristics")
		return ai.Offline{}, nil
	}
	connector, err := ai.NewConnector(ctx, ai.ConnectorOptions{
		Provider: ai.Provider(cfg.AI.Provider),
		APIKey:   cfg.AI.APIKey,
		BaseURL:  cfg.AI.BaseURL,
		ModelConfig: ai.ModelConfig{
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			MaxTokens:   cfg.AI.MaxTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("building ai connector: %w", err)
	}
	return connector, nil
}

// restoreTenants reconnects each tenant's last active session and reloads
// persisted task records. Non-terminal tasks are marked failed; armed
// timers are not durable. Tenants are found through both the active-session
// markers and the task records themselves: a tenant whose marker was
// removed along with its active session still has tasks to reload.
func restoreTenants(ctx context.Context, kv store.KV, registry *session.Registry, engines ...interface {
	LoadPersisted(ctx context.Context, tenant string) error
}) {
	tenants := make(map[string]struct{})

	if records, err := kv.List(ctx, store.ActivePrefix()); err != nil {
		log.Warn().Err(err).Msg("listing active-session markers failed")
	} else {
		for key := range records {
			tenants[strings.TrimPrefix(key, store.ActivePrefix())] = struct{}{}
		}
	}

	if records, err := kv.List(ctx, store.TaskRootPrefix()); err != nil {
		log.Warn().Err(err).Msg("listing task records failed")
	} else {
		for key := range records {
			rest := strings.TrimPrefix(key, store.TaskRootPrefix())
			if i := strings.Index(rest, ":"); i > 0 {
				tenants[rest[:i]] = struct{}{}
			}
		}
	}

	for tenant := range tenants {
		// RestoreActive is a no-op for tenants without a marker.
		if err := registry.RestoreActive(ctx, tenant); err != nil {
			log.Warn().Err(err).Str("tenant", tenant).Msg("session restore failed")
		}
		for _, engine := range engines {
			if err := engine.LoadPersisted(ctx, tenant); err != nil {
				log.Warn().Err(err).Str("tenant", tenant).Msg("task restore failed")
			}
		}
	}
}
