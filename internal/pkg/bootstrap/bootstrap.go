// Package bootstrap wires the POS integration services of a process.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/POSBridge/app/models"
	"github.com/ManuelReschke/POSBridge/app/repository"
	"github.com/ManuelReschke/POSBridge/internal/pkg/cache"
	"github.com/ManuelReschke/POSBridge/internal/pkg/database"
	"github.com/ManuelReschke/POSBridge/internal/pkg/env"
	"github.com/ManuelReschke/POSBridge/internal/pkg/ingest"
	"github.com/ManuelReschke/POSBridge/internal/pkg/jobqueue"
	"github.com/ManuelReschke/POSBridge/internal/pkg/metrics/posmetrics"
	"github.com/ManuelReschke/POSBridge/internal/pkg/oauthstate"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos"
	"github.com/ManuelReschke/POSBridge/internal/pkg/pos/square"
	"github.com/ManuelReschke/POSBridge/internal/pkg/rawarchive"
	"github.com/ManuelReschke/POSBridge/internal/pkg/retry"
	"github.com/ManuelReschke/POSBridge/internal/pkg/vault"
)

// Services are the long lived components shared by the server and the CLI.
type Services struct {
	Repos        *repository.Repositories
	Registry     *pos.Registry
	Orchestrator *ingest.Orchestrator
	Queue        *jobqueue.Queue
	Manager      *jobqueue.Manager
	InitReport   *pos.InitReport
}

// Setup loads the environment, connects MySQL and Redis and initializes the
// enabled adapters. Adapter failures are logged and reported, not fatal, unless
// POS_STRICT_INIT is set.
func Setup(ctx context.Context) (*Services, error) {
	if err := env.SetupEnvFile(); err != nil {
		log.Warnf("[Bootstrap] %v, using process environment", err)
	}
	if err := database.SetupDatabase(); err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	cache.SetupCache()
	posmetrics.Register()

	repository.InitializeFactory(database.GetDB())
	repos := repository.GetGlobalRepositories()
	tokenBuffer := env.GetDuration("POS_TOKEN_EXPIRY_BUFFER", pos.DefaultTokenBuffer)
	registry := pos.NewRegistry(repos.Connection, repos.Restaurant, tokenBuffer)

	deps := square.Deps{
		Connections: repos.Connection,
		Raw:         repos.Raw,
		States:      oauthstate.NewManager(oauthstate.NewRedisStore(), env.GetDuration("POS_OAUTH_STATE_TTL", oauthstate.DefaultTTL)),
		Retry:       retryPolicy(),
		TokenBuffer: tokenBuffer,
	}

	// A missing key leaves Vault nil; the adapter then fails with a ConfigError.
	if v, err := vault.NewFromEnv(); err != nil {
		log.Errorf("[Bootstrap] Credential vault unavailable: %v", err)
	} else {
		deps.Vault = v
	}

	archiveCfg, err := rawarchive.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("raw archive: %w", err)
	}
	if archiveCfg.Enabled {
		archive, err := rawarchive.New(ctx, archiveCfg)
		if err != nil {
			log.Errorf("[Bootstrap] Raw archive disabled: %v", err)
		} else {
			deps.Archiver = archive
		}
	}

	registry.Register(models.POSProviderSquare, square.NewFactory(square.LoadConfig(), deps))
	registry.Register(models.POSProviderToast, pos.UnsupportedFactory(models.POSProviderToast))
	registry.Register(models.POSProviderClover, pos.UnsupportedFactory(models.POSProviderClover))

	report, err := registry.InitializeAll(ctx, enabledProviders(), env.GetBool("POS_STRICT_INIT", false))
	if err != nil {
		return nil, err
	}

	orch := ingest.NewOrchestrator(registry, repos.Connection, repos.Raw, repos.Unified, tokenBuffer)
	managerCfg := jobqueue.LoadManagerConfig()
	queue := jobqueue.NewQueue(cache.GetClient(), orch, managerCfg.Workers)

	return &Services{
		Repos:        repos,
		Registry:     registry,
		Orchestrator: orch,
		Queue:        queue,
		Manager:      jobqueue.NewManager(queue, repos.Connection, registry, managerCfg),
		InitReport:   report,
	}, nil
}

// enabledProviders reads POS_PROVIDERS, a comma separated list. Registered
// providers outside the list stay uninitialized.
func enabledProviders() []string {
	var out []string
	for _, p := range strings.Split(env.GetEnv("POS_PROVIDERS", models.POSProviderSquare), ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func retryPolicy() *retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = env.GetInt("POS_RETRY_MAX", p.MaxRetries)
	p.BaseDelay = env.GetDuration("POS_RETRY_BASE_DELAY", p.BaseDelay)
	p.MaxDelay = env.GetDuration("POS_RETRY_MAX_DELAY", p.MaxDelay)
	if j := env.GetFloat("POS_RETRY_JITTER", 0); j >= 0 && j < 1 {
		p.Jitter = j
	}
	return &p
}

// Close releases the Redis client.
func (s *Services) Close() {
	if err := cache.Close(); err != nil {
		log.Warnf("[Bootstrap] Closing cache: %v", err)
	}
}
