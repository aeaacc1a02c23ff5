// Package app assembles the governance services from configuration. The
// server and approvalctl share it so both run the same wiring.
package app

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-approval-governance/internal/client"
	"github.com/pesio-ai/be-approval-governance/internal/platform/config"
	"github.com/pesio-ai/be-approval-governance/internal/platform/database"
	"github.com/pesio-ai/be-approval-governance/internal/platform/logger"
	"github.com/pesio-ai/be-approval-governance/internal/ratelimit"
	"github.com/pesio-ai/be-approval-governance/internal/repository"
	"github.com/pesio-ai/be-approval-governance/internal/service"
)

// Services is the assembled application.
type Services struct {
	Approvals *service.ApprovalService
	Policy    *service.PolicyService
	Audit     *service.AuditEmitter
}

// NewServices builds the repositories and services on db. A nil publisher
// disables event publishing.
func NewServices(db *database.DB, publisher service.EventPublisher, auditBuffer int, log *logger.Logger) *Services {
	rulesRepo := repository.NewApprovalRulesRepository(db)
	groupsRepo := repository.NewApprovalGroupsRepository(db)
	directoryRepo := repository.NewDirectoryRepository(db)
	membershipRepo := repository.NewMembershipRepository(db)
	artifactRepo := repository.NewArtifactRepository(db)
	tasksRepo := repository.NewApprovalTasksRepository(db)
	auditRepo := repository.NewApprovalAuditRepository(db)

	emitter := service.NewAuditEmitter(auditRepo, publisher, auditBuffer, log.Component("audit"))
	ruleResolver := service.NewRuleResolver(rulesRepo)
	groupResolver := service.NewGroupResolver(groupsRepo, membershipRepo, log.Component("groups"))
	aggregator := service.NewAggregator(artifactRepo, tasksRepo, emitter, log.Component("aggregate"))

	return &Services{
		Approvals: service.NewApprovalService(
			artifactRepo, tasksRepo, auditRepo, membershipRepo,
			ruleResolver, groupResolver, aggregator, emitter, publisher,
			log.Component("approvals"),
		),
		Policy: service.NewPolicyService(
			rulesRepo, groupsRepo, directoryRepo, membershipRepo, groupResolver,
			log.Component("policy"),
		),
		Audit: emitter,
	}
}

// OpenDatabase connects to Postgres using cfg.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	return database.New(ctx, database.Config{
		DSN:         cfg.DSN(),
		MaxConns:    cfg.MaxConns,
		MinConns:    cfg.MinConns,
		MaxConnTime: cfg.MaxConnTime,
		MaxIdleTime: cfg.MaxIdleTime,
		HealthCheck: cfg.HealthCheck,
	})
}

// NewPublisher connects to NATS when enabled. The returned close function is
// always safe to call.
func NewPublisher(cfg config.NATSConfig, name string, log *logger.Logger) (service.EventPublisher, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}
	nc, err := client.ConnectNATS(cfg.URL, name, log.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	pub := client.NewNotificationPublisher(nc, cfg.SubjectPrefix, log.Component("events").Logger)
	return pub, func() { drain(nc, log) }, nil
}

func drain(nc *nats.Conn, log *logger.Logger) {
	if err := nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("NATS drain failed")
	}
}

// NewGuard builds the rate limit guard on the configured counter backend.
func NewGuard(ctx context.Context, cfg *config.Config, db *database.DB, log *logger.Logger) (*ratelimit.Guard, func(), error) {
	var (
		counter ratelimit.Counter
		closeFn = func() {}
	)

	switch cfg.RateLimit.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		counter = ratelimit.NewRedisCounter(rdb)
		closeFn = func() { _ = rdb.Close() }
	case "memory":
		counter = ratelimit.NewMemoryCounter()
	default:
		counter = ratelimit.NewPostgresCounter(db)
	}

	policy := ratelimit.Policy{
		Actor:        ratelimit.Limit{Max: cfg.RateLimit.ActorMax, Window: cfg.RateLimit.ActorWindow},
		Organisation: ratelimit.Limit{Max: cfg.RateLimit.OrganisationMax, Window: cfg.RateLimit.OrganisationWindow},
	}
	log.Info().
		Str("backend", cfg.RateLimit.Backend).
		Int("actor_max", policy.Actor.Max).
		Int("organisation_max", policy.Organisation.Max).
		Msg("Rate limit guard configured")

	return ratelimit.NewGuard(counter, policy, log.Component("ratelimit").Logger), closeFn, nil
}
