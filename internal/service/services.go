package service

import (
	"log/slog"

	redisx "github.com/jbae-dev/stagepass/internal/redis"
	postgresrepo "github.com/jbae-dev/stagepass/internal/repository/postgres"
	redisrepo "github.com/jbae-dev/stagepass/internal/repository/redis"
	"github.com/jbae-dev/stagepass/internal/service/catalog"
	"github.com/jbae-dev/stagepass/internal/service/payment"
	"github.com/jbae-dev/stagepass/internal/service/reservation"
	"github.com/jbae-dev/stagepass/internal/service/session"
)

type Services struct {
	Reservation *reservation.Service
	Session     *session.Service
	Payment     *payment.Service
}

type Config struct {
	Reservation reservation.Config
	Session     session.Config
	Payment     payment.Config
}

func NewServices(
	store *postgresrepo.Store,
	locks *redisrepo.HoldLockStore,
	sessions *redisrepo.SessionStore,
	tokens session.WaitingTokenValidator,
	cache *redisrepo.Cache,
	pubsub *redisx.SchedulePubSub,
	limiter *redisrepo.SlidingWindowLimiter,
	log *slog.Logger,
	cfg Config,
) *Services {
	return &Services{
		Reservation: reservation.New(store, locks, cache, pubsub, limiter, catalog.NewPG(store), cfg.Reservation),
		Session:     session.New(sessions, tokens, cfg.Session),
		Payment:     payment.New(store, log, cfg.Payment),
	}
}
