package worker

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/examsync/internal/config"
	"github.com/stemsi/examsync/internal/service"
	ws "github.com/stemsi/examsync/internal/websocket"
)

// ExpiryWorker sweeps the active-session set and expires every session whose
// wall-clock deadline has passed. This is the backstop that makes the
// deadline hold even when no client is connected: a user who closes the
// laptop mid-test still ends up EXPIRED on the server.
type ExpiryWorker struct {
	sessionService *service.SessionService
	rdb            *redis.Client
	hub            *ws.Hub
	interval       time.Duration
	log            zerolog.Logger
}

// NewExpiryWorker creates a new ExpiryWorker.
func NewExpiryWorker(sessionService *service.SessionService, rdb *redis.Client, hub *ws.Hub, interval time.Duration, log zerolog.Logger) *ExpiryWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &ExpiryWorker{
		sessionService: sessionService,
		rdb:            rdb,
		hub:            hub,
		interval:       interval,
		log:            log.With().Str("component", "expiry_worker").Logger(),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (w *ExpiryWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ExpiryWorker) sweep(ctx context.Context) {
	ids, err := w.rdb.SMembers(ctx, config.CacheKey.ActiveSessionsKey()).Result()
	if err != nil {
		w.log.Error().Err(err).Msg("Active set read error")
		return
	}

	now := time.Now().Unix()
	for _, id := range ids {
		sessionID, err := uuid.Parse(id)
		if err != nil {
			// Garbage in the set is removed rather than rescanned forever.
			w.rdb.SRem(ctx, config.CacheKey.ActiveSessionsKey(), id)
			continue
		}

		val, err := w.rdb.Get(ctx, config.CacheKey.SessionDeadlineKey(id)).Result()
		switch {
		case err == nil:
			deadline, parseErr := strconv.ParseInt(val, 10, 64)
			if parseErr == nil && deadline > now {
				continue
			}
		case err == redis.Nil:
			// Evicted deadline: RemainingSeconds self-heals the cache and
			// tells us whether the session is actually over.
			remaining, remErr := w.sessionService.RemainingSeconds(ctx, sessionID)
			if remErr != nil || remaining > 0 {
				continue
			}
		default:
			continue
		}

		w.expire(ctx, sessionID)
	}
}

func (w *ExpiryWorker) expire(ctx context.Context, sessionID uuid.UUID) {
	result, err := w.sessionService.ExpireSession(ctx, sessionID)
	if err != nil {
		w.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Expire error")
		return
	}

	w.log.Info().Str("session_id", sessionID.String()).Msg("Session expired by sweep")

	w.hub.Broadcast(sessionID, &ws.TimeExpiredMessage{
		Type:    ws.TypeTimeExpired,
		Message: "time is up",
		Result:  result,
	})
}
