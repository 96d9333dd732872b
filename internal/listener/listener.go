// Package listener refreshes the rule snapshot on Postgres NOTIFY.
package listener

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DefaultChannel is the channel the rules trigger notifies on.
const DefaultChannel = "rule_change"

// Refresher reloads state after a change notification.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// ListenAndRefresh blocks until ctx is done. A lost connection is re-acquired
// after a jittered backoff, followed by a refresh to cover missed notifications.
func ListenAndRefresh(ctx context.Context, pool *pgxpool.Pool, r Refresher, channel string, baseBackoff time.Duration) {
	if channel == "" {
		channel = DefaultChannel
	}
	for ctx.Err() == nil {
		err := listen(ctx, pool, r, channel)
		if ctx.Err() != nil {
			break
		}
		backoff := jitter(baseBackoff)
		log.Error().Err(err).Str("channel", channel).Dur("retry_in", backoff).Msg("listener disconnected")
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
	}
	log.Info().Msg("listener stopped")
}

func listen(ctx context.Context, pool *pgxpool.Pool, r Refresher, channel string) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return err
	}
	log.Info().Str("channel", channel).Msg("listening for rule changes")
	if err := r.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("refresh rules")
	}

	var d debouncer
	for {
		ntf, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if !d.allow(time.Now()) {
			continue
		}
		log.Info().Str("channel", ntf.Channel).Str("rule_id", ntf.Payload).Msg("rule changed; refreshing snapshot")
		if err := r.Refresh(ctx); err != nil {
			log.Error().Err(err).Msg("refresh rules")
		}
	}
}

// debouncer drops notifications that arrive in a burst.
type debouncer struct {
	last time.Time
}

const debounceWindow = 200 * time.Millisecond

func (d *debouncer) allow(now time.Time) bool {
	if !d.last.IsZero() && now.Sub(d.last) < debounceWindow {
		return false
	}
	d.last = now
	return true
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	factor := 0.5 + rand.Float64() // 0.5x–1.5x
	return time.Duration(float64(base) * factor)
}
