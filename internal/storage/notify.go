package storage

import (
	"context"
	"fmt"
)

// ChannelEvents is the Postgres NOTIFY channel carrying domain events when
// the notification bus is backed by the database.
const ChannelEvents = "michi_events"

// MaxNotifyPayload is the largest payload Postgres accepts for NOTIFY.
const MaxNotifyPayload = 8000

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if len(payload) >= MaxNotifyPayload {
		return fmt.Errorf("storage: notify %s: payload of %d bytes exceeds limit", channel, len(payload))
	}
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return wrapErr("notify "+channel, err)
	}
	return nil
}
