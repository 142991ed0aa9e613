// Package storage provides the engine's small persistence layer.
//
// Only two things survive a restart:
//   - Throttle dedup windows (so a restart doesn't re-fire suppressed alerts)
//   - Client ack watermarks (so clients reconnecting after a restart can
//     resume from the replay window instead of full-resyncing)
//
// Full event history is deliberately not persisted; the replay buffer is the
// only retention the engine has.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"beacon/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the minimal persistence API used by the throttle and session layers.
type Store interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	PutWatermark(ctx context.Context, clientID, streamID string, seq uint64) error
	GetWatermark(ctx context.Context, clientID, streamID string) (seq uint64, ok bool, err error)
	DeleteClient(ctx context.Context, clientID string) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
