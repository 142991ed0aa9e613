package app

import (
	"fmt"
	"strings"
	"time"

	"beacon/internal/batch"
	"beacon/internal/config"
	"beacon/internal/engine"
	"beacon/internal/replay"
	"beacon/internal/session"
	"beacon/internal/storage"
	"beacon/internal/throttle"
	"beacon/internal/transport/stream"
)

// mapEngineConfig validates and converts config durations into engine settings.
// Zero/omitted fields fall through to the engine's own defaults.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine

	maxAge, err := config.ParseDurationField("engine.replay.max_age", ec.Replay.MaxAge)
	if err != nil {
		return engine.Config{}, err
	}
	interval, err := config.ParseDurationField("engine.throttle.interval", ec.Throttle.Interval)
	if err != nil {
		return engine.Config{}, err
	}
	critRepeat, err := config.ParseDurationField("engine.throttle.critical_repeat", ec.Throttle.CriticalRepeat)
	if err != nil {
		return engine.Config{}, err
	}
	window, err := config.ParseDurationField("engine.batch.window", ec.Batch.Window)
	if err != nil {
		return engine.Config{}, err
	}
	grace, err := config.ParseDurationField("engine.session.grace_period", ec.Session.GracePeriod)
	if err != nil {
		return engine.Config{}, err
	}

	if ec.Replay.MaxEntries < 0 {
		return engine.Config{}, fmt.Errorf("engine.replay.max_entries must be >= 0")
	}
	if ec.Batch.MaxEvents < 0 {
		return engine.Config{}, fmt.Errorf("engine.batch.max_events must be >= 0")
	}
	if ec.Session.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("engine.session.queue_size must be >= 0")
	}

	out := engine.Config{
		Replay: replay.Config{
			MaxEntries: ec.Replay.MaxEntries,
			MaxAge:     maxAge,
		},
		Throttle: throttle.Config{
			Interval:       interval,
			CriticalRepeat: critRepeat,
			MaxEntries:     ec.Throttle.MaxEntries,
			PersistDedup:   ec.Throttle.PersistDedup,
		},
		Batch: batch.Config{
			Window:      window,
			MaxEvents:   ec.Batch.MaxEvents,
			CompressMin: ec.Batch.CompressMin,
		},
		Session: session.Config{
			QueueSize:   ec.Session.QueueSize,
			GracePeriod: grace,
		},
		JanitorSchedule: ec.JanitorSchedule,
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapStreamConfig(cfg *config.Config) (stream.Config, error) {
	if strings.TrimSpace(cfg.Stream.Address) == "" {
		return stream.Config{}, fmt.Errorf("stream.address is required")
	}
	wt, err := config.ParseDurationOrDefault("stream.write_timeout", cfg.Stream.WriteTimeout, 10*time.Second)
	if err != nil {
		return stream.Config{}, err
	}
	return stream.Config{
		Network:      cfg.Stream.Network,
		Address:      cfg.Stream.Address,
		MaxLineBytes: cfg.Stream.MaxLineBytes,
		WriteTimeout: wt,
	}, nil
}
