package app

import (
	"context"
	"fmt"
	"time"

	sdaemon "github.com/coreos/go-systemd/v22/daemon"

	"beacon/internal/config"
	"beacon/internal/engine"
	"beacon/internal/ingest/httpapi"
	"beacon/internal/ingest/kafka"
	"beacon/internal/ingest/rabbitmq"
	"beacon/internal/notify"
	"beacon/internal/runtime/supervisor"
	"beacon/internal/storage"
	"beacon/internal/transport/stream"
	logx "beacon/pkg/logx"
)

// App wires config, storage, the engine and all ingest/egress surfaces.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	engine *engine.Engine

	streamSrv *stream.Server
	httpSrv   *httpapi.Server
	kafka     *kafka.Adapter
	rabbit    *rabbitmq.Adapter
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	// Storage (optional)
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	// Notifier (optional)
	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.Telegram.Enabled {
		tb, err := notify.NewTelegram(notify.TelegramConfig{
			Token:  cfg.Notify.Telegram.Token,
			ChatID: cfg.Notify.Telegram.ChatID,
		}, log.With(logx.String("comp", "notify")))
		if err != nil {
			return nil, fmt.Errorf("notify.telegram: %w", err)
		}
		notifier = tb
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, store, notifier, log)

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		store:  store,
		engine: eng,
	}

	streamCfg, err := mapStreamConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.streamSrv = stream.NewServer(streamCfg, eng, log.With(logx.String("comp", "stream")))

	if cfg.HTTP.Enabled {
		addr := cfg.HTTP.Address
		if addr == "" {
			addr = "127.0.0.1:8686"
		}
		a.httpSrv = httpapi.NewServer(httpapi.Config{Address: addr}, eng, log.With(logx.String("comp", "http")))
	}

	if cfg.Kafka != nil {
		ka, err := kafka.NewAdapter(kafka.Config{
			Enabled:       true,
			Brokers:       cfg.Kafka.Brokers,
			Topics:        cfg.Kafka.Topics,
			GroupID:       cfg.Kafka.GroupID,
			ClientID:      cfg.Kafka.ClientID,
			DefaultStream: cfg.Kafka.DefaultStream,
		}, eng, log.With(logx.String("comp", "kafka")))
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		a.kafka = ka
	}

	if cfg.RabbitMQ != nil {
		ra, err := rabbitmq.NewAdapter(rabbitmq.Config{
			Enabled:       true,
			URL:           cfg.RabbitMQ.URL,
			Queue:         cfg.RabbitMQ.Queue,
			ConsumerTag:   cfg.RabbitMQ.ConsumerTag,
			PrefetchCount: cfg.RabbitMQ.PrefetchCount,
			DefaultStream: cfg.RabbitMQ.DefaultStream,
		}, eng, log.With(logx.String("comp", "rabbitmq")))
		if err != nil {
			return nil, fmt.Errorf("rabbitmq: %w", err)
		}
		a.rabbit = ra
	}

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStreamConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	a.engine.Start(a.sup.Context())

	// Bind before declaring ready; the accept loop runs under the supervisor
	// so Start returns once every surface is up.
	if err := a.streamSrv.Listen(); err != nil {
		return err
	}
	a.sup.Go("stream.serve", a.streamSrv.Serve)

	if a.httpSrv != nil {
		a.sup.Go("http.serve", func(context.Context) error {
			return a.httpSrv.ListenAndServe()
		})
	}
	if a.kafka != nil {
		a.sup.GoRestart("kafka.ingest", a.kafka.Start,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}
	if a.rabbit != nil {
		a.sup.Go("rabbitmq.ingest", a.rabbit.Start)
	}

	a.sup.Go("config.watch", a.cfgm.Watch)

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(newCfg)
			}
		}
	})

	_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyReady)
	a.log.Info("started", logx.String("stream_addr", a.streamSrv.Addr()))
	return nil
}

// applyReload pushes a validated config into the live components.
// Storage and listener addresses require a restart; everything else is live.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		// validator should have caught this; keep previous settings
		a.log.Warn("invalid engine config on reload", logx.Err(err))
		return
	}
	a.engine.Apply(engCfg.Throttle.Interval, engCfg.Batch.Window)
	a.log.Info("config reloaded",
		logx.Duration("throttle_interval", engCfg.Throttle.Interval),
		logx.Duration("batch_window", engCfg.Batch.Window))
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyStopping)

	// Stop accepting new work first, then drain the pipeline.
	_ = a.streamSrv.Close()
	if a.httpSrv != nil {
		_ = a.httpSrv.Shutdown(ctx)
	}

	a.engine.Stop(ctx)

	if a.sup != nil {
		_ = a.sup.Shutdown(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
	return nil
}

// Done reports supervisor-driven termination (a fatal goroutine error).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}
