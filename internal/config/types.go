package config

// Config is the top-level daemon configuration.
//
// All durations are Go duration strings (e.g. "250ms", "10s", "5m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Engine  EngineConfig  `json:"engine"`

	// Stream is the client-facing ndjson listener.
	Stream StreamConfig `json:"stream"`

	// HTTP is the publish/ops API.
	HTTP HTTPConfig `json:"http,omitempty"`

	Kafka    *KafkaConfig    `json:"kafka,omitempty"`
	RabbitMQ *RabbitMQConfig `json:"rabbitmq,omitempty"`

	Notify NotifyConfig `json:"notify,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer (dedup windows, ack watermarks).
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./beacon.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// EngineConfig tunes the distribution pipeline.
//
// Defaults (when fields are omitted/zero):
//   - replay.max_entries: 500
//   - replay.max_age: "10m"
//   - throttle.interval: "5s"
//   - throttle.critical_repeat: "1s"
//   - batch.window: "250ms"
//   - batch.max_events: 50
//   - batch.compress_min: 1024
//   - session.queue_size: 200
//   - session.grace_period: "5m"
//   - janitor_schedule: "30s" (duration or standard cron expression)
type EngineConfig struct {
	Replay          ReplayConfig   `json:"replay"`
	Throttle        ThrottleConfig `json:"throttle"`
	Batch           BatchConfig    `json:"batch"`
	Session         SessionConfig  `json:"session"`
	JanitorSchedule string         `json:"janitor_schedule,omitempty"`
}

type ReplayConfig struct {
	MaxEntries int    `json:"max_entries,omitempty"`
	MaxAge     string `json:"max_age,omitempty"`
}

type ThrottleConfig struct {
	Interval       string `json:"interval,omitempty"`
	CriticalRepeat string `json:"critical_repeat,omitempty"`
	MaxEntries     int    `json:"max_entries,omitempty"`
	PersistDedup   bool   `json:"persist_dedup,omitempty"`
}

type BatchConfig struct {
	Window      string `json:"window,omitempty"`
	MaxEvents   int    `json:"max_events,omitempty"`
	CompressMin int    `json:"compress_min,omitempty"`
}

type SessionConfig struct {
	QueueSize   int    `json:"queue_size,omitempty"`
	GracePeriod string `json:"grace_period,omitempty"`
}

type StreamConfig struct {
	Network string `json:"network,omitempty"` // default: "tcp"
	Address string `json:"address"`
	// MaxLineBytes caps a single inbound client message.
	MaxLineBytes int    `json:"max_line_bytes,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address,omitempty"` // default: "127.0.0.1:8686"
}

// KafkaConfig enables the Kafka ingest adapter when present.
type KafkaConfig struct {
	Brokers       []string `json:"brokers"`
	Topics        []string `json:"topics"`
	GroupID       string   `json:"group_id"`
	ClientID      string   `json:"client_id,omitempty"`
	DefaultStream string   `json:"default_stream,omitempty"`
}

// RabbitMQConfig enables the AMQP ingest adapter when present.
type RabbitMQConfig struct {
	URL           string `json:"url"`
	Queue         string `json:"queue"`
	ConsumerTag   string `json:"consumer_tag,omitempty"`
	PrefetchCount int    `json:"prefetch_count,omitempty"`
	DefaultStream string `json:"default_stream,omitempty"`
}

type NotifyConfig struct {
	Telegram TelegramNotify `json:"telegram,omitempty"`
}

type TelegramNotify struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}
