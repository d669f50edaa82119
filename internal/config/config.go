// Package config loads process configuration from the environment.
//
// Loading order: a .env file in the working directory (if any, never
// overriding real environment variables), envconfig struct tags with their
// defaults, validator struct tags, then the cross-field checks in Validate.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Report store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Blob storage backends.
const (
	StorageS3    = "s3"
	StorageLocal = "local"
)

// Config is the root configuration for every binary in this module.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	Source    SourceConfig
	Cycle     CycleConfig
	Model     ModelConfig
	Storage   StorageConfig
	Kafka     KafkaConfig
	Scheduler SchedulerConfig
}

type ServerConfig struct {
	Host         string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port         int           `envconfig:"SERVER_PORT" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"15s"`
	IdleTimeout  time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"60s"`
}

type DatabaseConfig struct {
	Store           string        `envconfig:"REPORT_STORE" default:"postgres" validate:"oneof=postgres memory"`
	Host            string        `envconfig:"DB_HOST" default:"localhost"`
	Port            int           `envconfig:"DB_PORT" default:"5432" validate:"min=1,max=65535"`
	User            string        `envconfig:"DB_USER" default:"postgres"`
	Password        string        `envconfig:"DB_PASSWORD"`
	Database        string        `envconfig:"DB_NAME" default:"forecast"`
	SSLMode         string        `envconfig:"DB_SSLMODE" default:"disable" validate:"oneof=disable require verify-ca verify-full"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"10" validate:"min=1"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5" validate:"min=0"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m"`
	ConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"5m"`
}

type LoggingConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
}

// SourceConfig describes where METAR reports come from.
type SourceConfig struct {
	BaseURL    string        `envconfig:"SOURCE_BASE_URL" default:"https://www.ogimet.com/display_metars2.php" validate:"required,url"`
	Station    string        `envconfig:"STATION_CODE" default:"SKBQ" validate:"required,len=4,alphanum"`
	Lookback   time.Duration `envconfig:"SOURCE_LOOKBACK" default:"10h"`
	Timeout    time.Duration `envconfig:"SOURCE_TIMEOUT" default:"20s"`
	MaxRetries int           `envconfig:"SOURCE_MAX_RETRIES" default:"2" validate:"min=0,max=10"`
	UserAgent  string        `envconfig:"SOURCE_USER_AGENT" default:"real-time-temp-forecast/1.0"`
}

// CycleConfig tunes admission and the forecast cycle.
type CycleConfig struct {
	Debounce      time.Duration `envconfig:"CYCLE_DEBOUNCE" default:"50m"`
	StaleAfter    time.Duration `envconfig:"CYCLE_STALE_AFTER" default:"2h"`
	SnapshotEvery int           `envconfig:"SNAPSHOT_EVERY" default:"5" validate:"min=1"`
	MaxWidenings  int           `envconfig:"REPAIR_MAX_WIDENINGS" default:"3" validate:"min=0,max=24"`
	QueueSize     int           `envconfig:"EXECUTOR_QUEUE_SIZE" default:"8" validate:"min=1"`
}

// ModelConfig holds regressor hyperparameters and the bootstrap scaler range
// used when no persisted scaler exists yet.
type ModelConfig struct {
	HiddenSize      int     `envconfig:"MODEL_HIDDEN_SIZE" default:"16" validate:"min=1,max=256"`
	LearningRate    float64 `envconfig:"MODEL_LEARNING_RATE" default:"0.01" validate:"gt=0"`
	Seed            int64   `envconfig:"MODEL_SEED" default:"42"`
	ScalerMinKelvin float64 `envconfig:"SCALER_DEFAULT_MIN" default:"293.15"`
	ScalerMaxKelvin float64 `envconfig:"SCALER_DEFAULT_MAX" default:"309.15"`
	ModelKey        string  `envconfig:"MODEL_KEY" default:"data/model.json.zst"`
	ScalerKey       string  `envconfig:"SCALER_KEY" default:"data/scaler.json"`
	DatasetKey      string  `envconfig:"DATASET_KEY" default:"data/train_data.csv"`
}

type StorageConfig struct {
	Backend   string        `envconfig:"STORAGE_BACKEND" default:"local" validate:"oneof=s3 local"`
	LocalDir  string        `envconfig:"STORAGE_LOCAL_DIR" default:"./blob"`
	Region    string        `envconfig:"AWS_REGION" default:"us-east-1"`
	AccessKey string        `envconfig:"AWS_ACCESS_KEY"`
	SecretKey string        `envconfig:"AWS_SECRET_KEY"`
	Bucket    string        `envconfig:"AWS_BUCKET_NAME"`
	Endpoint  string        `envconfig:"AWS_ENDPOINT_URL"`
	URLTTL    time.Duration `envconfig:"STORAGE_URL_TTL" default:"168h"`
}

type KafkaConfig struct {
	Brokers []string `envconfig:"KAFKA_BROKERS"`
	Topic   string   `envconfig:"KAFKA_TOPIC" default:"forecast.temperature"`
}

// Enabled reports whether forecast events should be published.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type SchedulerConfig struct {
	// Interval of zero disables the in-process trigger.
	Interval time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"0"`
}

// ConfigError wraps failures from LoadConfig and Validate.
type ConfigError struct {
	Stage   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Stage, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig reads .env (optional) and the process environment into a Config.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{Stage: "env", Message: "failed to process environment", Err: err}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{Stage: "validate", Message: "invalid configuration", Err: err}
	}

	return &cfg, nil
}

// Validate performs cross-field checks that struct tags cannot express.
func (c *Config) Validate() error {
	var problems []string

	if c.Storage.Backend == StorageS3 && c.Storage.Bucket == "" {
		problems = append(problems, "AWS_BUCKET_NAME is required when STORAGE_BACKEND=s3")
	}
	if (c.Storage.AccessKey == "") != (c.Storage.SecretKey == "") {
		problems = append(problems, "AWS_ACCESS_KEY and AWS_SECRET_KEY must be set together")
	}
	if c.Model.ScalerMaxKelvin <= c.Model.ScalerMinKelvin {
		problems = append(problems, "SCALER_DEFAULT_MAX must exceed SCALER_DEFAULT_MIN")
	}
	if c.Cycle.StaleAfter <= c.Cycle.Debounce {
		problems = append(problems, "CYCLE_STALE_AFTER must exceed CYCLE_DEBOUNCE")
	}
	if c.Source.Lookback < 5*time.Hour {
		problems = append(problems, "SOURCE_LOOKBACK must cover at least 5h")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		problems = append(problems, "DB_MAX_IDLE_CONNS cannot exceed DB_MAX_OPEN_CONNS")
	}
	if c.Scheduler.Interval < 0 {
		problems = append(problems, "SCHEDULER_INTERVAL cannot be negative")
	}

	if len(problems) > 0 {
		return &ConfigError{Stage: "validate", Message: strings.Join(problems, "; ")}
	}
	return nil
}
