package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Environment is the deployment environment: "prod" or "dev".
// Mirrors original_source/env_loader.py's EXCHANGER_ENV exactly, including
// its default ("prod") and its two-value validation.
type Environment string

const (
	Prod Environment = "prod"
	Dev  Environment = "dev"
)

// ParseEnvironment parses the EXCHANGER_ENV value. Unknown values are
// rejected rather than silently defaulted, matching env_loader.py's
// ValueError on an invalid value.
func ParseEnvironment(raw string) (Environment, error) {
	switch Environment(strings.ToLower(strings.TrimSpace(raw))) {
	case Prod, "":
		return Prod, nil
	case Dev:
		return Dev, nil
	default:
		return "", fmt.Errorf("invalid EXCHANGER_ENV: %q (must be one of: prod, dev)", raw)
	}
}

// CurrentEnvironment reads EXCHANGER_ENV, defaulting to Prod.
func CurrentEnvironment() (Environment, error) {
	return ParseEnvironment(os.Getenv("EXCHANGER_ENV"))
}

// Config is the fully decoded runtime configuration for any of the three
// roles (worker/task-creator/tracker), populated by envdecode struct tags
// after the environment's .env file has been loaded.
type Config struct {
	BaseDir string `env:"EXCHANGER_BASE_DIR,default=/opt/exchanger"`

	EngineBaseURL  string        `env:"CAMUNDA_ENGINE_URL,required"`
	EngineWorkerID string        `env:"CAMUNDA_WORKER_ID,default=exchanger-go"`
	EngineTimeout  time.Duration `env:"CAMUNDA_TIMEOUT,default=30s"`
	LockDuration   time.Duration `env:"CAMUNDA_LOCK_DURATION,default=60s"`

	DownstreamBaseURL   string        `env:"BITRIX_WEBHOOK_URL,required"`
	DownstreamTimeout   time.Duration `env:"BITRIX_TIMEOUT,default=30s"`
	DownstreamRateLimit float64       `env:"BITRIX_RATE_LIMIT,default=2"`

	MQURL           string `env:"RABBITMQ_URL,required"`
	MQExchange      string `env:"RABBITMQ_EXCHANGE,default=exchanger.tasks"`
	MQResponseQueue string `env:"RABBITMQ_RESPONSES_QUEUE,default=exchanger.responses"`
	MQErrorsQueue   string `env:"RABBITMQ_ERRORS_QUEUE,default=exchanger.errors"`
	MQSentQueue     string `env:"RABBITMQ_SENT_QUEUE,default=exchanger.sent.bitrix"`

	WorkerTopics               string        `env:"WORKER_TOPICS,default=review-task"`
	WorkerMaxTasks             int           `env:"WORKER_MAX_TASKS,default=10"`
	WorkerPollInterval         time.Duration `env:"WORKER_POLL_INTERVAL,default=5s"`
	WorkerResponseInterval     time.Duration `env:"WORKER_RESPONSE_INTERVAL,default=3s"`
	WorkerResponseBatch        int           `env:"WORKER_RESPONSE_BATCH,default=10"`
	WorkerMaxConsecutiveErrors int           `env:"WORKER_MAX_CONSECUTIVE_ERRORS,default=5"`

	TaskCreatorPollInterval time.Duration `env:"TASK_CREATOR_POLL_INTERVAL,default=3s"`
	TaskCreatorBatch        int           `env:"TASK_CREATOR_BATCH,default=10"`
	DefaultPriority         int           `env:"DEFAULT_TASK_PRIORITY,default=1"`
	DefaultResponsibleID    int64         `env:"DEFAULT_RESPONSIBLE_ID,default=1"`

	TrackerPollInterval time.Duration `env:"TRACKER_POLL_INTERVAL,default=10s"`
	TrackerBatch        int           `env:"TRACKER_BATCH,default=20"`
	TrackerAnswerLabels string        `env:"TRACKER_ANSWER_LABELS,default=1:Да,2:Нет"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

// Topics splits WorkerTopics on commas, trimming whitespace and dropping
// empty entries.
func (c *Config) Topics() []string {
	return SplitAndTrimCSV(c.WorkerTopics)
}

// AnswerLabels parses TrackerAnswerLabels ("id:label,id:label,...") into the
// {id -> label} mapping the Tracker uses to resolve a resultAnswer enum id
// to its human label (§4.3 step 5). Malformed entries are skipped.
func (c *Config) AnswerLabels() map[int64]string {
	out := map[int64]string{}
	for _, entry := range SplitAndTrimCSV(c.TrackerAnswerLabels) {
		idStr, label, found := strings.Cut(entry, ":")
		if !found {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		if err != nil {
			continue
		}
		out[id] = strings.TrimSpace(label)
	}
	return out
}

// Load resolves EXCHANGER_ENV, loads config/.env.{env} via godotenv (with
// override, matching env_loader.py's load_dotenv(..., override=True)), then
// decodes the process environment into Config via envdecode struct tags.
func Load() (Environment, *Config, error) {
	env, err := CurrentEnvironment()
	if err != nil {
		return "", nil, err
	}

	envFile := filepath.Join("config", fmt.Sprintf(".env.%s", env))
	if _, statErr := os.Stat(envFile); statErr == nil {
		if loadErr := godotenv.Overload(envFile); loadErr != nil {
			return "", nil, fmt.Errorf("load %s: %w", envFile, loadErr)
		}
	} else if !os.IsNotExist(statErr) {
		return "", nil, fmt.Errorf("stat %s: %w", envFile, statErr)
	}

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return "", nil, fmt.Errorf("decode config: %w", err)
	}

	return env, &cfg, nil
}

// LogDir resolves to {BaseDir}/logs/{env}/, mirroring env_loader.get_log_path.
func (c *Config) LogDir(env Environment) string {
	return filepath.Join(c.BaseDir, "logs", string(env))
}

// LogPath resolves the full path to a named log file for the current environment.
func (c *Config) LogPath(env Environment, filename string) string {
	return filepath.Join(c.LogDir(env), filename)
}

// EnsureLogDir creates the environment's log directory if it does not exist.
func (c *Config) EnsureLogDir(env Environment) error {
	return os.MkdirAll(c.LogDir(env), 0o755)
}
