package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/finch-technologies/queue-drain/env"
	"github.com/finch-technologies/queue-drain/utils"
)

const (
	QueueDriverSQS   = "sqs"
	QueueDriverRedis = "redis"

	StoreDriverDynamo   = "dynamodb"
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	DeadLetterDriverNone  = "none"
	DeadLetterDriverLocal = "local"
	DeadLetterDriverS3    = "s3"

	DecodePolicyFailBatch  = "fail_batch"
	DecodePolicyDeadLetter = "dead_letter"

	// DefaultTable is also the only table the postgres migrations create.
	DefaultTable = "local_smartmedia_queue_msgs"
)

type AwsConfig struct {
	Region          string
	AccessKeyId     string
	SecretAccessKey string
	// Base64 KMS ciphertext of the secret access key.
	SecretKms   string
	EndpointUrl string
}

type QueueConfig struct {
	Driver         string
	Url            string
	RedisAddr      string
	RedisPassword  string
	RedisDb        int
	RedisQueueName string
}

type StoreConfig struct {
	Driver        string
	Table         string
	DatabaseUrl   string
	RunMigrations bool
}

type FetchConfig struct {
	MaxMessages       int
	MaxBatchPerCall   int
	VisibilityTimeout int
	WaitTimeSeconds   int
}

type DeadLetterConfig struct {
	Driver string
	Bucket string
	Prefix string
	Path   string
}

type SentryConfig struct {
	Dsn        string
	SampleRate float64
}

type Config struct {
	Environment     string
	SiteIdentifier  string
	TenantAttribute string
	DecodePolicy    string
	PollInterval    time.Duration
	MetricsAddr     string
	OtelEndpoint    string
	Aws             AwsConfig
	Queue           QueueConfig
	Store           StoreConfig
	Fetch           FetchConfig
	DeadLetter      DeadLetterConfig
	Sentry          SentryConfig
}

// Decrypter turns an encrypted configuration value into plaintext.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

func Default() Config {
	return Config{
		TenantAttribute: "siteid",
		DecodePolicy:    DecodePolicyFailBatch,
		PollInterval:    time.Minute,
		MetricsAddr:     ":9090",
		Aws: AwsConfig{
			Region: "af-south-1",
		},
		Queue: QueueConfig{
			Driver:         QueueDriverSQS,
			RedisAddr:      "localhost:6379",
			RedisDb:        4,
			RedisQueueName: "queue-drain",
		},
		Store: StoreConfig{
			Driver: StoreDriverDynamo,
			Table:  DefaultTable,
		},
		Fetch: FetchConfig{
			MaxMessages:       100,
			MaxBatchPerCall:   10,
			VisibilityTimeout: 60,
			WaitTimeSeconds:   5,
		},
		DeadLetter: DeadLetterConfig{
			Driver: DeadLetterDriverNone,
			Prefix: "dead-letter",
			Path:   ".storage/dead-letter",
		},
	}
}

// Load builds the configuration from the process environment, after
// loading a .env file when present.
func Load() (Config, error) {
	env.Load()

	defaults := Default()

	redisAddr := ""
	if os.Getenv("REDIS_HOST") != "" {
		redisAddr = fmt.Sprintf("%s:%s", os.Getenv("REDIS_HOST"), env.GetOrDefault("REDIS_PORT", "6379"))
	}

	cfg := Config{
		Environment:     os.Getenv("ENVIRONMENT"),
		SiteIdentifier:  os.Getenv("SITE_IDENTIFIER"),
		TenantAttribute: os.Getenv("TENANT_ATTRIBUTE"),
		DecodePolicy:    os.Getenv("DECODE_POLICY"),
		PollInterval:    utils.StringToDurationOrDefault(os.Getenv("POLL_INTERVAL"), 0),
		MetricsAddr:     os.Getenv("METRICS_ADDR"),
		OtelEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Aws: AwsConfig{
			Region:          os.Getenv("AWS_REGION"),
			AccessKeyId:     os.Getenv("API_KEY"),
			SecretAccessKey: os.Getenv("API_SECRET"),
			SecretKms:       os.Getenv("API_SECRET_KMS"),
			EndpointUrl:     os.Getenv("AWS_ENDPOINT_URL"),
		},
		Queue: QueueConfig{
			Driver:         os.Getenv("QUEUE_DRIVER"),
			Url:            os.Getenv("SQS_QUEUE_URL"),
			RedisAddr:      redisAddr,
			RedisPassword:  os.Getenv("REDIS_PASSWORD"),
			RedisQueueName: os.Getenv("REDIS_QUEUE_NAME"),
		},
		Store: StoreConfig{
			Driver:        os.Getenv("STORE_DRIVER"),
			Table:         os.Getenv("QUEUE_TABLE"),
			DatabaseUrl:   os.Getenv("DATABASE_URL"),
			RunMigrations: utils.StringToBoolOrDefault(os.Getenv("RUN_MIGRATIONS"), false),
		},
		Fetch: FetchConfig{
			MaxMessages:     utils.StringToIntOrDefault(os.Getenv("MAX_MESSAGES"), 0),
			MaxBatchPerCall: utils.StringToIntOrDefault(os.Getenv("MAX_BATCH_PER_CALL"), 0),
		},
		DeadLetter: DeadLetterConfig{
			Driver: os.Getenv("DEAD_LETTER_DRIVER"),
			Bucket: os.Getenv("DEAD_LETTER_BUCKET"),
			Prefix: os.Getenv("DEAD_LETTER_PREFIX"),
			Path:   os.Getenv("DEAD_LETTER_PATH"),
		},
		Sentry: SentryConfig{
			Dsn:        os.Getenv("SENTRY_DSN"),
			SampleRate: utils.StringToFloatOrDefault(os.Getenv("SENTRY_SAMPLE_RATE"), 0),
		},
	}

	cfg.applyDefaults(defaults)

	// zero is a meaningful value for these, so they bypass the zero-value defaults
	cfg.Queue.RedisDb = lookupInt("REDIS_DB", cfg.Queue.RedisDb)
	cfg.Fetch.VisibilityTimeout = lookupInt("VISIBILITY_TIMEOUT", cfg.Fetch.VisibilityTimeout)
	cfg.Fetch.WaitTimeSeconds = lookupInt("WAIT_TIME_SECONDS", cfg.Fetch.WaitTimeSeconds)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// lookupInt returns the integer value of key when it is set, else fallback.
func lookupInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return utils.StringToIntOrDefault(value, fallback)
}

func (c *Config) applyDefaults(defaults Config) {
	utils.MergeObjects(c, defaults)
	utils.MergeObjects(&c.Aws, defaults.Aws)
	utils.MergeObjects(&c.Queue, defaults.Queue)
	utils.MergeObjects(&c.Store, defaults.Store)
	utils.MergeObjects(&c.Fetch, defaults.Fetch)
	utils.MergeObjects(&c.DeadLetter, defaults.DeadLetter)
}

func (c Config) Validate() error {
	var errs []error

	if c.SiteIdentifier == "" {
		errs = append(errs, errors.New("SITE_IDENTIFIER is required"))
	}

	switch c.Queue.Driver {
	case QueueDriverSQS:
		if c.Queue.Url == "" {
			errs = append(errs, errors.New("SQS_QUEUE_URL is required for the sqs queue driver"))
		}
	case QueueDriverRedis:
	default:
		errs = append(errs, fmt.Errorf("invalid queue driver %q", c.Queue.Driver))
	}

	switch c.Store.Driver {
	case StoreDriverPostgres:
		if c.Store.DatabaseUrl == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store driver"))
		}
		if c.Store.RunMigrations && c.Store.Table != DefaultTable {
			errs = append(errs, fmt.Errorf("RUN_MIGRATIONS only creates %s; QUEUE_TABLE %q must be created separately", DefaultTable, c.Store.Table))
		}
	case StoreDriverDynamo, StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid store driver %q", c.Store.Driver))
	}

	switch c.DeadLetter.Driver {
	case DeadLetterDriverS3:
		if c.DeadLetter.Bucket == "" {
			errs = append(errs, errors.New("DEAD_LETTER_BUCKET is required for the s3 dead letter driver"))
		}
	case DeadLetterDriverLocal, DeadLetterDriverNone:
	default:
		errs = append(errs, fmt.Errorf("invalid dead letter driver %q", c.DeadLetter.Driver))
	}

	switch c.DecodePolicy {
	case DecodePolicyFailBatch:
	case DecodePolicyDeadLetter:
		if c.DeadLetter.Driver == DeadLetterDriverNone {
			errs = append(errs, errors.New("the dead_letter decode policy needs a dead letter driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid decode policy %q", c.DecodePolicy))
	}

	if c.Fetch.MaxMessages < 1 {
		errs = append(errs, errors.New("MAX_MESSAGES must be positive"))
	}
	if c.Fetch.MaxBatchPerCall < 1 || c.Fetch.MaxBatchPerCall > 10 {
		errs = append(errs, errors.New("MAX_BATCH_PER_CALL must be between 1 and 10"))
	}
	// a zero timeout redelivers every message to the same fetch loop
	if c.Fetch.VisibilityTimeout < 1 || c.Fetch.VisibilityTimeout > 43200 {
		errs = append(errs, errors.New("VISIBILITY_TIMEOUT must be between 1 and 43200"))
	}
	if c.Fetch.WaitTimeSeconds < 0 || c.Fetch.WaitTimeSeconds > 20 {
		errs = append(errs, errors.New("WAIT_TIME_SECONDS must be between 0 and 20"))
	}
	if c.Queue.RedisDb < 0 {
		errs = append(errs, errors.New("REDIS_DB must not be negative"))
	}

	return errors.Join(errs...)
}

// ResolveCredentials replaces the secret access key with the decrypted
// value of SecretKms when one is configured.
func (c *Config) ResolveCredentials(ctx context.Context, decrypter Decrypter) error {
	if c.Aws.SecretKms == "" {
		return nil
	}

	secret, err := decrypter.Decrypt(ctx, c.Aws.SecretKms)
	if err != nil {
		return fmt.Errorf("failed to decrypt API_SECRET_KMS: %w", err)
	}

	c.Aws.SecretAccessKey = secret
	c.Aws.SecretKms = ""

	return nil
}
