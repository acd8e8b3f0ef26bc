package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"staybook/pkg/client"
	"staybook/pkg/logger"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
)

type Config struct {
	ServiceName string

	Port      string
	LogFormat string

	RequestTimeout time.Duration
	ReplayStore    string
	ReplayTTL      time.Duration
	MaxRequestSize int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	StoreDriver string

	MySQLHost     string
	MySQLPort     string
	MySQLUser     string
	MySQLPassword string
	MySQLDatabase string
	MySQLMaxConns int

	PostgresURL      string
	PostgresMaxConns int

	MongoURI          string
	MongoDatabaseName string
	MongoConnTimeout  time.Duration

	TxMaxAttempts  int
	TxRetryBackoff time.Duration

	RedisAddrs    []string
	RedisPassword string
	RedisDB       int

	LockTTL            time.Duration
	LockDriftFactor    float64
	LockRetryCount     int
	LockRetryDelay     time.Duration
	LockRetryJitter    time.Duration
	LockKeyPrefix      string
	LockReleaseTimeout time.Duration

	EventsDriver string
	EventsTopic  string
	AMQPURL      string

	MetricsEnabled bool

	Log    *logger.Logger
	Client *client.Client
}

func Load(serviceName string) *Config {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName: serviceName,

		Port:      getEnvStr(EnvPort, DefaultPort),
		LogFormat: strings.ToLower(getEnvStr(EnvLogFormat, DefaultLogFormat)),

		RequestTimeout: getEnvDuration(EnvRequestTimeout, DefaultRequestTimeout),
		ReplayStore:    strings.ToLower(getEnvStr(EnvReplayStore, DefaultReplayStore)),
		ReplayTTL:      getEnvDuration(EnvReplayTTL, DefaultReplayTTL),
		MaxRequestSize: getEnvNum(EnvMaxRequestSize, DefaultMaxRequestSize),

		ReadTimeout:     getEnvDuration(EnvReadTimeout, DefaultReadTimeout),
		WriteTimeout:    getEnvDuration(EnvWriteTimeout, DefaultWriteTimeout),
		IdleTimeout:     getEnvDuration(EnvIdleTimeout, DefaultIdleTimeout),
		ShutdownTimeout: getEnvDuration(EnvShutdownTimeout, DefaultShutdownTimeout),

		StoreDriver: strings.ToLower(getEnvStr(EnvStoreDriver, DefaultStoreDriver)),

		MySQLHost:     getEnvStr(EnvMySQLHost, DefaultMySQLHost),
		MySQLPort:     getEnvStr(EnvMySQLPort, DefaultMySQLPort),
		MySQLUser:     getEnvStr(EnvMySQLUser, DefaultMySQLUser),
		MySQLPassword: getEnvStr(EnvMySQLPassword, ""),
		MySQLDatabase: getEnvStr(EnvMySQLDatabase, DefaultMySQLDatabase),
		MySQLMaxConns: getEnvNum(EnvMySQLMaxConns, DefaultMySQLMaxConns),

		PostgresURL:      getEnvStr(EnvPostgresURL, DefaultPostgresURL),
		PostgresMaxConns: getEnvNum(EnvPostgresMaxConns, DefaultPostgresMaxConns),

		MongoURI:          getEnvStr(EnvMongoURI, DefaultMongoURI),
		MongoDatabaseName: getEnvStr(EnvMongoDatabaseName, DefaultMongoDatabaseName),
		MongoConnTimeout:  getEnvDuration(EnvMongoConnTimeout, DefaultMongoConnTimeout),

		TxMaxAttempts:  getEnvNum(EnvTxMaxAttempts, DefaultTxMaxAttempts),
		TxRetryBackoff: getEnvDuration(EnvTxRetryBackoff, DefaultTxRetryBackoff),

		RedisAddrs:    getEnvList(EnvRedisAddrs, DefaultRedisAddrs),
		RedisPassword: getEnvStr(EnvRedisPassword, ""),
		RedisDB:       getEnvNum(EnvRedisDB, DefaultRedisDB),

		LockTTL:            getEnvDuration(EnvLockTTL, DefaultLockTTL),
		LockDriftFactor:    getEnvFloat(EnvLockDriftFactor, DefaultLockDriftFactor),
		LockRetryCount:     getEnvNum(EnvLockRetryCount, DefaultLockRetryCount),
		LockRetryDelay:     getEnvDuration(EnvLockRetryDelay, DefaultLockRetryDelay),
		LockRetryJitter:    getEnvDuration(EnvLockRetryJitter, DefaultLockRetryJitter),
		LockKeyPrefix:      getEnvStr(EnvLockKeyPrefix, DefaultLockKeyPrefix),
		LockReleaseTimeout: getEnvDuration(EnvLockReleaseTimeout, DefaultLockReleaseTimeout),

		EventsDriver: strings.ToLower(getEnvStr(EnvEventsDriver, DefaultEventsDriver)),
		EventsTopic:  getEnvStr(EnvEventsTopic, DefaultEventsTopic),
		AMQPURL:      getEnvStr(EnvAMQPURL, DefaultAMQPURL),

		MetricsEnabled: getEnvBool(EnvMetricsEnabled, DefaultMetricsEnabled),

		Log: logger.New(logger.Config{
			Level:     getEnvStr(EnvLogLevel, DefaultLogLevel),
			Format:    strings.ToLower(getEnvStr(EnvLogFormat, DefaultLogFormat)),
			AddSource: true,
			Service:   serviceName,
		}),
		Client: client.NewClient(),
	}

	err := cfg.Validate()
	if err != nil {
		cfg.Log.Fatal(err.Error())
	}
	cfg.LogConfiguration()
	return cfg
}

// Connect opens the handles the configured store driver and the lock quorum
// need. Failures are fatal: the service cannot run without them.
func (cfg *Config) Connect() {
	switch cfg.StoreDriver {
	case StoreDriverMySQL:
		cfg.Client.SetMySQL(cfg.Log, cfg.MySQLDSN(), cfg.MySQLMaxConns)
	case StoreDriverPostgres:
		cfg.Client.SetPostgres(cfg.Log, cfg.PostgresURL, int32(cfg.PostgresMaxConns))
	case StoreDriverMongo:
		cfg.SetMongo()
	}
	cfg.Client.SetRedis(cfg.Log, cfg.RedisAddrs, cfg.RedisPassword, cfg.RedisDB)
}

func (cfg *Config) SetMongo() {
	cfg.Client.SetMongo(cfg.Log, cfg.MongoURI, cfg.MongoConnTimeout)
}

func (cfg *Config) MySQLDSN() string {
	mc := mysql.NewConfig()
	mc.User = cfg.MySQLUser
	mc.Passwd = cfg.MySQLPassword
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.MySQLHost, cfg.MySQLPort)
	mc.DBName = cfg.MySQLDatabase
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN()
}

func (cfg *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("Port must be between 1 and 65535, got: %s", cfg.Port))
	}

	if cfg.LogFormat != logger.JSON && cfg.LogFormat != logger.TEXT {
		errors = append(errors, fmt.Sprintf("LogFormat must be one of [json, text], got: %s", cfg.LogFormat))
	}

	switch cfg.StoreDriver {
	case StoreDriverMySQL:
		if cfg.MySQLHost == "" {
			errors = append(errors, "MySQLHost cannot be empty")
		}
		if cfg.MySQLDatabase == "" {
			errors = append(errors, "MySQLDatabase cannot be empty")
		}
		if cfg.MySQLMaxConns <= 0 {
			errors = append(errors, fmt.Sprintf("MySQLMaxConns must be positive, got: %d", cfg.MySQLMaxConns))
		}
	case StoreDriverPostgres:
		if !regexp.MustCompile(`^postgres(ql)?://`).MatchString(cfg.PostgresURL) {
			errors = append(errors, fmt.Sprintf("PostgresURL must start with 'postgres://' or 'postgresql://', got: %s", redactURL(cfg.PostgresURL)))
		}
		if cfg.PostgresMaxConns <= 0 {
			errors = append(errors, fmt.Sprintf("PostgresMaxConns must be positive, got: %d", cfg.PostgresMaxConns))
		}
	case StoreDriverMongo:
		if cfg.MongoURI == "" {
			errors = append(errors, "MongoURI cannot be empty")
		} else if len(cfg.MongoURI) < 10 || !regexp.MustCompile(`^mongodb(\+srv)?://`).MatchString(cfg.MongoURI) {
			errors = append(errors, fmt.Sprintf("MongoURI must start with 'mongodb://' or 'mongodb+srv://', got: %s", redactURL(cfg.MongoURI)))
		}
		if cfg.MongoDatabaseName == "" {
			errors = append(errors, "MongoDatabaseName cannot be empty")
		}
		if cfg.MongoConnTimeout <= 0 {
			errors = append(errors, fmt.Sprintf("MongoConnTimeout must be positive, got: %s", cfg.MongoConnTimeout))
		}
	case StoreDriverMemory:
	default:
		errors = append(errors, fmt.Sprintf("StoreDriver must be one of [mysql, postgres, mongo, memory], got: %s", cfg.StoreDriver))
	}

	if cfg.TxMaxAttempts < 1 {
		errors = append(errors, fmt.Sprintf("TxMaxAttempts must be at least 1, got: %d", cfg.TxMaxAttempts))
	}
	if cfg.TxRetryBackoff < 0 {
		errors = append(errors, fmt.Sprintf("TxRetryBackoff cannot be negative, got: %s", cfg.TxRetryBackoff))
	}

	if len(cfg.RedisAddrs) == 0 {
		errors = append(errors, "RedisAddrs must list at least one lock node")
	}
	for i, addr := range cfg.RedisAddrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errors = append(errors, fmt.Sprintf("RedisAddrs[%d] must be host:port, got: %s", i, addr))
		}
	}

	if cfg.LockTTL <= 0 {
		errors = append(errors, fmt.Sprintf("LockTTL must be positive, got: %s", cfg.LockTTL))
	}
	if cfg.LockDriftFactor < 0 || cfg.LockDriftFactor >= 1 {
		errors = append(errors, fmt.Sprintf("LockDriftFactor must be in [0, 1), got: %g", cfg.LockDriftFactor))
	}
	if cfg.LockRetryCount < 0 {
		errors = append(errors, fmt.Sprintf("LockRetryCount cannot be negative, got: %d", cfg.LockRetryCount))
	}
	if cfg.LockRetryDelay < 0 {
		errors = append(errors, fmt.Sprintf("LockRetryDelay cannot be negative, got: %s", cfg.LockRetryDelay))
	}
	if cfg.LockRetryJitter < 0 {
		errors = append(errors, fmt.Sprintf("LockRetryJitter cannot be negative, got: %s", cfg.LockRetryJitter))
	}
	if cfg.LockReleaseTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("LockReleaseTimeout must be positive, got: %s", cfg.LockReleaseTimeout))
	}

	switch cfg.EventsDriver {
	case EventsDriverNone, EventsDriverKafka:
	case EventsDriverRabbitMQ:
		if !regexp.MustCompile(`^amqps?://`).MatchString(cfg.AMQPURL) {
			errors = append(errors, fmt.Sprintf("AMQPURL must start with 'amqp://' or 'amqps://', got: %s", redactURL(cfg.AMQPURL)))
		}
	default:
		errors = append(errors, fmt.Sprintf("EventsDriver must be one of [none, kafka, rabbitmq], got: %s", cfg.EventsDriver))
	}
	if cfg.EventsDriver != EventsDriverNone && cfg.EventsTopic == "" {
		errors = append(errors, "EventsTopic cannot be empty when events are enabled")
	}

	if cfg.RequestTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("RequestTimeout must be positive, got: %s", cfg.RequestTimeout))
	}
	if cfg.ReplayStore != ReplayStoreRedis && cfg.ReplayStore != ReplayStoreMemory {
		errors = append(errors, fmt.Sprintf("ReplayStore must be one of [redis, memory], got: %s", cfg.ReplayStore))
	}
	if cfg.ReplayTTL <= 0 {
		errors = append(errors, fmt.Sprintf("ReplayTTL must be positive, got: %s", cfg.ReplayTTL))
	}
	if cfg.ReadTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("ReadTimeout must be positive, got: %s", cfg.ReadTimeout))
	}
	if cfg.WriteTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("WriteTimeout must be positive, got: %s", cfg.WriteTimeout))
	}
	if cfg.IdleTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("IdleTimeout must be positive, got: %s", cfg.IdleTimeout))
	}
	if cfg.ShutdownTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("ShutdownTimeout must be positive, got: %s", cfg.ShutdownTimeout))
	}
	if cfg.MaxRequestSize <= 0 {
		errors = append(errors, fmt.Sprintf("MaxRequestSize must be positive, got: %d", cfg.MaxRequestSize))
	}

	if len(errors) > 0 {
		errMsg := "Configuration validation failed:\n"
		for i, err := range errors {
			errMsg += fmt.Sprintf("  %d. %s\n", i+1, err)
		}
		return fmt.Errorf("%s", errMsg)
	}

	return nil
}

func (cfg *Config) LogConfiguration() {
	cfg.Log.Info("Configuration loaded successfully",
		"port", cfg.Port,
		"store_driver", cfg.StoreDriver,
		"mysql_addr", net.JoinHostPort(cfg.MySQLHost, cfg.MySQLPort),
		"mysql_database", cfg.MySQLDatabase,
		"mysql_password_set", cfg.MySQLPassword != "",
		"postgres_url", redactURL(cfg.PostgresURL),
		"mongo_uri", redactURL(cfg.MongoURI),
		"mongo_database", cfg.MongoDatabaseName,
		"tx_max_attempts", cfg.TxMaxAttempts,
		"tx_retry_backoff", cfg.TxRetryBackoff,
		"redis_addrs", cfg.RedisAddrs,
		"redis_password_set", cfg.RedisPassword != "",
		"lock_ttl", cfg.LockTTL,
		"lock_drift_factor", cfg.LockDriftFactor,
		"lock_retry_count", cfg.LockRetryCount,
		"lock_retry_delay", cfg.LockRetryDelay,
		"lock_retry_jitter", cfg.LockRetryJitter,
		"lock_key_prefix", cfg.LockKeyPrefix,
		"events_driver", cfg.EventsDriver,
		"events_topic", cfg.EventsTopic,
		"amqp_url", redactURL(cfg.AMQPURL),
		"metrics_enabled", cfg.MetricsEnabled,
		"request_timeout", cfg.RequestTimeout,
		"replay_store", cfg.ReplayStore,
		"replay_ttl", cfg.ReplayTTL,
		"max_request_size", cfg.MaxRequestSize,
		"read_timeout", cfg.ReadTimeout,
		"write_timeout", cfg.WriteTimeout,
		"idle_timeout", cfg.IdleTimeout,
		"shutdown_timeout", cfg.ShutdownTimeout,
	)
}

var credentialRegex = regexp.MustCompile(`^([a-z][a-z0-9+.-]*://)[^:@/]+:[^@]+@`)

func redactURL(uri string) string {
	return credentialRegex.ReplaceAllString(uri, "${1}***:***@")
}

func getEnvStr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvNum(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key, fallback string) []string {
	var out []string
	for _, part := range strings.Split(getEnvStr(key, fallback), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (cfg *Config) GracefulShutdown() {
	cfg.Client.GracefulShutdown(cfg.Log)
}
